package connector

import "strings"

// Factory builds a connector with per-run options such as session cookies.
type Factory func(opts Options) Connector

var registry = map[string]Factory{
	ozonSlug:        func(o Options) Connector { return NewOzon(o) },
	wbSlug:          func(o Options) Connector { return NewWildberries(o) },
	"wb":            func(o Options) Connector { return NewWildberries(o) },
	perekrestokSlug: func(o Options) Connector { return NewPerekrestok(o) },
	vkusvillSlug:    func(o Options) Connector { return NewVkusvill(o) },
	lavkaSlug:       func(o Options) Connector { return NewLavka(o) },
	"yandex-lavka":  func(o Options) Connector { return NewLavka(o) },
}

// Ordered so URL detection is deterministic.
var urlPatterns = []struct {
	slug     string
	patterns []string
}{
	{ozonSlug, []string{"ozon.ru"}},
	{wbSlug, []string{"wildberries.ru", "wb.ru"}},
	{perekrestokSlug, []string{"perekrestok.ru"}},
	{vkusvillSlug, []string{"vkusvill.ru"}},
	{lavkaSlug, []string{"lavka.yandex.ru", "eda.yandex.ru/lavka"}},
}

// Get resolves a retailer slug, including aliases, to a connector.
func Get(slug string, opts Options) (Connector, bool) {
	factory, ok := registry[strings.ToLower(slug)]
	if !ok {
		return nil, false
	}
	return factory(opts), true
}

// Available lists canonical retailer slugs, aliases excluded.
func Available() []string {
	return []string{ozonSlug, wbSlug, perekrestokSlug, vkusvillSlug, lavkaSlug}
}

// DetectRetailer maps a product URL to the retailer that serves it.
func DetectRetailer(url string) (string, bool) {
	lower := strings.ToLower(url)
	for _, entry := range urlPatterns {
		for _, pattern := range entry.patterns {
			if strings.Contains(lower, pattern) {
				return entry.slug, true
			}
		}
	}
	return "", false
}
