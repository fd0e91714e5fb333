// Package browser manages the shared headless Chromium instance and hands
// out isolated, fingerprint-randomized pages to the retailer connectors.
package browser

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

type Session struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	opts    *Options
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
}

type Options struct {
	Headless       bool
	Timeout        time.Duration
	UserAgents     []string
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	ProxyServer    string
	BlockResources bool
}

func DefaultOptions() *Options {
	return &Options{
		Headless:       true,
		Timeout:        30 * time.Second,
		UserAgents:     defaultUserAgents,
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		AcceptLanguage: "ru-RU,ru;q=0.9,en;q=0.8",
		TimezoneID:     "Europe/Moscow",
		Locale:         "ru-RU",
		BlockResources: true,
	}
}

// New starts playwright and launches the browser. The session owns both and
// releases them in Close.
func New(opts *Options) (*Session, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if len(opts.UserAgents) == 0 {
		opts.UserAgents = defaultUserAgents
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &opts.Headless,
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--disable-gpu",
			"--disable-background-timer-throttling",
			"--no-sandbox",
			"--disable-setuid-sandbox",
			"--lang=ru-RU",
		},
	}

	if opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{
			Server: opts.ProxyServer,
		}
	}

	b, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	return &Session{
		pw:      pw,
		browser: b,
		opts:    opts,
		logger:  slog.Default().With("component", "browser"),
	}, nil
}

type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"http_only,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

type PageOptions struct {
	Cookies  []Cookie
	Locale   string
	Timezone string
}

// NewPage opens a page inside a fresh context: randomized viewport and user
// agent, stealth init script, optional cookies, resource blocking. The
// returned page owns its context; Close releases both.
func (s *Session) NewPage(opts PageOptions) (*Page, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("browser session is closed")
	}
	s.mu.Unlock()

	locale := s.opts.Locale
	if opts.Locale != "" {
		locale = opts.Locale
	}
	timezone := s.opts.TimezoneID
	if opts.Timezone != "" {
		timezone = opts.Timezone
	}
	userAgent := s.opts.UserAgents[rand.Intn(len(s.opts.UserAgents))]
	viewport := &playwright.Size{
		Width:  s.opts.ViewportWidth + rand.Intn(201) - 100,
		Height: s.opts.ViewportHeight + rand.Intn(101) - 50,
	}

	context, err := s.browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:  &userAgent,
		Locale:     &locale,
		TimezoneId: &timezone,
		Viewport:   viewport,
		ExtraHttpHeaders: map[string]string{
			"Accept-Language": s.opts.AcceptLanguage,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	if err := context.AddInitScript(playwright.Script{Content: playwright.String(stealthScript)}); err != nil {
		context.Close()
		return nil, fmt.Errorf("failed to add stealth script: %w", err)
	}

	if len(opts.Cookies) > 0 {
		if err := context.AddCookies(toPlaywrightCookies(opts.Cookies)); err != nil {
			s.logger.Warn("failed to add cookies", "error", err)
		}
	}

	page, err := context.NewPage()
	if err != nil {
		context.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	if s.opts.BlockResources {
		if err := blockHeavyResources(page); err != nil {
			s.logger.Warn("failed to install resource blocking", "error", err)
		}
	}

	page.SetDefaultTimeout(float64(s.opts.Timeout.Milliseconds()))

	return &Page{
		page:    page,
		context: context,
		timeout: s.opts.Timeout,
		logger:  s.logger,
	}, nil
}

// Close stops the browser and playwright. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error

	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}

	if s.pw != nil {
		if err := s.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}

	return nil
}

func toPlaywrightCookies(cookies []Cookie) []playwright.OptionalCookie {
	out := make([]playwright.OptionalCookie, 0, len(cookies))
	for _, c := range cookies {
		cookie := playwright.OptionalCookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: playwright.String(c.Domain),
			Path:   playwright.String(defaultString(c.Path, "/")),
		}
		if c.Expires > 0 {
			cookie.Expires = playwright.Float(c.Expires)
		}
		if c.HTTPOnly {
			cookie.HttpOnly = playwright.Bool(true)
		}
		if c.Secure {
			cookie.Secure = playwright.Bool(true)
		}
		out = append(out, cookie)
	}
	return out
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
