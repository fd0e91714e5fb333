// Package connector implements the per-retailer scrapers. Each connector
// owns its URL patterns, selector lists and extraction strategies; shared
// page-driving and parsing helpers live here. Scrape calls never panic or
// return raw errors to callers: every failure turns into a ScrapeResult
// with an error kind.
package connector

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/retailmon/market-scraper/internal/browser"
	"github.com/retailmon/market-scraper/internal/models"
)

// Page is the browser surface connectors drive. *browser.Page satisfies it;
// tests substitute recording fakes.
type Page interface {
	Goto(url string) (int, error)
	WaitSettle()
	WaitFor(selector string, timeout time.Duration) bool
	Content() (string, error)
	Text(selector string) (string, bool)
	Exists(selector string) bool
	Count(selector string) int
	Click(selector string) bool
	Evaluate(js string) (any, error)
	ScrollBy(pixels int)
	HumanScroll(times int)
	RandomDelay(min, max time.Duration)
	Close()
}

// Browser hands out fresh pages for a scrape call.
type Browser interface {
	NewPage(opts browser.PageOptions) (Page, error)
}

type sessionBrowser struct {
	session *browser.Session
}

func (s sessionBrowser) NewPage(opts browser.PageOptions) (Page, error) {
	pg, err := s.session.NewPage(opts)
	if err != nil {
		return nil, err
	}
	return pg, nil
}

// WrapSession adapts a browser session to the Browser seam.
func WrapSession(s *browser.Session) Browser {
	return sessionBrowser{session: s}
}

// Connector scrapes one retailer. Implementations capture all failures into
// the returned result instead of raising them.
type Connector interface {
	Slug() string
	ParseProductID(url string) (string, bool)
	ScrapeProduct(ctx context.Context, url string, b Browser) models.ScrapeResult
	ScrapeReviews(ctx context.Context, url string, b Browser, maxReviews int) []models.ReviewData
}

type Options struct {
	Cookies    []browser.Cookie
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (o Options) logger(slug string) *slog.Logger {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", "connector", "retailer", slug)
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// strategy is one step of the extraction pipeline. Strategies run in order;
// the first one that yields a usable final price wins.
type strategy struct {
	name string
	run  func() (*models.PriceData, error)
}

func runStrategies(logger *slog.Logger, strategies []strategy) (*models.PriceData, string) {
	for _, s := range strategies {
		data, err := s.run()
		if err != nil {
			logger.Debug("extraction strategy failed", "strategy", s.name, "error", err)
			continue
		}
		if data.HasPrice() {
			return data, s.name
		}
		logger.Debug("extraction strategy yielded no price", "strategy", s.name)
	}
	return nil, ""
}

// navigate opens the URL and reports a failure result for timeouts and
// non-200 responses, nil when navigation succeeded.
func navigate(pg Page, url string) *models.ScrapeResult {
	status, err := pg.Goto(url)
	if err != nil {
		kind, msg := classifyNavError(err)
		res := models.FailedResult(kind, msg)
		return &res
	}
	if status != 0 && status != http.StatusOK {
		res := models.FailedResult(models.ErrKindHTTPError, fmt.Sprintf("HTTP %d", status))
		return &res
	}
	return nil
}

func classifyNavError(err error) (models.ErrorKind, string) {
	if strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return models.ErrKindNavigationTimeout, "Navigation timeout"
	}
	return models.ErrKindUnknown, err.Error()
}

func cancelledResult(ctx context.Context) *models.ScrapeResult {
	if ctx.Err() == nil {
		return nil
	}
	res := models.FailedResult(models.ErrKindUnknown, "scrape cancelled")
	return &res
}

// firstText walks the selector list and returns the first non-empty match.
func firstText(pg Page, selectors []string) (string, bool) {
	for _, sel := range selectors {
		if text, ok := pg.Text(sel); ok {
			return text, true
		}
	}
	return "", false
}

func anyExists(pg Page, selectors []string) bool {
	for _, sel := range selectors {
		if pg.Exists(sel) {
			return true
		}
	}
	return false
}

func clickAny(pg Page, selectors []string) bool {
	for _, sel := range selectors {
		if pg.Click(sel) {
			return true
		}
	}
	return false
}

func countAny(pg Page, selectors []string) int {
	for _, sel := range selectors {
		if n := pg.Count(sel); n > 0 {
			return n
		}
	}
	return 0
}

func captchaBySelectors(pg Page, selectors []string) bool {
	return anyExists(pg, selectors)
}

func captchaByKeywords(content string, keywords []string) bool {
	lower := strings.ToLower(content)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// determineStock resolves availability from page markers. An explicit
// out-of-stock marker wins over an add-to-cart control. Returns nil when
// neither marker is present.
func determineStock(pg Page, outOfStock, addToCart []string) *bool {
	if anyExists(pg, outOfStock) {
		f := false
		return &f
	}
	if anyExists(pg, addToCart) {
		t := true
		return &t
	}
	return nil
}

// loadMoreReviews expands the review feed: clicks a load-more control when
// one is visible, scrolls otherwise. Attempts are bounded relative to how
// many reviews the caller wants.
func loadMoreReviews(pg Page, itemSelectors, loadMoreSelectors []string, maxReviews, extraAttempts int) {
	attempts := maxReviews/10 + extraAttempts
	for i := 0; i < attempts; i++ {
		if countAny(pg, itemSelectors) >= maxReviews {
			return
		}
		if !clickAny(pg, loadMoreSelectors) {
			pg.ScrollBy(800)
		}
		pg.RandomDelay(800*time.Millisecond, 1200*time.Millisecond)
	}
}

// reviewElements parses the page HTML and returns up to max review blocks,
// using the first selector that matches anything.
func reviewElements(content string, selectors []string, max int) []*goquery.Selection {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil
	}

	for _, selector := range selectors {
		found := doc.Find(selector)
		if found.Length() == 0 {
			continue
		}
		var out []*goquery.Selection
		found.EachWithBreak(func(i int, s *goquery.Selection) bool {
			if i >= max {
				return false
			}
			out = append(out, s)
			return true
		})
		return out
	}
	return nil
}

// longLines returns up to maxLines lines with at least minRunes characters.
func longLines(text string, minRunes, maxLines int) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if len([]rune(line)) <= minRunes {
			continue
		}
		out = append(out, line)
		if len(out) >= maxLines {
			break
		}
	}
	return out
}

// fallbackReviewID derives a stable identifier from the review markup for
// retailers that expose none.
func fallbackReviewID(slug, html string) string {
	h := fnv.New64a()
	h.Write([]byte(html))
	return fmt.Sprintf("%s_review_%d", slug, h.Sum64()%10_000_000_000)
}

func clampRating(rating int) int {
	if rating < 1 {
		return 1
	}
	if rating > 5 {
		return 5
	}
	return rating
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
