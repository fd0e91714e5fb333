package connector

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"

	"github.com/retailmon/market-scraper/internal/browser"
	"github.com/retailmon/market-scraper/internal/models"
	"github.com/retailmon/market-scraper/internal/parser"
)

const lavkaSlug = "lavka"

// Lavka product ids are URL slugs, not numbers.
var lavkaProductURLPattern = regexp.MustCompile(`lavka\.yandex\.ru/\d+/good/([a-zA-Z0-9_-]+)`)

// The storefront renders from a client-side store, so the page is asked for
// its Apollo cache first, then the Next.js payload, then any bootstrap
// script assigning a global state object.
const lavkaAppStateJS = `() => {
	if (window.__APOLLO_STATE__) {
		return window.__APOLLO_STATE__;
	}
	const nextData = document.getElementById('__NEXT_DATA__');
	if (nextData) {
		try {
			return JSON.parse(nextData.textContent);
		} catch (e) {}
	}
	const scripts = document.querySelectorAll('script');
	for (const script of scripts) {
		const text = script.textContent || '';
		if (text.includes('__INITIAL_STATE__') || text.includes('window.__STATE__')) {
			const match = text.match(/window\.__\w+__\s*=\s*(\{.+\})/);
			if (match) {
				try {
					return JSON.parse(match[1]);
				} catch (e) {}
			}
		}
	}
	return null;
}`

const (
	lavkaTitleSelector        = `h1[class*="title"], [data-testid="product-title"], .product-title`
	lavkaPriceCurrentSelector = `[class*="price-current"], [class*="actual-price"], [data-testid="price"]`
	lavkaPriceOldSelector     = `[class*="price-old"], [class*="crossed-price"], [data-testid="old-price"]`
	lavkaRatingSelector       = `[class*="rating"], [data-testid="rating"]`
	lavkaReviewsCountSelector = `[class*="reviews"], [data-testid="reviews-count"]`
	lavkaInStockSelector      = `button[class*="add-to-cart"]:not([disabled]), button[class*="buy"]:not([disabled])`
	lavkaOutOfStockSelector   = `[class*="out-of-stock"], [class*="unavailable"], [class*="sold-out"]`
	lavkaReviewsContainer     = `[class*="reviews-list"], [class*="Reviews"]`
	lavkaReviewItemSelector   = `[class*="review-item"], [class*="Review"]`
	lavkaLoadMoreSelector     = `button:has-text("Показать ещё"), button:has-text("Ещё")`
)

var (
	lavkaRatingClassPattern = regexp.MustCompile(`rating-?(\d)`)
	lavkaDigitPattern       = regexp.MustCompile(`(\d)`)
)

type Lavka struct {
	cookies []browser.Cookie
	logger  *slog.Logger
}

func NewLavka(opts Options) *Lavka {
	return &Lavka{
		cookies: opts.Cookies,
		logger:  opts.logger(lavkaSlug),
	}
}

func (c *Lavka) Slug() string {
	return lavkaSlug
}

func (c *Lavka) ParseProductID(url string) (string, bool) {
	m := lavkaProductURLPattern.FindStringSubmatch(url)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func (c *Lavka) ScrapeProduct(ctx context.Context, url string, b Browser) models.ScrapeResult {
	pg, err := b.NewPage(browser.PageOptions{Cookies: c.cookies})
	if err != nil {
		return models.FailedResult(models.ErrKindUnknown, fmt.Sprintf("browser page: %v", err))
	}
	defer pg.Close()

	if res := navigate(pg, url); res != nil {
		return *res
	}
	pg.WaitSettle()
	if res := cancelledResult(ctx); res != nil {
		return *res
	}

	data, strategyName := runStrategies(c.logger, []strategy{
		{name: "app_state", run: func() (*models.PriceData, error) { return c.extractFromState(pg) }},
		{name: "dom", run: func() (*models.PriceData, error) { return c.extractFromDOM(pg), nil }},
	})
	if !data.HasPrice() {
		return models.FailedResult(models.ErrKindNoProductData, "No product data found")
	}

	if data.Title == "" {
		data.Title, _ = pg.Text(lavkaTitleSelector)
	}
	if data.InStock == nil {
		data.InStock = determineStock(pg, []string{lavkaOutOfStockSelector}, []string{lavkaInStockSelector})
	}

	raw := map[string]any{
		"url":      url,
		"retailer": lavkaSlug,
		"strategy": strategyName,
	}
	c.logger.Info("product scraped", "url", url, "strategy", strategyName)
	return models.SuccessResult(data, raw)
}

func (c *Lavka) extractFromState(pg Page) (*models.PriceData, error) {
	v, err := pg.Evaluate(lavkaAppStateJS)
	if err != nil {
		return nil, fmt.Errorf("evaluate app state: %w", err)
	}
	state := asMap(v)
	if state == nil {
		return nil, fmt.Errorf("no app state on page")
	}
	return parseLavkaState(state), nil
}

// parseLavkaState scans cache entries for product fields. Fields accumulate
// across entries and the scan stops at the first entry carrying a regular
// price.
func parseLavkaState(state map[string]any) *models.PriceData {
	data := models.NewPriceData()

	for _, entry := range state {
		node := asMap(entry)
		if node == nil {
			continue
		}

		if title := asString(firstNonNil(node, "title", "name")); title != "" {
			data.Title = title
		}

		if priceNode, ok := node["price"]; ok {
			var raw parser.RawPrices
			switch price := priceNode.(type) {
			case map[string]any:
				raw.Regular = firstNonNil(price, "value", "regular")
				raw.Promo = firstNonNil(price, "discount", "promo")
			default:
				raw.Regular = price
			}
			normalized := parser.NormalizePrice(raw)
			data.PriceRegular = normalized.PriceRegular
			data.PricePromo = normalized.PricePromo
			data.PriceFinal = normalized.PriceFinal
		}

		if ratingNode, ok := node["rating"]; ok {
			switch rating := ratingNode.(type) {
			case map[string]any:
				if v, ok := asFloat(rating["value"]); ok && v >= 0 && v <= 5 {
					data.RatingAvg = &v
				}
				if n, ok := asInt(rating["count"]); ok {
					data.ReviewsCount = &n
				}
			default:
				if v, ok := asFloat(rating); ok && v >= 0 && v <= 5 {
					data.RatingAvg = &v
				}
			}
		}

		if v, ok := asBool(node["inStock"]); ok {
			data.InStock = &v
		}

		if data.PriceRegular != nil {
			return data
		}
	}
	return data
}

func (c *Lavka) extractFromDOM(pg Page) *models.PriceData {
	data := models.NewPriceData()
	data.Title, _ = pg.Text(lavkaTitleSelector)

	var current, old *decimal.Decimal
	if text, ok := pg.Text(lavkaPriceCurrentSelector); ok {
		current = parser.ParsePrice(text)
	}
	if text, ok := pg.Text(lavkaPriceOldSelector); ok {
		old = parser.ParsePrice(text)
	}

	var raw parser.RawPrices
	raw.Regular = current
	if old != nil && current != nil && old.GreaterThan(*current) {
		raw.Promo = current
		raw.Regular = old
	}
	normalized := parser.NormalizePrice(raw)
	data.PriceRegular = normalized.PriceRegular
	data.PricePromo = normalized.PricePromo
	data.PriceFinal = normalized.PriceFinal

	if text, ok := pg.Text(lavkaRatingSelector); ok {
		data.RatingAvg = parser.ParseRating(text)
	}
	if text, ok := pg.Text(lavkaReviewsCountSelector); ok {
		data.ReviewsCount = parser.ParseReviewsCount(text)
	}

	data.InStock = determineStock(pg, []string{lavkaOutOfStockSelector}, []string{lavkaInStockSelector})
	if data.InStock == nil {
		f := false
		data.InStock = &f
	}

	return data
}

// ScrapeReviews pages through what little review UI Lavka has; counts often
// come back short of maxReviews.
func (c *Lavka) ScrapeReviews(ctx context.Context, url string, b Browser, maxReviews int) []models.ReviewData {
	pg, err := b.NewPage(browser.PageOptions{Cookies: c.cookies})
	if err != nil {
		c.logger.Warn("browser page for reviews failed", "error", err)
		return nil
	}
	defer pg.Close()

	if res := navigate(pg, url); res != nil {
		return nil
	}
	pg.WaitSettle()
	if ctx.Err() != nil {
		return nil
	}

	if anyExists(pg, []string{lavkaReviewsContainer}) {
		pg.ScrollBy(1200)
		pg.RandomDelay(1200*time.Millisecond, 1800*time.Millisecond)
	}
	loadMoreReviews(pg, []string{lavkaReviewItemSelector}, []string{lavkaLoadMoreSelector}, maxReviews, 3)

	content, err := pg.Content()
	if err != nil {
		return nil
	}

	var reviews []models.ReviewData
	for idx, sel := range reviewElements(content, []string{lavkaReviewItemSelector}, maxReviews) {
		if review, ok := c.parseReview(sel, idx); ok {
			reviews = append(reviews, review)
		}
	}
	c.logger.Info("reviews scraped", "url", url, "count", len(reviews))
	return reviews
}

func (c *Lavka) parseReview(sel *goquery.Selection, idx int) (models.ReviewData, bool) {
	innerHTML, err := sel.Html()
	if err != nil {
		return models.ReviewData{}, false
	}

	text := strings.TrimSpace(sel.Find(`[class*="text"], [class*="comment"], [class*="body"]`).First().Text())
	if text == "" {
		text = strings.Join(longLines(sel.Text(), 15, 5), "\n")
	}
	if text == "" {
		return models.ReviewData{}, false
	}

	review := models.ReviewData{
		ExternalID: fallbackReviewID(lavkaSlug, innerHTML),
		Rating:     lavkaReviewRating(sel),
		Text:       text,
		AuthorName: truncateRunes(strings.TrimSpace(sel.Find(`[class*="author"], [class*="name"]`).First().Text()), 100),
		RawData:    map[string]any{"index": idx},
	}
	if dateText := sel.Find(`[class*="date"], [class*="time"]`).First().Text(); dateText != "" {
		review.PublishedAt = parser.ParseRussianDate(dateText)
	}
	return review, true
}

func lavkaReviewRating(sel *goquery.Selection) int {
	ratingEl := sel.Find(`[class*="rating"], [class*="stars"], [class*="rate"]`).First()
	if ratingEl.Length() == 0 {
		return 5
	}

	if attr, ok := ratingEl.Attr("data-rating"); ok {
		if v, err := strconv.ParseFloat(strings.TrimSpace(attr), 64); err == nil && v >= 1 {
			return clampRating(int(v))
		}
	}

	if filled := ratingEl.Find(`[class*="filled"], [class*="active"]`).Length(); filled > 0 {
		return clampRating(filled)
	}

	if class, ok := ratingEl.Attr("class"); ok {
		if m := lavkaRatingClassPattern.FindStringSubmatch(class); m != nil {
			if v, _ := strconv.Atoi(m[1]); v >= 1 {
				return clampRating(v)
			}
		}
	}

	if m := lavkaDigitPattern.FindStringSubmatch(ratingEl.Text()); m != nil {
		if v, _ := strconv.Atoi(m[1]); v >= 1 {
			return clampRating(v)
		}
	}
	return 5
}
