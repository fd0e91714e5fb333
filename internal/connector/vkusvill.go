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

const vkusvillSlug = "vkusvill"

var vkusvillProductURLPattern = regexp.MustCompile(`vkusvill\.ru/goods/[^/]+-(\d+)\.html`)

// VkusVill markup is stable enough that selector groups cover both the old
// and the redesigned product card.
const (
	vkusvillTitleSelector        = `h1.Product__title, .ProductCard__title`
	vkusvillPriceCurrentSelector = `.Price__value, [class*="price-current"]`
	vkusvillPriceOldSelector     = `.Price__old, [class*="price-old"]`
	vkusvillPriceCardSelector    = `.Price__club, .VVClubPrice`
	vkusvillRatingSelector       = `.Rating__value, [class*="rating-value"]`
	vkusvillReviewsCountSelector = `.Rating__count, [class*="reviews-count"]`
	vkusvillInStockSelector      = `.Product__buy-btn:not([disabled]), .AddToCart:not([disabled])`
	vkusvillOutOfStockSelector   = `.Product__not-available, [class*="not-available"]`
	vkusvillReviewsTabSelector   = `[data-tab="reviews"], .Tabs__item:has-text("Отзывы")`
	vkusvillReviewItemSelector   = `.Review, .ProductReview`
	vkusvillLoadMoreSelector     = `button:has-text("Показать ещё"), .Reviews__more`
)

var vkusvillReviewDigitPattern = regexp.MustCompile(`(\d)`)

type Vkusvill struct {
	cookies []browser.Cookie
	logger  *slog.Logger
}

func NewVkusvill(opts Options) *Vkusvill {
	return &Vkusvill{
		cookies: opts.Cookies,
		logger:  opts.logger(vkusvillSlug),
	}
}

func (c *Vkusvill) Slug() string {
	return vkusvillSlug
}

func (c *Vkusvill) ParseProductID(url string) (string, bool) {
	m := vkusvillProductURLPattern.FindStringSubmatch(url)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func (c *Vkusvill) ScrapeProduct(ctx context.Context, url string, b Browser) models.ScrapeResult {
	pg, err := b.NewPage(browser.PageOptions{Cookies: c.cookies})
	if err != nil {
		return models.FailedResult(models.ErrKindUnknown, fmt.Sprintf("browser page: %v", err))
	}
	defer pg.Close()

	if res := navigate(pg, url); res != nil {
		return *res
	}
	if !pg.WaitFor(vkusvillTitleSelector, 10*time.Second) {
		c.logger.Warn("title selector not found, trying alternative extraction", "url", url)
	}
	if res := cancelledResult(ctx); res != nil {
		return *res
	}

	data := c.extractFromDOM(pg)
	if !data.HasPrice() {
		return models.FailedResult(models.ErrKindNoProductData, "No product data found")
	}

	raw := map[string]any{
		"url":      url,
		"retailer": vkusvillSlug,
		"strategy": "dom",
	}
	if content, err := pg.Content(); err == nil {
		if node := extractJSONLD(content); node != nil {
			raw["json_ld"] = node
		}
	}

	c.logger.Info("product scraped", "url", url)
	return models.SuccessResult(data, raw)
}

func (c *Vkusvill) extractFromDOM(pg Page) *models.PriceData {
	data := models.NewPriceData()
	data.Title, _ = pg.Text(vkusvillTitleSelector)

	var current, old *decimal.Decimal
	if text, ok := pg.Text(vkusvillPriceCurrentSelector); ok {
		current = parser.ParsePrice(text)
	}
	if text, ok := pg.Text(vkusvillPriceOldSelector); ok {
		old = parser.ParsePrice(text)
	}

	var raw parser.RawPrices
	raw.Regular = current
	if old != nil && current != nil && old.GreaterThan(*current) {
		raw.Promo = current
		raw.Regular = old
	}
	if text, ok := pg.Text(vkusvillPriceCardSelector); ok {
		raw.Card = text
	}
	normalized := parser.NormalizePrice(raw)
	data.PriceRegular = normalized.PriceRegular
	data.PricePromo = normalized.PricePromo
	data.PriceCard = normalized.PriceCard
	data.PriceFinal = normalized.PriceFinal

	if text, ok := pg.Text(vkusvillRatingSelector); ok {
		data.RatingAvg = parser.ParseRating(text)
	}
	if text, ok := pg.Text(vkusvillReviewsCountSelector); ok {
		data.ReviewsCount = parser.ParseReviewsCount(text)
	}

	data.InStock = determineStock(pg, []string{vkusvillOutOfStockSelector}, []string{vkusvillInStockSelector})
	if data.InStock == nil {
		f := false
		data.InStock = &f
	}

	return data
}

// ScrapeReviews opens the reviews tab and pages through it. Review identity
// is derived from markup because VkusVill exposes no review ids.
func (c *Vkusvill) ScrapeReviews(ctx context.Context, url string, b Browser, maxReviews int) []models.ReviewData {
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

	if pg.Click(vkusvillReviewsTabSelector) {
		pg.RandomDelay(1200*time.Millisecond, 1800*time.Millisecond)
	}
	loadMoreReviews(pg, []string{vkusvillReviewItemSelector}, []string{vkusvillLoadMoreSelector}, maxReviews, 3)

	content, err := pg.Content()
	if err != nil {
		return nil
	}

	var reviews []models.ReviewData
	for idx, sel := range reviewElements(content, []string{vkusvillReviewItemSelector}, maxReviews) {
		if review, ok := c.parseReview(sel, idx); ok {
			reviews = append(reviews, review)
		}
	}
	c.logger.Info("reviews scraped", "url", url, "count", len(reviews))
	return reviews
}

func (c *Vkusvill) parseReview(sel *goquery.Selection, idx int) (models.ReviewData, bool) {
	innerHTML, err := sel.Html()
	if err != nil {
		return models.ReviewData{}, false
	}

	text := strings.TrimSpace(sel.Find(`[class*="text"], .Review__text`).First().Text())
	if text == "" {
		text = strings.Join(longLines(sel.Text(), 20, 5), "\n")
	}
	if text == "" {
		return models.ReviewData{}, false
	}

	review := models.ReviewData{
		ExternalID: fallbackReviewID(vkusvillSlug, innerHTML),
		Rating:     vkusvillReviewRating(sel),
		Text:       text,
		AuthorName: truncateRunes(strings.TrimSpace(sel.Find(`[class*="author"], .Review__author`).First().Text()), 100),
		RawData:    map[string]any{"index": idx},
	}
	if dateText := sel.Find(`[class*="date"], .Review__date`).First().Text(); dateText != "" {
		review.PublishedAt = parser.ParseRussianDate(dateText)
	}
	return review, true
}

func vkusvillReviewRating(sel *goquery.Selection) int {
	ratingEl := sel.Find(`[class*="rating"], [class*="stars"]`).First()
	if ratingEl.Length() == 0 {
		return 5
	}

	if attr, ok := ratingEl.Attr("data-rating"); ok {
		if v, err := strconv.Atoi(strings.TrimSpace(attr)); err == nil && v >= 1 {
			return clampRating(v)
		}
	}

	if filled := ratingEl.Find(`[class*="filled"], [class*="active"]`).Length(); filled > 0 {
		return clampRating(filled)
	}

	if m := vkusvillReviewDigitPattern.FindStringSubmatch(ratingEl.Text()); m != nil {
		if v, _ := strconv.Atoi(m[1]); v >= 1 {
			return clampRating(v)
		}
	}
	return 5
}
