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

const perekrestokSlug = "perekrestok"

// Product state rides inside the Next.js bootstrap script, so extraction
// prefers that JSON over class-name selectors.
const perekrestokNextDataJS = `() => {
	const el = document.getElementById('__NEXT_DATA__');
	if (el) {
		try {
			return JSON.parse(el.textContent);
		} catch (e) {}
	}
	return null;
}`

var (
	perekrestokProductURLPattern  = regexp.MustCompile(`perekrestok\.ru/cat/\d+/p/[^/]+-(\d+)`)
	perekrestokRatingClassPattern = regexp.MustCompile(`rating-?(\d)`)
	perekrestokDigitPattern       = regexp.MustCompile(`(\d)`)
)

var (
	perekrestokTitleSelectors = []string{
		`h1[class*="Title"]`,
		`.product-title`,
		`[data-testid="product-title"]`,
		`h1[class*="product"]`,
		`.sc-productCard-title h1`,
		`h1`,
	}
	perekrestokPriceCurrentSelectors = []string{
		`[class*="price-new"]`,
		`[class*="Price__new"]`,
		`[data-testid="price-current"]`,
		`.sc-price-new`,
		`[class*="actual-price"]`,
		`[class*="currentPrice"]`,
	}
	perekrestokPriceOldSelectors = []string{
		`[class*="price-old"]`,
		`[class*="Price__old"]`,
		`[data-testid="price-old"]`,
		`.sc-price-old`,
		`[class*="originalPrice"]`,
	}
	perekrestokPriceCardSelectors = []string{
		`[class*="card-price"]`,
		`[class*="loyalty-price"]`,
		`[class*="cardPrice"]`,
		`[data-testid="card-price"]`,
	}
	perekrestokRatingSelectors = []string{
		`[class*="rating-value"]`,
		`[class*="rating"]`,
		`[data-testid="rating"]`,
		`.sc-rating`,
		`[class*="stars-value"]`,
	}
	perekrestokReviewsCountSelectors = []string{
		`[class*="reviews-count"]`,
		`[data-testid="reviews-count"]`,
		`.sc-reviews-count`,
		`[class*="reviewCount"]`,
		`a[href*="reviews"]`,
	}
	perekrestokAddToCartSelectors = []string{
		`[class*="add-to-cart"]:not([disabled])`,
		`button[class*="Buy"]:not([disabled])`,
		`[data-testid="add-to-cart"]`,
		`.sc-buy-button:not([disabled])`,
	}
	perekrestokOutOfStockSelectors = []string{
		`[class*="out-of-stock"]`,
		`[class*="unavailable"]`,
		`[class*="soldOut"]`,
		`[data-testid="out-of-stock"]`,
	}
	perekrestokReviewsContainerSelectors = []string{
		`[class*="Reviews"]`,
		`[class*="reviews-list"]`,
		`[data-testid="reviews-container"]`,
		`.sc-reviews`,
	}
	perekrestokReviewItemSelectors = []string{
		`[class*="Review__item"]`,
		`[class*="review-card"]`,
		`[data-testid="review-item"]`,
		`.sc-review-item`,
	}
	perekrestokLoadMoreSelectors = []string{
		`button:has-text("Показать ещё")`,
		`[class*="show-more"]`,
		`[data-testid="load-more"]`,
	}
)

var perekrestokCaptchaKeywords = []string{
	"captcha",
	"robot",
	"заблокирован",
	"blocked",
	"security check",
	"доступ ограничен",
}

type Perekrestok struct {
	cookies []browser.Cookie
	logger  *slog.Logger
}

func NewPerekrestok(opts Options) *Perekrestok {
	return &Perekrestok{
		cookies: opts.Cookies,
		logger:  opts.logger(perekrestokSlug),
	}
}

func (c *Perekrestok) Slug() string {
	return perekrestokSlug
}

func (c *Perekrestok) ParseProductID(url string) (string, bool) {
	m := perekrestokProductURLPattern.FindStringSubmatch(url)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func (c *Perekrestok) ScrapeProduct(ctx context.Context, url string, b Browser) models.ScrapeResult {
	pg, err := b.NewPage(browser.PageOptions{Cookies: c.cookies})
	if err != nil {
		return models.FailedResult(models.ErrKindUnknown, fmt.Sprintf("browser page: %v", err))
	}
	defer pg.Close()

	if res := navigate(pg, url); res != nil {
		return *res
	}
	pg.WaitSettle()

	content, _ := pg.Content()
	if captchaByKeywords(content, perekrestokCaptchaKeywords) {
		c.logger.Warn("anti-bot protection detected", "url", url)
		return models.FailedResult(models.ErrKindCaptchaDetected, "CAPTCHA or anti-bot protection detected")
	}
	if res := cancelledResult(ctx); res != nil {
		return *res
	}

	data, strategyName := runStrategies(c.logger, []strategy{
		{name: "next_data", run: func() (*models.PriceData, error) { return c.extractFromState(pg) }},
		{name: "dom", run: func() (*models.PriceData, error) { return c.extractFromDOM(pg) }},
	})
	if !data.HasPrice() {
		return models.FailedResult(models.ErrKindNoProductData, "No product data found")
	}

	raw := map[string]any{
		"url":      url,
		"retailer": perekrestokSlug,
		"strategy": strategyName,
	}
	if node := extractJSONLD(content); node != nil {
		raw["json_ld"] = node
	}

	if data.Title == "" {
		data.Title, _ = firstText(pg, perekrestokTitleSelectors)
	}
	if data.InStock == nil {
		data.InStock = determineStock(pg, perekrestokOutOfStockSelectors, perekrestokAddToCartSelectors)
	}

	c.logger.Info("product scraped", "url", url, "strategy", strategyName)
	return models.SuccessResult(data, raw)
}

func (c *Perekrestok) extractFromState(pg Page) (*models.PriceData, error) {
	v, err := pg.Evaluate(perekrestokNextDataJS)
	if err != nil {
		return nil, fmt.Errorf("evaluate next data: %w", err)
	}
	node := perekrestokStateProduct(v)
	if node == nil {
		return nil, fmt.Errorf("no product node in next data")
	}
	return parsePerekrestokState(node), nil
}

// perekrestokStateProduct walks the Next.js payload to the product node.
// Product pages keep it either directly under pageProps or in the products
// slice of the initial store state.
func perekrestokStateProduct(v any) map[string]any {
	root := asMap(v)
	if root == nil {
		return nil
	}
	props := asMap(asMap(root["props"])["pageProps"])
	if props == nil {
		return nil
	}
	if product := asMap(props["product"]); product != nil {
		return product
	}
	if state := asMap(props["initialState"]); state != nil {
		for _, entry := range asMap(state["products"]) {
			if product := asMap(entry); product != nil {
				return product
			}
		}
	}
	return nil
}

func parsePerekrestokState(node map[string]any) *models.PriceData {
	data := models.NewPriceData()
	data.Title = asString(firstNonNil(node, "title", "name"))

	var raw parser.RawPrices
	switch prices := firstNonNil(node, "prices", "price").(type) {
	case map[string]any:
		raw.Regular = firstNonNil(prices, "regular", "price")
		raw.Promo = firstNonNil(prices, "promo", "discount", "actual")
		raw.Card = firstNonNil(prices, "card", "loyalty")
	default:
		raw.Regular = prices
	}
	normalized := parser.NormalizePrice(raw)
	data.PriceRegular = normalized.PriceRegular
	data.PricePromo = normalized.PricePromo
	data.PriceCard = normalized.PriceCard
	data.PriceFinal = normalized.PriceFinal

	switch ratingNode := firstNonNil(node, "rating", "reviews").(type) {
	case map[string]any:
		if v, ok := asFloat(firstNonNil(ratingNode, "value", "average")); ok && v >= 0 && v <= 5 {
			data.RatingAvg = &v
		}
		if n, ok := asInt(firstNonNil(ratingNode, "count", "total")); ok {
			data.ReviewsCount = &n
		}
	default:
		if v, ok := asFloat(ratingNode); ok && v >= 0 && v <= 5 {
			data.RatingAvg = &v
		}
	}

	inStock := true
	if v, ok := asBool(firstNonNil(node, "inStock", "available")); ok {
		inStock = v
	}
	data.InStock = &inStock

	return data
}

func (c *Perekrestok) extractFromDOM(pg Page) (*models.PriceData, error) {
	data := models.NewPriceData()
	data.Title, _ = firstText(pg, perekrestokTitleSelectors)

	var current, old *decimal.Decimal
	if text, ok := firstText(pg, perekrestokPriceCurrentSelectors); ok {
		current = parser.ParsePrice(text)
	}
	if text, ok := firstText(pg, perekrestokPriceOldSelectors); ok {
		old = parser.ParsePrice(text)
	}

	var raw parser.RawPrices
	raw.Regular = current
	// A crossed-out price above the current one means the current price is
	// promotional.
	if old != nil && current != nil && old.GreaterThan(*current) {
		raw.Promo = current
		raw.Regular = old
	}
	if text, ok := firstText(pg, perekrestokPriceCardSelectors); ok {
		raw.Card = text
	}
	normalized := parser.NormalizePrice(raw)
	data.PriceRegular = normalized.PriceRegular
	data.PricePromo = normalized.PricePromo
	data.PriceCard = normalized.PriceCard
	data.PriceFinal = normalized.PriceFinal

	if text, ok := firstText(pg, perekrestokRatingSelectors); ok {
		data.RatingAvg = parser.ParseRating(text)
	}
	if text, ok := firstText(pg, perekrestokReviewsCountSelectors); ok {
		data.ReviewsCount = parser.ParseReviewsCount(text)
	}

	data.InStock = determineStock(pg, perekrestokOutOfStockSelectors, perekrestokAddToCartSelectors)
	if data.InStock == nil {
		f := false
		data.InStock = &f
	}

	return data, nil
}

func (c *Perekrestok) ScrapeReviews(ctx context.Context, url string, b Browser, maxReviews int) []models.ReviewData {
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

	if anyExists(pg, perekrestokReviewsContainerSelectors) {
		pg.ScrollBy(1200)
		pg.RandomDelay(1200*time.Millisecond, 1800*time.Millisecond)
	}
	loadMoreReviews(pg, perekrestokReviewItemSelectors, perekrestokLoadMoreSelectors, maxReviews, 3)

	content, err := pg.Content()
	if err != nil {
		return nil
	}

	var reviews []models.ReviewData
	for idx, sel := range reviewElements(content, perekrestokReviewItemSelectors, maxReviews) {
		if review, ok := c.parseReview(sel, idx); ok {
			reviews = append(reviews, review)
		}
	}
	c.logger.Info("reviews scraped", "url", url, "count", len(reviews))
	return reviews
}

func (c *Perekrestok) parseReview(sel *goquery.Selection, idx int) (models.ReviewData, bool) {
	innerHTML, err := sel.Html()
	if err != nil {
		return models.ReviewData{}, false
	}

	text := strings.TrimSpace(sel.Find(`[class*="text"], [class*="comment"], [class*="content"]`).First().Text())
	if text == "" {
		text = strings.Join(longLines(sel.Text(), 15, 5), "\n")
	}
	if text == "" {
		return models.ReviewData{}, false
	}

	review := models.ReviewData{
		ExternalID: fallbackReviewID(perekrestokSlug, innerHTML),
		Rating:     perekrestokReviewRating(sel),
		Text:       text,
		AuthorName: truncateRunes(strings.TrimSpace(sel.Find(`[class*="author"], [class*="name"], [class*="user"]`).First().Text()), 100),
		Pros:       truncateRunes(strings.TrimSpace(sel.Find(`[class*="pros"], [class*="advantage"], [class*="plus"]`).First().Text()), 500),
		Cons:       truncateRunes(strings.TrimSpace(sel.Find(`[class*="cons"], [class*="disadvantage"], [class*="minus"]`).First().Text()), 500),
		RawData:    map[string]any{"index": idx},
	}
	if dateText := sel.Find(`[class*="date"], [class*="time"]`).First().Text(); dateText != "" {
		review.PublishedAt = parser.ParseRussianDate(dateText)
	}
	return review, true
}

// perekrestokReviewRating digs the star widget out of a review block. Markup
// varies across page versions, so a data attribute, filled-star count, class
// name, and plain text are tried in that order. Unratable reviews default
// to five stars.
func perekrestokReviewRating(sel *goquery.Selection) int {
	ratingEl := sel.Find(`[class*="rating"], [class*="stars"], [class*="rate"]`).First()
	if ratingEl.Length() == 0 {
		return 5
	}

	if attr, ok := ratingEl.Attr("data-rating"); ok {
		if v, err := strconv.ParseFloat(strings.TrimSpace(attr), 64); err == nil && v >= 1 {
			return clampRating(int(v))
		}
	}

	if filled := ratingEl.Find(`[class*="filled"], [class*="active"], [class*="full"]`).Length(); filled > 0 {
		return clampRating(filled)
	}

	if class, ok := ratingEl.Attr("class"); ok {
		if m := perekrestokRatingClassPattern.FindStringSubmatch(class); m != nil {
			if v, _ := strconv.Atoi(m[1]); v >= 1 {
				return clampRating(v)
			}
		}
	}

	if m := perekrestokDigitPattern.FindStringSubmatch(ratingEl.Text()); m != nil {
		if v, _ := strconv.Atoi(m[1]); v >= 1 {
			return clampRating(v)
		}
	}
	return 5
}
