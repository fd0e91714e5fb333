package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/retailmon/market-scraper/internal/browser"
	"github.com/retailmon/market-scraper/internal/models"
	"github.com/retailmon/market-scraper/internal/parser"
)

const (
	wbSlug           = "wildberries"
	wbCardAPIURL     = "https://card.wb.ru/cards/v2/detail?appType=1&curr=rub&dest=-1257786&spp=30&nm=%s"
	wbFeedbacksURL   = "https://feedbacks%s.wb.ru/feedbacks/v1/%s"
	wbAPIUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	kopecksPerRouble = 100
)

var errCardDecode = errors.New("failed to decode card API response")

var (
	wbProductURLPattern    = regexp.MustCompile(`wildberries\.ru/catalog/(\d+)/detail`)
	wbProductURLPatternAlt = regexp.MustCompile(`/catalog/(\d+)`)
	wbRatingPattern        = regexp.MustCompile(`(\d[.,]\d)`)
)

var (
	wbTitleSelectors = []string{
		`h1.product-page__title`,
		`h1[data-tag="product-title"]`,
		`.product-page__header h1`,
		`h1`,
	}
	wbBrandSelectors = []string{
		`a.product-page__brand-link`,
		`[data-tag="brand-name"]`,
		`.brand-link`,
	}
	wbPriceBlockSelectors = []string{
		`.price-block`,
		`.product-page__price-block`,
		`[class*="PriceBlock"]`,
	}
	wbRatingSelectors = []string{
		`.product-review__rating`,
		`.address-rate-mini`,
		`[class*="rating"]`,
	}
	wbReviewsCountSelectors = []string{
		`.product-review__count-review`,
		`.product-page__reviews-count`,
	}
	wbAddToCartSelectors = []string{
		`.order-block__button`,
		`button:has-text("Добавить в корзину")`,
		`[data-tag="product-order"]`,
	}
	wbOutOfStockSelectors = []string{
		`.sold-out-product`,
		`text="Нет в наличии"`,
		`text="Товар закончился"`,
	}
)

// Feedback volumes live on numbered basket hosts keyed by id/100000.
var wbBasketRanges = []struct {
	maxVol int64
	basket string
}{
	{143, "01"},
	{287, "02"},
	{431, "03"},
	{719, "04"},
	{1007, "05"},
	{1061, "06"},
	{1115, "07"},
	{1169, "08"},
	{1313, "09"},
	{1601, "10"},
	{1655, "11"},
	{1919, "12"},
}

func wbBasket(vol int64) string {
	for _, r := range wbBasketRanges {
		if vol <= r.maxVol {
			return r.basket
		}
	}
	return "13"
}

type wbCardResponse struct {
	Data struct {
		Products []wbProduct `json:"products"`
	} `json:"data"`
}

type wbProduct struct {
	ID           int64    `json:"id"`
	Name         string   `json:"name"`
	ReviewRating float64  `json:"reviewRating"`
	Feedbacks    int      `json:"feedbacks"`
	Sizes        []wbSize `json:"sizes"`
}

type wbSize struct {
	Price  *wbPrice  `json:"price"`
	Stocks []wbStock `json:"stocks"`
}

type wbPrice struct {
	Basic   int64 `json:"basic"`
	Product int64 `json:"product"`
	Total   int64 `json:"total"`
}

type wbStock struct {
	Qty int `json:"qty"`
}

type wbFeedbacksResponse struct {
	Feedbacks []wbFeedback `json:"feedbacks"`
}

type wbFeedback struct {
	ID               any    `json:"id"`
	ProductValuation int    `json:"productValuation"`
	Text             string `json:"text"`
	Pros             string `json:"pros"`
	Cons             string `json:"cons"`
	CreatedDate      string `json:"createdDate"`
	WBUserDetails    struct {
		Name string `json:"name"`
	} `json:"wbUserDetails"`
}

type Wildberries struct {
	cookies []browser.Cookie
	client  *http.Client
	logger  *slog.Logger
}

func NewWildberries(opts Options) *Wildberries {
	return &Wildberries{
		cookies: opts.Cookies,
		client:  opts.httpClient(),
		logger:  opts.logger(wbSlug),
	}
}

func (c *Wildberries) Slug() string {
	return wbSlug
}

func (c *Wildberries) ParseProductID(url string) (string, bool) {
	if m := wbProductURLPattern.FindStringSubmatch(url); m != nil {
		return m[1], true
	}
	if m := wbProductURLPatternAlt.FindStringSubmatch(url); m != nil {
		return m[1], true
	}
	return "", false
}

// ScrapeProduct prefers the card API and only drives the browser when the
// API yields nothing usable.
func (c *Wildberries) ScrapeProduct(ctx context.Context, url string, b Browser) models.ScrapeResult {
	productID, ok := c.ParseProductID(url)
	if !ok {
		return models.FailedResult(models.ErrKindNoProductData, "Could not extract product ID from URL")
	}

	data, apiErr := c.scrapeViaAPI(ctx, productID)
	if apiErr == nil && data.HasPrice() {
		raw := map[string]any{
			"url":        url,
			"retailer":   wbSlug,
			"product_id": productID,
			"strategy":   "api",
		}
		c.logger.Info("product scraped", "url", url, "strategy", "api")
		return models.SuccessResult(data, raw)
	}
	if apiErr != nil {
		c.logger.Info("API scraping failed, falling back to page scraping", "error", apiErr)
	}

	result := c.scrapePage(ctx, url, productID, b)
	if !result.Success && result.ErrorKind == models.ErrKindNoProductData && errors.Is(apiErr, errCardDecode) {
		result.ErrorKind = models.ErrKindParseError
		result.ErrorMessage = errCardDecode.Error()
	}
	return result
}

func (c *Wildberries) scrapeViaAPI(ctx context.Context, productID string) (*models.PriceData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(wbCardAPIURL, productID), nil)
	if err != nil {
		return nil, fmt.Errorf("build card API request: %w", err)
	}
	req.Header.Set("User-Agent", wbAPIUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("card API request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("card API returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read card API response: %w", err)
	}

	var card wbCardResponse
	if err := json.Unmarshal(body, &card); err != nil {
		return nil, fmt.Errorf("%w: %v", errCardDecode, err)
	}
	if len(card.Data.Products) == 0 {
		return nil, fmt.Errorf("no product data in API response")
	}

	product := card.Data.Products[0]
	data := models.NewPriceData()
	data.Title = product.Name

	if len(product.Sizes) > 0 && product.Sizes[0].Price != nil {
		price := product.Sizes[0].Price
		if price.Basic > 0 {
			v := decimal.New(price.Basic, -2)
			data.PriceRegular = &v
		}
		if price.Product > 0 {
			v := decimal.New(price.Product, -2)
			data.PricePromo = &v
		}
		if price.Total > 0 {
			v := decimal.New(price.Total, -2)
			data.PriceFinal = &v
		}
		if data.PriceFinal == nil {
			if data.PricePromo != nil {
				data.PriceFinal = data.PricePromo
			} else {
				data.PriceFinal = data.PriceRegular
			}
		}
	}

	if product.ReviewRating > 0 && product.ReviewRating <= 5 {
		rating := product.ReviewRating
		data.RatingAvg = &rating
	}
	reviewsCount := product.Feedbacks
	data.ReviewsCount = &reviewsCount

	quantity := 0
	for _, size := range product.Sizes {
		for _, stock := range size.Stocks {
			quantity += stock.Qty
		}
	}
	inStock := quantity > 0
	data.InStock = &inStock
	if quantity > 0 {
		data.StockQuantity = &quantity
	}

	return data, nil
}

func (c *Wildberries) scrapePage(ctx context.Context, url, productID string, b Browser) models.ScrapeResult {
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
	pg.HumanScroll(2)

	data := models.NewPriceData()

	data.Title, _ = firstText(pg, wbTitleSelectors)
	if brand, ok := firstText(pg, wbBrandSelectors); ok && data.Title != "" && brand != "" {
		if !strings.Contains(strings.ToLower(data.Title), strings.ToLower(brand)) {
			data.Title = brand + " " + data.Title
		}
	}

	if blockText, ok := firstText(pg, wbPriceBlockSelectors); ok {
		c.applyPageBlockPrices(data, blockText)
	}

	if ratingText, ok := firstText(pg, wbRatingSelectors); ok {
		if m := wbRatingPattern.FindStringSubmatch(ratingText); m != nil {
			data.RatingAvg = parser.ParseRating(m[1])
		}
	}
	if countText, ok := firstText(pg, wbReviewsCountSelectors); ok {
		data.ReviewsCount = parser.ParseReviewsCount(countText)
	}

	data.InStock = determineStock(pg, wbOutOfStockSelectors, wbAddToCartSelectors)
	if data.InStock == nil {
		f := false
		data.InStock = &f
	}

	if !data.HasPrice() {
		return models.FailedResult(models.ErrKindNoProductData, "No product data found")
	}

	raw := map[string]any{
		"url":        url,
		"retailer":   wbSlug,
		"product_id": productID,
		"strategy":   "page",
	}
	c.logger.Info("product scraped", "url", url, "strategy", "page")
	return models.SuccessResult(data, raw)
}

// applyPageBlockPrices reads the visible price block: the lowest amount is
// the current price, the highest the original one.
func (c *Wildberries) applyPageBlockPrices(data *models.PriceData, blockText string) {
	prices := parser.ExtractRubleTokens(blockText)
	if len(prices) == 0 {
		return
	}

	final := prices[0]
	data.PriceFinal = &final
	if len(prices) >= 2 {
		regular := prices[len(prices)-1]
		data.PriceRegular = &regular
	}
	if data.PriceRegular == nil {
		data.PriceRegular = data.PriceFinal
	}
}

// ScrapeReviews reads the feedbacks API; the browser is never needed.
func (c *Wildberries) ScrapeReviews(ctx context.Context, url string, b Browser, maxReviews int) []models.ReviewData {
	productID, ok := c.ParseProductID(url)
	if !ok {
		return nil
	}

	id, err := strconv.ParseInt(productID, 10, 64)
	if err != nil {
		return nil
	}

	feedbacksURL := fmt.Sprintf(wbFeedbacksURL, wbBasket(id/100000), productID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedbacksURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", wbAPIUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("failed to scrape reviews via API", "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("reviews API returned non-200", "status", resp.StatusCode)
		return nil
	}

	var payload wbFeedbacksResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.logger.Warn("failed to decode reviews response", "error", err)
		return nil
	}

	var reviews []models.ReviewData
	for idx, fb := range payload.Feedbacks {
		if len(reviews) >= maxReviews {
			break
		}

		review := models.ReviewData{
			ExternalID:  feedbackID(fb.ID, productID, idx),
			Rating:      fb.ProductValuation,
			Text:        fb.Text,
			AuthorName:  fb.WBUserDetails.Name,
			Pros:        fb.Pros,
			Cons:        fb.Cons,
			PublishedAt: parseWBDate(fb.CreatedDate),
			RawData:     map[string]any{"index": idx},
		}
		if review.Rating == 0 {
			review.Rating = 5
		}
		if review.IsUsable() {
			reviews = append(reviews, review)
		}
	}

	c.logger.Info("reviews scraped", "url", url, "count", len(reviews))
	return reviews
}

func feedbackID(raw any, productID string, idx int) string {
	switch v := raw.(type) {
	case string:
		if v != "" {
			return v
		}
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	}
	return fmt.Sprintf("wb_%s_%d", productID, idx)
}

func parseWBDate(value string) *time.Time {
	if value == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil
	}
	return &t
}
