package connector

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/retailmon/market-scraper/internal/browser"
	"github.com/retailmon/market-scraper/internal/models"
	"github.com/retailmon/market-scraper/internal/parser"
)

const ozonSlug = "ozon"

var ozonProductURLPattern = regexp.MustCompile(`ozon\.ru/product/(?:[^/?]*-)?(\d+)/?(?:[?#]|$)`)

var (
	ozonTitleSelectors = []string{
		`h1[data-widget="webProductHeading"]`,
		`h1.tsHeadline550Medium`,
		`div[data-widget="webProductHeading"] h1`,
		`h1`,
	}
	ozonPriceBlockSelectors = []string{
		`div[data-widget="webPrice"]`,
		`div[data-widget="webSale"]`,
		`div.price-block`,
		`[class*="PriceBlock"]`,
	}
	ozonPriceOldSelectors = []string{
		`span[style*="line-through"]`,
		`[class*="priceOriginal"]`,
	}
	ozonPriceCardSelectors = []string{
		`[class*="cardPrice"]`,
		`span:has-text("с Ozon Картой")`,
	}
	ozonRatingSelectors = []string{
		`div[data-widget="webSingleProductScore"]`,
		`div[data-widget="webReviewProductScore"]`,
		`[class*="Rating"]`,
		`div.rating`,
	}
	ozonAddToCartSelectors = []string{
		`div[data-widget="webAddToCart"]`,
		`button:has-text("В корзину")`,
		`button:has-text("Добавить в корзину")`,
	}
	ozonOutOfStockSelectors = []string{
		`span:has-text("Нет в наличии")`,
		`div:has-text("Товар закончился")`,
		`[class*="outOfStock"]`,
	}
	ozonReviewItemSelectors = []string{
		`div[data-review-uuid]`,
		`div[data-widget="webReviewItem"]`,
		`[class*="ReviewItem"]`,
		`article[class*="review"]`,
	}
	ozonLoadMoreSelectors = []string{
		`button:has-text("Показать ещё")`,
		`button:has-text("Показать больше")`,
		`a:has-text("Показать ещё")`,
	}
	ozonCaptchaSelectors = []string{
		`iframe[src*="captcha"]`,
		`div[class*="captcha"]`,
		`img[alt*="captcha"]`,
		`text="Подтвердите, что вы не робот"`,
		`text="Проверка безопасности"`,
	}
)

var (
	ozonRatingPattern       = regexp.MustCompile(`(\d[.,]\d)`)
	ozonReviewsCountPattern = regexp.MustCompile(`(\d+)\s*(?:отзыв|оценк)`)
	ozonStarTextPattern     = regexp.MustCompile(`(\d)\s*(?:из\s*5|звёзд|звезд)`)
	ozonMetaLinePattern     = regexp.MustCompile(`^(\d+\s+\pL+\s+\d+|Достоинства|Недостатки|Комментарий)`)
	ozonAuthorPattern       = regexp.MustCompile(`(?m)^([А-ЯЁа-яё][а-яё]+\s+[А-ЯЁ]\.)`)
	ozonProsPattern         = regexp.MustCompile(`(?s)(?:Достоинства|Плюсы)[:\s]*(.+?)(?:Недостатки|Минусы|Комментарий|$)`)
	ozonConsPattern         = regexp.MustCompile(`(?s)(?:Недостатки|Минусы)[:\s]*(.+?)(?:Комментарий|$)`)
)

type Ozon struct {
	cookies []browser.Cookie
	logger  *slog.Logger
}

func NewOzon(opts Options) *Ozon {
	return &Ozon{
		cookies: opts.Cookies,
		logger:  opts.logger(ozonSlug),
	}
}

func (c *Ozon) Slug() string {
	return ozonSlug
}

// ParseProductID extracts the trailing numeric id from a product URL.
// Category, search and cart URLs yield no id.
func (c *Ozon) ParseProductID(url string) (string, bool) {
	if m := ozonProductURLPattern.FindStringSubmatch(url); m != nil {
		return m[1], true
	}
	return "", false
}

func (c *Ozon) ScrapeProduct(ctx context.Context, url string, b Browser) models.ScrapeResult {
	pg, err := b.NewPage(browser.PageOptions{Cookies: c.cookies})
	if err != nil {
		return models.FailedResult(models.ErrKindUnknown, fmt.Sprintf("browser page: %v", err))
	}
	defer pg.Close()

	if res := navigate(pg, url); res != nil {
		c.logger.Warn("navigation failed", "url", url, "error", res.ErrorMessage)
		return *res
	}
	pg.WaitSettle()

	if captchaBySelectors(pg, ozonCaptchaSelectors) {
		c.logger.Warn("captcha detected", "url", url)
		return models.FailedResult(models.ErrKindCaptchaDetected, "CAPTCHA detected")
	}
	if res := cancelledResult(ctx); res != nil {
		return *res
	}

	pg.HumanScroll(2)

	raw := map[string]any{"url": url, "retailer": ozonSlug}
	data, strategyName := runStrategies(c.logger, []strategy{
		{"json_ld", func() (*models.PriceData, error) { return c.extractStructured(pg) }},
		{"price_block", func() (*models.PriceData, error) { return c.extractFromPage(pg, raw) }},
	})
	if !data.HasPrice() {
		return models.FailedResult(models.ErrKindNoProductData, "No product data found")
	}
	raw["strategy"] = strategyName

	if data.Title == "" {
		data.Title, _ = firstText(pg, ozonTitleSelectors)
	}
	if data.InStock == nil {
		data.InStock = determineStock(pg, ozonOutOfStockSelectors, ozonAddToCartSelectors)
	}

	c.logger.Info("product scraped", "url", url, "strategy", strategyName)
	return models.SuccessResult(data, raw)
}

// extractStructured reads the ld+json Product node when the page ships one.
func (c *Ozon) extractStructured(pg Page) (*models.PriceData, error) {
	content, err := pg.Content()
	if err != nil {
		return nil, fmt.Errorf("page content: %w", err)
	}

	node := extractJSONLD(content)
	if node == nil {
		return nil, nil
	}

	data := models.NewPriceData()
	data.Title = asString(node["name"])

	if offers := asMap(node["offers"]); offers != nil {
		normalized := parser.NormalizePrice(parser.RawPrices{Current: offers["price"]})
		data.PriceRegular = normalized.PriceRegular
		data.PricePromo = normalized.PricePromo
		data.PriceFinal = normalized.PriceFinal

		if availability := asString(offers["availability"]); availability != "" {
			inStock := strings.Contains(availability, "InStock")
			data.InStock = &inStock
		}
	}

	if rating := asMap(node["aggregateRating"]); rating != nil {
		if value, ok := asFloat(rating["ratingValue"]); ok && value >= 0 && value <= 5 {
			data.RatingAvg = &value
		}
		if count, ok := asInt(rating["reviewCount"]); ok {
			data.ReviewsCount = &count
		}
	}

	return data, nil
}

// extractFromPage reads the visible price block and applies the positional
// rule, then refines with the crossed-out and card-price elements.
func (c *Ozon) extractFromPage(pg Page, raw map[string]any) (*models.PriceData, error) {
	blockText, ok := firstText(pg, ozonPriceBlockSelectors)
	if !ok {
		content, err := pg.Content()
		if err != nil {
			return nil, fmt.Errorf("page content: %w", err)
		}
		blockText = ozonSpanFallback(content)
	}
	if blockText == "" {
		return nil, nil
	}

	tokens := parser.ExtractRubleTokens(blockText)
	tokenStrings := make([]string, 0, len(tokens))
	for _, t := range tokens {
		tokenStrings = append(tokenStrings, t.String())
	}
	raw["price_tokens"] = tokenStrings

	base := parser.ParsePriceBlock(blockText)
	prices := parser.RawPrices{}
	if base != nil {
		prices.Regular = base.PriceRegular
		prices.Promo = base.PricePromo
		prices.Card = base.PriceCard
	}

	if cardText, ok := firstText(pg, ozonPriceCardSelectors); ok {
		if p := parser.ParsePrice(cardText); p != nil {
			prices.Card = p
		}
	}
	if oldText, ok := firstText(pg, ozonPriceOldSelectors); ok {
		if p := parser.ParsePrice(oldText); p != nil {
			prices.Regular = p
		}
	}

	normalized := parser.NormalizePrice(prices)
	data := &normalized
	data.Title, _ = firstText(pg, ozonTitleSelectors)

	if ratingText, ok := firstText(pg, ozonRatingSelectors); ok {
		if m := ozonRatingPattern.FindStringSubmatch(ratingText); m != nil {
			data.RatingAvg = parser.ParseRating(m[1])
		}
		if m := ozonReviewsCountPattern.FindStringSubmatch(ratingText); m != nil {
			data.ReviewsCount = parser.ParseReviewsCount(m[1])
		}
	}

	return data, nil
}

// ozonSpanFallback collects the first few ruble-bearing spans when no price
// widget matched.
func ozonSpanFallback(content string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return ""
	}

	var texts []string
	doc.Find("span").EachWithBreak(func(i int, s *goquery.Selection) bool {
		text := strings.TrimSpace(s.Text())
		if strings.Contains(text, "₽") {
			texts = append(texts, text)
		}
		return len(texts) < 5
	})
	return strings.Join(texts, "\n")
}

func (c *Ozon) ScrapeReviews(ctx context.Context, url string, b Browser, maxReviews int) []models.ReviewData {
	pg, err := b.NewPage(browser.PageOptions{Cookies: c.cookies})
	if err != nil {
		c.logger.Warn("browser page failed", "error", err)
		return nil
	}
	defer pg.Close()

	if res := navigate(pg, url); res != nil {
		c.logger.Warn("review navigation failed", "url", url, "error", res.ErrorMessage)
		return nil
	}
	pg.WaitSettle()

	if captchaBySelectors(pg, ozonCaptchaSelectors) {
		c.logger.Warn("captcha detected on reviews", "url", url)
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}

	pg.HumanScroll(5)
	loadMoreReviews(pg, ozonReviewItemSelectors, ozonLoadMoreSelectors, maxReviews, 5)

	content, err := pg.Content()
	if err != nil {
		c.logger.Warn("review content failed", "error", err)
		return nil
	}

	reviews := c.parseReviews(content, maxReviews)
	c.logger.Info("reviews scraped", "url", url, "count", len(reviews))
	return reviews
}

func (c *Ozon) parseReviews(content string, maxReviews int) []models.ReviewData {
	var reviews []models.ReviewData
	for _, sel := range reviewElements(content, ozonReviewItemSelectors, maxReviews) {
		review := c.parseReview(sel)
		if review.IsUsable() {
			reviews = append(reviews, review)
		}
	}
	return reviews
}

func (c *Ozon) parseReview(sel *goquery.Selection) models.ReviewData {
	html, _ := goquery.OuterHtml(sel)
	fullText := strings.TrimSpace(sel.Text())

	review := models.ReviewData{Rating: 5}

	if uuid, ok := sel.Attr("data-review-uuid"); ok && uuid != "" {
		review.ExternalID = uuid
	} else {
		review.ExternalID = fallbackReviewID(ozonSlug, html)
	}

	if stars := sel.Find(`[class*="Star"][class*="Active"]`).Length(); stars >= 1 && stars <= 5 {
		review.Rating = stars
	} else if m := ozonStarTextPattern.FindStringSubmatch(fullText); m != nil {
		review.Rating = clampRating(int(m[1][0] - '0'))
	}

	review.Text = c.reviewBody(fullText)

	if m := ozonAuthorPattern.FindStringSubmatch(fullText); m != nil {
		review.AuthorName = m[1]
	}
	review.PublishedAt = parser.ParseRussianDate(fullText)

	if m := ozonProsPattern.FindStringSubmatch(fullText); m != nil {
		review.Pros = truncateRunes(strings.TrimSpace(m[1]), 500)
	}
	if m := ozonConsPattern.FindStringSubmatch(fullText); m != nil {
		review.Cons = truncateRunes(strings.TrimSpace(m[1]), 500)
	}

	return review
}

// reviewBody keeps the substantial lines of a review block, skipping dates
// and the pros/cons captions that repeat in the running text.
func (c *Ozon) reviewBody(fullText string) string {
	var lines []string
	for _, line := range strings.Split(fullText, "\n") {
		line = strings.TrimSpace(line)
		if len([]rune(line)) <= 30 || ozonMetaLinePattern.MatchString(line) {
			continue
		}
		lines = append(lines, line)
		if len(lines) == 3 {
			break
		}
	}
	if len(lines) > 0 {
		return strings.Join(lines, " ")
	}
	if len([]rune(fullText)) > 50 {
		return truncateRunes(fullText, 500)
	}
	return ""
}
