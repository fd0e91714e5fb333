package connector

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailmon/market-scraper/internal/models"
)

func requirePrice(t *testing.T, want string, got *decimal.Decimal) {
	t.Helper()
	require.NotNil(t, got)
	assert.True(t, got.Equal(decimal.RequireFromString(want)), "want %s, got %s", want, got.String())
}

func TestOzonParseProductID(t *testing.T) {
	c := NewOzon(Options{})

	tests := []struct {
		name string
		url  string
		want string
		ok   bool
	}{
		{"slug with id", "https://www.ozon.ru/product/kofe-molotaya-1526428695/", "1526428695", true},
		{"bare id", "https://www.ozon.ru/product/1526428695", "1526428695", true},
		{"id with query", "https://www.ozon.ru/product/kofe-molotaya-1526428695/?asb=abc&keywords=1", "1526428695", true},
		{"category url", "https://www.ozon.ru/category/kofe-9373/", "", false},
		{"search url", "https://www.ozon.ru/search/?text=kofe", "", false},
		{"other host", "https://www.wildberries.ru/catalog/146972802/detail.aspx", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := c.ParseProductID(tt.url)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOzonScrapeProductFromPriceBlock(t *testing.T) {
	pg := newFakePage()
	pg.texts[`h1[data-widget="webProductHeading"]`] = "Кофе молотый 250 г"
	pg.texts[`div[data-widget="webPrice"]`] = "399 ₽\n599 ₽"
	pg.texts[`div[data-widget="webSingleProductScore"]`] = "4.7 · 123 отзыва"
	pg.exists[`div[data-widget="webAddToCart"]`] = true
	b := &fakeBrowser{page: pg}

	c := NewOzon(Options{})
	result := c.ScrapeProduct(context.Background(), "https://www.ozon.ru/product/kofe-1526428695/", b)

	require.True(t, result.Success, "error: %s", result.ErrorMessage)
	require.NotNil(t, result.PriceData)
	data := result.PriceData

	assert.Equal(t, "Кофе молотый 250 г", data.Title)
	requirePrice(t, "399", data.PriceFinal)
	requirePrice(t, "399", data.PricePromo)
	requirePrice(t, "599", data.PriceRegular)

	require.NotNil(t, data.RatingAvg)
	assert.InDelta(t, 4.7, *data.RatingAvg, 0.0001)
	require.NotNil(t, data.ReviewsCount)
	assert.Equal(t, 123, *data.ReviewsCount)

	require.NotNil(t, data.InStock)
	assert.True(t, *data.InStock)

	assert.Equal(t, "price_block", result.RawData["strategy"])
	assert.True(t, pg.closed)
}

func TestOzonScrapeProductJSONLD(t *testing.T) {
	pg := newFakePage()
	pg.content = `<html><head><script type="application/ld+json">
	{"@type":"Product","name":"Чай зелёный","offers":{"price":"249.50","availability":"https://schema.org/InStock"},
	 "aggregateRating":{"ratingValue":4.9,"reviewCount":311}}
	</script></head><body></body></html>`
	b := &fakeBrowser{page: pg}

	c := NewOzon(Options{})
	result := c.ScrapeProduct(context.Background(), "https://www.ozon.ru/product/chai-1000001/", b)

	require.True(t, result.Success, "error: %s", result.ErrorMessage)
	data := result.PriceData
	assert.Equal(t, "Чай зелёный", data.Title)
	requirePrice(t, "249.50", data.PriceFinal)
	requirePrice(t, "249.50", data.PriceRegular)
	require.NotNil(t, data.InStock)
	assert.True(t, *data.InStock)
	require.NotNil(t, data.RatingAvg)
	assert.InDelta(t, 4.9, *data.RatingAvg, 0.0001)
	require.NotNil(t, data.ReviewsCount)
	assert.Equal(t, 311, *data.ReviewsCount)
	assert.Equal(t, "json_ld", result.RawData["strategy"])
}

func TestOzonScrapeProductCaptchaAbortsBeforeExtraction(t *testing.T) {
	pg := newFakePage()
	pg.exists[`div[class*="captcha"]`] = true
	pg.texts[`div[data-widget="webPrice"]`] = "399 ₽"
	b := &fakeBrowser{page: pg}

	c := NewOzon(Options{})
	result := c.ScrapeProduct(context.Background(), "https://www.ozon.ru/product/kofe-1526428695/", b)

	assert.False(t, result.Success)
	assert.Equal(t, models.ErrKindCaptchaDetected, result.ErrorKind)
	assert.Equal(t, 0, pg.extractionCalls(), "extraction must not run after captcha")
	assert.True(t, pg.closed)
}

func TestOzonScrapeProductNoData(t *testing.T) {
	pg := newFakePage()
	pg.texts[`h1`] = "Страница товара"
	b := &fakeBrowser{page: pg}

	c := NewOzon(Options{})
	result := c.ScrapeProduct(context.Background(), "https://www.ozon.ru/product/kofe-1526428695/", b)

	assert.False(t, result.Success)
	assert.Equal(t, models.ErrKindNoProductData, result.ErrorKind)
	assert.Nil(t, result.PriceData)
}

func TestOzonScrapeProductHTTPError(t *testing.T) {
	pg := newFakePage()
	pg.gotoStatus = 404
	b := &fakeBrowser{page: pg}

	c := NewOzon(Options{})
	result := c.ScrapeProduct(context.Background(), "https://www.ozon.ru/product/kofe-1526428695/", b)

	assert.False(t, result.Success)
	assert.Equal(t, models.ErrKindHTTPError, result.ErrorKind)
	assert.Equal(t, "HTTP 404", result.ErrorMessage)
}

func TestOzonScrapeProductNavigationTimeout(t *testing.T) {
	pg := newFakePage()
	pg.gotoErr = errors.New("Timeout 30000ms exceeded")
	b := &fakeBrowser{page: pg}

	c := NewOzon(Options{})
	result := c.ScrapeProduct(context.Background(), "https://www.ozon.ru/product/kofe-1526428695/", b)

	assert.False(t, result.Success)
	assert.Equal(t, models.ErrKindNavigationTimeout, result.ErrorKind)
}

func TestOzonScrapeProductCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pg := newFakePage()
	pg.texts[`div[data-widget="webPrice"]`] = "399 ₽"
	b := &fakeBrowser{page: pg}

	c := NewOzon(Options{})
	result := c.ScrapeProduct(ctx, "https://www.ozon.ru/product/kofe-1526428695/", b)

	assert.False(t, result.Success)
}

func TestOzonParseReviews(t *testing.T) {
	content := `<html><body>
<div data-review-uuid="rev-aaa-111">
<div class="stars"><span class="StarActive"></span><span class="StarActive"></span><span class="StarActive"></span><span class="StarActive"></span></div>
<p>Иван П.</p>
<p>15 января 2024</p>
<p>Отличный кофе, насыщенный вкус и восхитительный аромат свежей обжарки зерен.</p>
<p>Достоинства: насыщенный вкус</p>
<p>Недостатки: высокая цена</p>
</div>
<div data-review-uuid="rev-bbb-222">
<p>Оценка: 2 из 5</p>
<p>Совершенно не понравилась упаковка, коробка пришла мятая и порванная с угла.</p>
</div>
<div data-review-uuid="rev-ccc-333">
<p>Ок</p>
</div>
</body></html>`

	c := NewOzon(Options{})
	reviews := c.parseReviews(content, 10)

	require.Len(t, reviews, 2, "the empty review must be dropped")

	first := reviews[0]
	assert.Equal(t, "rev-aaa-111", first.ExternalID)
	assert.Equal(t, 4, first.Rating)
	assert.Contains(t, first.Text, "Отличный кофе")
	assert.Equal(t, "Иван П.", first.AuthorName)
	assert.Equal(t, "насыщенный вкус", first.Pros)
	assert.Equal(t, "высокая цена", first.Cons)
	require.NotNil(t, first.PublishedAt)
	assert.Equal(t, 2024, first.PublishedAt.Year())
	assert.Equal(t, 15, first.PublishedAt.Day())

	second := reviews[1]
	assert.Equal(t, "rev-bbb-222", second.ExternalID)
	assert.Equal(t, 2, second.Rating)
	assert.Contains(t, second.Text, "упаковка")
}

func TestOzonReviewDefaultRating(t *testing.T) {
	content := `<html><body>
<div data-review-uuid="rev-x">
<p>Очень вкусный продукт, заказываю уже не первый раз и всегда доволен качеством.</p>
</div>
</body></html>`

	c := NewOzon(Options{})
	reviews := c.parseReviews(content, 10)

	require.Len(t, reviews, 1)
	assert.Equal(t, 5, reviews[0].Rating)
}

func TestOzonSpanFallback(t *testing.T) {
	content := `<html><body>
<span>349 ₽ с картой</span>
<span>обычная цена</span>
<span>599 ₽</span>
</body></html>`

	text := ozonSpanFallback(content)
	assert.Contains(t, text, "349 ₽ с картой")
	assert.Contains(t, text, "599 ₽")
	assert.NotContains(t, text, "обычная цена")
}
