package connector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailmon/market-scraper/internal/models"
)

func TestVkusvillParseProductID(t *testing.T) {
	c := NewVkusvill(Options{})

	tests := []struct {
		name string
		url  string
		want string
		ok   bool
	}{
		{"product url", "https://vkusvill.ru/goods/moloko-otbornoe-12345.html", "12345", true},
		{"with query", "https://vkusvill.ru/goods/syrniki-tvorozhnye-67890.html?utm_source=x", "67890", true},
		{"no html suffix", "https://vkusvill.ru/goods/moloko-otbornoe-12345", "", false},
		{"category url", "https://vkusvill.ru/goods/", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := c.ParseProductID(tt.url)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVkusvillScrapeProduct(t *testing.T) {
	pg := newFakePage()
	pg.texts[vkusvillTitleSelector] = "Сырники творожные 300 г"
	pg.texts[vkusvillPriceCurrentSelector] = "189 ₽"
	pg.texts[vkusvillPriceOldSelector] = "229 ₽"
	pg.texts[vkusvillPriceCardSelector] = "179 ₽"
	pg.texts[vkusvillRatingSelector] = "4.8"
	pg.texts[vkusvillReviewsCountSelector] = "56 отзывов"
	pg.exists[vkusvillInStockSelector] = true
	b := &fakeBrowser{page: pg}

	c := NewVkusvill(Options{})
	result := c.ScrapeProduct(context.Background(), "https://vkusvill.ru/goods/syrniki-67890.html", b)

	require.True(t, result.Success, "error: %s", result.ErrorMessage)
	data := result.PriceData

	assert.Equal(t, "Сырники творожные 300 г", data.Title)
	requirePrice(t, "229", data.PriceRegular)
	requirePrice(t, "189", data.PricePromo)
	requirePrice(t, "179", data.PriceCard)
	requirePrice(t, "179", data.PriceFinal)
	require.NotNil(t, data.RatingAvg)
	assert.InDelta(t, 4.8, *data.RatingAvg, 0.0001)
	require.NotNil(t, data.ReviewsCount)
	assert.Equal(t, 56, *data.ReviewsCount)
	require.NotNil(t, data.InStock)
	assert.True(t, *data.InStock)
}

func TestVkusvillScrapeProductNoDiscount(t *testing.T) {
	pg := newFakePage()
	pg.texts[vkusvillTitleSelector] = "Молоко отборное"
	pg.texts[vkusvillPriceCurrentSelector] = "89 ₽"
	b := &fakeBrowser{page: pg}

	c := NewVkusvill(Options{})
	result := c.ScrapeProduct(context.Background(), "https://vkusvill.ru/goods/moloko-12345.html", b)

	require.True(t, result.Success)
	data := result.PriceData
	requirePrice(t, "89", data.PriceRegular)
	assert.Nil(t, data.PricePromo)
	requirePrice(t, "89", data.PriceFinal)
	require.NotNil(t, data.InStock)
	assert.False(t, *data.InStock, "no buy button means unavailable")
}

func TestVkusvillScrapeProductOutOfStock(t *testing.T) {
	pg := newFakePage()
	pg.texts[vkusvillPriceCurrentSelector] = "99 ₽"
	pg.exists[vkusvillOutOfStockSelector] = true
	pg.exists[vkusvillInStockSelector] = true
	b := &fakeBrowser{page: pg}

	c := NewVkusvill(Options{})
	result := c.ScrapeProduct(context.Background(), "https://vkusvill.ru/goods/tvorog-11111.html", b)

	require.True(t, result.Success)
	require.NotNil(t, result.PriceData.InStock)
	assert.False(t, *result.PriceData.InStock, "explicit out-of-stock marker wins")
}

func TestVkusvillScrapeProductNoData(t *testing.T) {
	b := &fakeBrowser{page: newFakePage()}

	c := NewVkusvill(Options{})
	result := c.ScrapeProduct(context.Background(), "https://vkusvill.ru/goods/moloko-12345.html", b)

	assert.False(t, result.Success)
	assert.Equal(t, models.ErrKindNoProductData, result.ErrorKind)
}

func TestVkusvillParseReview(t *testing.T) {
	html := `<html><body>
<div class="Review" id="first">
  <div class="Review__rating" data-rating="4"></div>
  <div class="Review__text">Очень вкусные сырники, нежные и совсем не сухие внутри.</div>
  <div class="Review__author">Ольга</div>
  <div class="Review__date">15.03.2024</div>
</div>
<div class="Review" id="short">
  <div>Ок</div>
</div>
</body></html>`

	c := NewVkusvill(Options{})

	review, ok := c.parseReview(docSelection(t, html, "#first"), 0)
	require.True(t, ok)
	assert.Equal(t, 4, review.Rating)
	assert.Contains(t, review.Text, "сырники")
	assert.Equal(t, "Ольга", review.AuthorName)
	assert.Contains(t, review.ExternalID, "vkusvill_review_")
	require.NotNil(t, review.PublishedAt)
	assert.Equal(t, 2024, review.PublishedAt.Year())
	assert.Equal(t, 15, review.PublishedAt.Day())

	_, ok = c.parseReview(docSelection(t, html, "#short"), 1)
	assert.False(t, ok, "short review must be dropped")
}

func TestVkusvillReviewRatingFromStars(t *testing.T) {
	html := `<html><body>
<div class="Review" id="r">
  <div class="stars"><i class="star active"></i><i class="star active"></i></div>
  <div class="Review__text">Неплохой творог, но упаковка неудобная и сложно открывается.</div>
</div>
</body></html>`

	c := NewVkusvill(Options{})
	review, ok := c.parseReview(docSelection(t, html, "#r"), 0)
	require.True(t, ok)
	assert.Equal(t, 2, review.Rating)
}
