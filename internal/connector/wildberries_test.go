package connector

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailmon/market-scraper/internal/models"
)

func newWBClient(t *testing.T) (*Wildberries, *httpmock.MockTransport) {
	t.Helper()
	transport := httpmock.NewMockTransport()
	c := NewWildberries(Options{HTTPClient: &http.Client{Transport: transport}})
	return c, transport
}

func TestWildberriesParseProductID(t *testing.T) {
	c := NewWildberries(Options{})

	tests := []struct {
		name string
		url  string
		want string
		ok   bool
	}{
		{"detail url", "https://www.wildberries.ru/catalog/146972802/detail.aspx", "146972802", true},
		{"bare catalog", "https://www.wildberries.ru/catalog/146972802", "146972802", true},
		{"short host", "https://wb.ru/catalog/123456/detail.aspx", "123456", true},
		{"no id", "https://www.wildberries.ru/brands/jardin", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := c.ParseProductID(tt.url)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWildberriesBasketRouting(t *testing.T) {
	tests := []struct {
		vol  int64
		want string
	}{
		{0, "01"},
		{143, "01"},
		{144, "02"},
		{431, "03"},
		{432, "04"},
		{719, "04"},
		{720, "05"},
		{1061, "06"},
		{1169, "08"},
		{1313, "09"},
		{1601, "10"},
		{1919, "12"},
		{1920, "13"},
		{5000, "13"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, wbBasket(tt.vol), "vol %d", tt.vol)
	}
}

func TestWildberriesScrapeProductFromAPI(t *testing.T) {
	c, transport := newWBClient(t)
	transport.RegisterResponder(http.MethodGet, fmt.Sprintf(wbCardAPIURL, "146972802"),
		httpmock.NewStringResponder(200, `{"data":{"products":[{
			"id":146972802,"name":"Кофе в зёрнах 1 кг","reviewRating":4.8,"feedbacks":1523,
			"sizes":[{"price":{"basic":59900,"product":39900,"total":39900},"stocks":[{"qty":5},{"qty":0}]}]}]}}`))

	b := &fakeBrowser{page: newFakePage()}
	result := c.ScrapeProduct(context.Background(), "https://www.wildberries.ru/catalog/146972802/detail.aspx", b)

	require.True(t, result.Success, "error: %s", result.ErrorMessage)
	data := result.PriceData

	assert.Equal(t, "Кофе в зёрнах 1 кг", data.Title)
	requirePrice(t, "599", data.PriceRegular)
	requirePrice(t, "399", data.PricePromo)
	requirePrice(t, "399", data.PriceFinal)
	require.NotNil(t, data.RatingAvg)
	assert.InDelta(t, 4.8, *data.RatingAvg, 0.0001)
	require.NotNil(t, data.ReviewsCount)
	assert.Equal(t, 1523, *data.ReviewsCount)
	require.NotNil(t, data.InStock)
	assert.True(t, *data.InStock)
	require.NotNil(t, data.StockQuantity)
	assert.Equal(t, 5, *data.StockQuantity)

	assert.Equal(t, "api", result.RawData["strategy"])
	assert.Equal(t, 0, b.newPages, "API path must not open the browser")
}

func TestWildberriesAPIZeroPricesSkipped(t *testing.T) {
	c, transport := newWBClient(t)
	transport.RegisterResponder(http.MethodGet, fmt.Sprintf(wbCardAPIURL, "99"),
		httpmock.NewStringResponder(200, `{"data":{"products":[{
			"id":99,"name":"Товар","sizes":[{"price":{"basic":0,"product":25000,"total":0},"stocks":[]}]}]}}`))

	b := &fakeBrowser{page: newFakePage()}
	result := c.ScrapeProduct(context.Background(), "https://www.wildberries.ru/catalog/99/detail.aspx", b)

	require.True(t, result.Success, "error: %s", result.ErrorMessage)
	data := result.PriceData

	assert.Nil(t, data.PriceRegular)
	requirePrice(t, "250", data.PricePromo)
	requirePrice(t, "250", data.PriceFinal)
	require.NotNil(t, data.InStock)
	assert.False(t, *data.InStock)
	assert.Nil(t, data.StockQuantity)
}

func TestWildberriesFallsBackToPage(t *testing.T) {
	c, transport := newWBClient(t)
	transport.RegisterResponder(http.MethodGet, fmt.Sprintf(wbCardAPIURL, "146972802"),
		httpmock.NewStringResponder(500, "server error"))

	pg := newFakePage()
	pg.texts[`h1.product-page__title`] = "Кофе молотый"
	pg.texts[`a.product-page__brand-link`] = "Jardin"
	pg.texts[`.price-block`] = "499 ₽ 999 ₽"
	pg.texts[`.product-review__rating`] = "4.6"
	pg.texts[`.product-review__count-review`] = "852 отзыва"
	pg.exists[`.order-block__button`] = true
	b := &fakeBrowser{page: pg}

	result := c.ScrapeProduct(context.Background(), "https://www.wildberries.ru/catalog/146972802/detail.aspx", b)

	require.True(t, result.Success, "error: %s", result.ErrorMessage)
	data := result.PriceData

	assert.Equal(t, "Jardin Кофе молотый", data.Title)
	requirePrice(t, "499", data.PriceFinal)
	requirePrice(t, "999", data.PriceRegular)
	require.NotNil(t, data.RatingAvg)
	assert.InDelta(t, 4.6, *data.RatingAvg, 0.0001)
	require.NotNil(t, data.ReviewsCount)
	assert.Equal(t, 852, *data.ReviewsCount)
	require.NotNil(t, data.InStock)
	assert.True(t, *data.InStock)

	assert.Equal(t, "page", result.RawData["strategy"])
	assert.Equal(t, 1, b.newPages)
}

func TestWildberriesBrandAlreadyInTitle(t *testing.T) {
	c, transport := newWBClient(t)
	transport.RegisterResponder(http.MethodGet, fmt.Sprintf(wbCardAPIURL, "55"),
		httpmock.NewStringResponder(500, ""))

	pg := newFakePage()
	pg.texts[`h1.product-page__title`] = "Jardin кофе молотый"
	pg.texts[`a.product-page__brand-link`] = "jardin"
	pg.texts[`.price-block`] = "350 ₽"
	b := &fakeBrowser{page: pg}

	result := c.ScrapeProduct(context.Background(), "https://www.wildberries.ru/catalog/55/detail.aspx", b)

	require.True(t, result.Success)
	assert.Equal(t, "Jardin кофе молотый", result.PriceData.Title)
}

func TestWildberriesNoDataAnywhere(t *testing.T) {
	c, transport := newWBClient(t)
	transport.RegisterResponder(http.MethodGet, fmt.Sprintf(wbCardAPIURL, "77"),
		httpmock.NewStringResponder(500, ""))

	b := &fakeBrowser{page: newFakePage()}
	result := c.ScrapeProduct(context.Background(), "https://www.wildberries.ru/catalog/77/detail.aspx", b)

	assert.False(t, result.Success)
	assert.Equal(t, models.ErrKindNoProductData, result.ErrorKind)
}

func TestWildberriesUndecodableAPIBody(t *testing.T) {
	c, transport := newWBClient(t)
	transport.RegisterResponder(http.MethodGet, fmt.Sprintf(wbCardAPIURL, "77"),
		httpmock.NewStringResponder(200, "<html>not json</html>"))

	b := &fakeBrowser{page: newFakePage()}
	result := c.ScrapeProduct(context.Background(), "https://www.wildberries.ru/catalog/77/detail.aspx", b)

	assert.False(t, result.Success)
	assert.Equal(t, models.ErrKindParseError, result.ErrorKind)
}

func TestWildberriesInvalidURL(t *testing.T) {
	c := NewWildberries(Options{})

	result := c.ScrapeProduct(context.Background(), "https://www.wildberries.ru/brands/jardin", nil)

	assert.False(t, result.Success)
	assert.Equal(t, models.ErrKindNoProductData, result.ErrorKind)
	assert.Equal(t, "Could not extract product ID from URL", result.ErrorMessage)
}

func TestWildberriesScrapeReviews(t *testing.T) {
	c, transport := newWBClient(t)
	// 146972802/100000 = 1469, which routes to basket 10.
	transport.RegisterResponder(http.MethodGet, "https://feedbacks10.wb.ru/feedbacks/v1/146972802",
		httpmock.NewStringResponder(200, `{"feedbacks":[
			{"id":"f1","productValuation":4,"text":"Очень вкусный кофе","wbUserDetails":{"name":"Анна"},"createdDate":"2024-02-10T12:30:00Z"},
			{"id":"f2","productValuation":0,"pros":"Аромат"},
			{"id":"f3","text":"","pros":"","cons":""},
			{"productValuation":3,"text":"Нормально, но дорого"}]}`))

	reviews := c.ScrapeReviews(context.Background(), "https://www.wildberries.ru/catalog/146972802/detail.aspx", nil, 10)

	require.Len(t, reviews, 3, "empty feedback must be dropped")

	assert.Equal(t, "f1", reviews[0].ExternalID)
	assert.Equal(t, 4, reviews[0].Rating)
	assert.Equal(t, "Очень вкусный кофе", reviews[0].Text)
	assert.Equal(t, "Анна", reviews[0].AuthorName)
	require.NotNil(t, reviews[0].PublishedAt)
	assert.True(t, reviews[0].PublishedAt.Equal(time.Date(2024, 2, 10, 12, 30, 0, 0, time.UTC)))

	assert.Equal(t, "f2", reviews[1].ExternalID)
	assert.Equal(t, 5, reviews[1].Rating, "missing valuation defaults to five")
	assert.Equal(t, "Аромат", reviews[1].Pros)

	assert.Equal(t, "wb_146972802_3", reviews[2].ExternalID, "missing id falls back to index")
	assert.Equal(t, 3, reviews[2].Rating)
}

func TestWildberriesScrapeReviewsLimit(t *testing.T) {
	c, transport := newWBClient(t)
	transport.RegisterResponder(http.MethodGet, "https://feedbacks01.wb.ru/feedbacks/v1/500000",
		httpmock.NewStringResponder(200, `{"feedbacks":[
			{"id":"a","text":"Первый отзыв"},
			{"id":"b","text":"Второй отзыв"},
			{"id":"c","text":"Третий отзыв"}]}`))

	reviews := c.ScrapeReviews(context.Background(), "https://www.wildberries.ru/catalog/500000/detail.aspx", nil, 2)

	require.Len(t, reviews, 2)
	assert.Equal(t, "a", reviews[0].ExternalID)
	assert.Equal(t, "b", reviews[1].ExternalID)
}

func TestWildberriesScrapeReviewsAPIError(t *testing.T) {
	c, transport := newWBClient(t)
	transport.RegisterResponder(http.MethodGet, "https://feedbacks01.wb.ru/feedbacks/v1/500000",
		httpmock.NewStringResponder(404, "not found"))

	reviews := c.ScrapeReviews(context.Background(), "https://www.wildberries.ru/catalog/500000/detail.aspx", nil, 10)
	assert.Empty(t, reviews)
}
