package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ErrorKind string

const (
	ErrKindNavigationTimeout ErrorKind = "NAVIGATION_TIMEOUT"
	ErrKindHTTPError         ErrorKind = "HTTP_ERROR"
	ErrKindCaptchaDetected   ErrorKind = "CAPTCHA_DETECTED"
	ErrKindNoProductData     ErrorKind = "NO_PRODUCT_DATA"
	ErrKindParseError        ErrorKind = "PARSE_ERROR"
	ErrKindUnknown           ErrorKind = "UNKNOWN"
)

type PriceData struct {
	Title         string           `json:"title"`
	PriceRegular  *decimal.Decimal `json:"price_regular,omitempty"`
	PricePromo    *decimal.Decimal `json:"price_promo,omitempty"`
	PriceCard     *decimal.Decimal `json:"price_card,omitempty"`
	PriceFinal    *decimal.Decimal `json:"price_final,omitempty"`
	Currency      string           `json:"currency"`
	InStock       *bool            `json:"in_stock,omitempty"`
	StockQuantity *int             `json:"stock_quantity,omitempty"`
	RatingAvg     *float64         `json:"rating_avg,omitempty"`
	ReviewsCount  *int             `json:"reviews_count,omitempty"`
}

type ReviewData struct {
	ExternalID  string         `json:"external_id"`
	Rating      int            `json:"rating"`
	Text        string         `json:"text"`
	AuthorName  string         `json:"author_name,omitempty"`
	Pros        string         `json:"pros,omitempty"`
	Cons        string         `json:"cons,omitempty"`
	PublishedAt *time.Time     `json:"published_at,omitempty"`
	RawData     map[string]any `json:"raw_data,omitempty"`
}

type ScrapeResult struct {
	Success      bool           `json:"success"`
	PriceData    *PriceData     `json:"price_data,omitempty"`
	Reviews      []ReviewData   `json:"reviews,omitempty"`
	RawData      map[string]any `json:"raw_data,omitempty"`
	ErrorKind    ErrorKind      `json:"error_kind,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ScrapedAt    time.Time      `json:"scraped_at"`
}

func NewPriceData() *PriceData {
	return &PriceData{Currency: "RUB"}
}

func SuccessResult(data *PriceData, raw map[string]any) ScrapeResult {
	return ScrapeResult{
		Success:   true,
		PriceData: data,
		RawData:   raw,
		ScrapedAt: time.Now(),
	}
}

func FailedResult(kind ErrorKind, message string) ScrapeResult {
	return ScrapeResult{
		Success:      false,
		ErrorKind:    kind,
		ErrorMessage: message,
		ScrapedAt:    time.Now(),
	}
}

// HasPrice reports whether extraction produced a usable final price.
func (p *PriceData) HasPrice() bool {
	return p != nil && p.PriceFinal != nil
}

func (p *PriceData) Validate() []string {
	var problems []string

	if p.Title == "" {
		problems = append(problems, "title is required")
	}

	if p.PriceFinal == nil {
		problems = append(problems, "final price is required")
	}

	if p.PriceFinal != nil && p.PriceRegular != nil && p.PriceFinal.GreaterThan(*p.PriceRegular) {
		problems = append(problems, "final price exceeds regular price")
	}

	if p.RatingAvg != nil && (*p.RatingAvg < 0 || *p.RatingAvg > 5) {
		problems = append(problems, "rating out of range")
	}

	return problems
}

func (r *ReviewData) IsUsable() bool {
	return r.Text != "" || r.Pros != "" || r.Cons != ""
}
