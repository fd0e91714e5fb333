// Package parser holds the text parsing primitives shared by all retailer
// connectors: price, rating and review-count extraction from Russian
// marketplace markup, plus canonical price normalization.
package parser

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/retailmon/market-scraper/internal/models"
)

var (
	nonPriceChars  = regexp.MustCompile(`[^\d.,\s]`)
	ratingPattern  = regexp.MustCompile(`(\d+(?:[.,]\d+)?)`)
	nonDigits      = regexp.MustCompile(`\D`)
	rubleTokens    = regexp.MustCompile(`(\d[\d\s]*)\s*₽`)
	cardHintToken1 = "картой"
	cardHintToken2 = "ozon карт"
)

// ParsePrice extracts a decimal amount from marketplace price text such as
// "1 234 ₽" or "499,50 ₽". Spaces and NBSP act as thousands separators,
// comma as the decimal separator. Returns nil when nothing parseable remains.
func ParsePrice(text string) *decimal.Decimal {
	if text == "" {
		return nil
	}

	cleaned := strings.NewReplacer(" ", " ", " ", " ", "₽", "", "руб.", "", "руб", "").Replace(text)
	cleaned = nonPriceChars.ReplaceAllString(cleaned, "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return nil
	}

	if strings.Contains(cleaned, ",") {
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
	}

	val, err := decimal.NewFromString(cleaned)
	if err != nil {
		return nil
	}
	return &val
}

// ParseRating extracts a 0..5 average rating from text like "4,7 из 5".
// Values outside the range yield nil. The result is rounded to one decimal.
func ParseRating(text string) *float64 {
	if text == "" {
		return nil
	}

	match := ratingPattern.FindStringSubmatch(text)
	if match == nil {
		return nil
	}

	val, err := strconv.ParseFloat(strings.ReplaceAll(match[1], ",", "."), 64)
	if err != nil {
		return nil
	}
	if val < 0 || val > 5 {
		return nil
	}

	rounded := math.Round(val*10) / 10
	return &rounded
}

// ParseReviewsCount extracts the integer from review-count text such as
// "1 234 отзыва". Every non-digit character is dropped before parsing, so
// grouped digits concatenate. Returns nil when the text carries no digits.
func ParseReviewsCount(text string) *int {
	if text == "" {
		return nil
	}

	cleaned := nonDigits.ReplaceAllString(text, "")
	if cleaned == "" {
		return nil
	}

	val, err := strconv.Atoi(cleaned)
	if err != nil {
		return nil
	}
	return &val
}

// RawPrices carries the semantically named raw values a connector collected.
// Each field may be a string, an int/float, or a decimal.
type RawPrices struct {
	Regular any
	Promo   any
	Card    any
	Current any
}

// NormalizePrice turns raw per-label values into the canonical price set.
// The effective price is the minimum of all populated values; a bare current
// price with no explicit regular also becomes the regular price.
func NormalizePrice(raw RawPrices) models.PriceData {
	data := models.PriceData{Currency: "RUB"}
	data.PriceRegular = CoerceDecimal(raw.Regular)
	data.PricePromo = CoerceDecimal(raw.Promo)
	data.PriceCard = CoerceDecimal(raw.Card)
	current := CoerceDecimal(raw.Current)

	if data.PriceRegular == nil && current != nil {
		data.PriceRegular = current
	}

	data.PriceFinal = minDecimal(data.PriceRegular, data.PricePromo, data.PriceCard, current)
	return data
}

// CoerceDecimal converts a raw scraped value into a decimal amount.
func CoerceDecimal(v any) *decimal.Decimal {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return ParsePrice(val)
	case decimal.Decimal:
		return &val
	case *decimal.Decimal:
		return val
	case float64:
		d := decimal.NewFromFloat(val)
		return &d
	case float32:
		d := decimal.NewFromFloat32(val)
		return &d
	case int:
		d := decimal.NewFromInt(int64(val))
		return &d
	case int64:
		d := decimal.NewFromInt(val)
		return &d
	default:
		return nil
	}
}

func minDecimal(vals ...*decimal.Decimal) *decimal.Decimal {
	var min *decimal.Decimal
	for _, v := range vals {
		if v == nil {
			continue
		}
		if min == nil || v.LessThan(*min) {
			min = v
		}
	}
	return min
}

// ExtractRubleTokens finds every "N ₽" amount in a text block, deduplicated
// and sorted ascending. NBSP inside numbers is treated as a space.
func ExtractRubleTokens(text string) []decimal.Decimal {
	cleaned := strings.NewReplacer(" ", " ", "\n", " ").Replace(text)

	seen := make(map[string]struct{})
	var prices []decimal.Decimal
	for _, match := range rubleTokens.FindAllStringSubmatch(cleaned, -1) {
		p := ParsePrice(match[1])
		if p == nil {
			continue
		}
		key := p.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		prices = append(prices, *p)
	}

	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })
	return prices
}

// ParsePriceBlock applies the positional rule to an unlabeled price block:
// one amount is the regular price, two are promo and regular, three or more
// are card, promo and regular (regular always the highest). A card-payment
// keyword in the block pins the lowest amount as the card price. Returns nil
// when the block carries no amounts.
func ParsePriceBlock(text string) *models.PriceData {
	prices := ExtractRubleTokens(text)
	if len(prices) == 0 {
		return nil
	}

	raw := RawPrices{}
	switch {
	case len(prices) == 1:
		raw.Regular = prices[0]
	case len(prices) == 2:
		raw.Promo = prices[0]
		raw.Regular = prices[1]
	default:
		raw.Card = prices[0]
		raw.Promo = prices[1]
		raw.Regular = prices[len(prices)-1]
	}

	lower := strings.ToLower(text)
	if raw.Card == nil && len(prices) >= 2 &&
		(strings.Contains(lower, cardHintToken1) || strings.Contains(lower, cardHintToken2)) {
		raw.Card = prices[0]
	}

	data := NormalizePrice(raw)
	return &data
}
