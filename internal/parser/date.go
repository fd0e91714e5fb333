package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var russianMonths = map[string]time.Month{
	"янв": time.January,
	"фев": time.February,
	"мар": time.March,
	"апр": time.April,
	"май": time.May,
	"мая": time.May,
	"июн": time.June,
	"июл": time.July,
	"авг": time.August,
	"сен": time.September,
	"окт": time.October,
	"ноя": time.November,
	"дек": time.December,
}

var (
	wordDatePattern    = regexp.MustCompile(`(\d{1,2})\s+([а-яё]+)\s*(\d{4})?`)
	numericDatePattern = regexp.MustCompile(`(\d{1,2})\.(\d{1,2})\.(\d{4})`)
)

// ParseRussianDate handles the date formats marketplace review blocks use:
// "сегодня", "вчера", "15 января 2024" (year optional), "15.01.2024".
// Returns nil when no known format matches.
func ParseRussianDate(text string) *time.Time {
	if text == "" {
		return nil
	}
	lower := strings.ToLower(strings.TrimSpace(text))

	now := time.Now().UTC()
	if strings.Contains(lower, "сегодня") {
		return &now
	}
	if strings.Contains(lower, "вчера") {
		yesterday := now.AddDate(0, 0, -1)
		return &yesterday
	}

	if m := numericDatePattern.FindStringSubmatch(lower); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if month >= 1 && month <= 12 && day >= 1 && day <= 31 {
			t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
			return &t
		}
	}

	// Review text holds other "digit word" pairs ("5 звёзд"), so every
	// candidate is checked until one names a real month.
	for _, m := range wordDatePattern.FindAllStringSubmatch(lower, -1) {
		day, _ := strconv.Atoi(m[1])
		month, ok := monthByPrefix(m[2])
		if !ok || day < 1 || day > 31 {
			continue
		}
		year := now.Year()
		if m[3] != "" {
			year, _ = strconv.Atoi(m[3])
		}
		t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
		return &t
	}

	return nil
}

func monthByPrefix(word string) (time.Month, bool) {
	runes := []rune(word)
	if len(runes) < 3 {
		return 0, false
	}
	if month, ok := russianMonths[string(runes[:3])]; ok {
		return month, true
	}
	return 0, false
}
