// Package sentiment derives review sentiment and topic insights from star
// ratings and Russian review text. Classification is deterministic, no
// language model involved.
package sentiment

import (
	"strings"

	"github.com/retailmon/market-scraper/internal/models"
)

type Sentiment string

const (
	Positive Sentiment = "positive"
	Neutral  Sentiment = "neutral"
	Negative Sentiment = "negative"
)

// Classify maps a 1..5 star rating to a sentiment class.
func Classify(rating int) Sentiment {
	switch {
	case rating <= 3:
		return Negative
	case rating == 4:
		return Neutral
	default:
		return Positive
	}
}

type Topic string

const (
	TopicTaste     Topic = "taste"
	TopicPackaging Topic = "packaging"
	TopicQuality   Topic = "quality"
	TopicPrice     Topic = "price"
)

// Topics in stable reporting order.
var Topics = []Topic{TopicTaste, TopicPackaging, TopicQuality, TopicPrice}

var topicStems = map[Topic][]string{
	TopicTaste:     {"вкус", "вкусн", "невкусн", "сладк", "кисл", "горьк", "солён"},
	TopicPackaging: {"упаковк", "коробк", "пакет", "открыв", "закрыв", "хранен"},
	TopicQuality:   {"качеств", "свеж", "испорч", "плесен", "срок"},
	TopicPrice:     {"цен", "дорог", "дёшев", "стоим", "скидк"},
}

const (
	maxTopicSamples = 3
	sampleRunes     = 200
)

type TopicStats struct {
	Mentions int      `json:"mentions"`
	Positive int      `json:"positive"`
	Neutral  int      `json:"neutral"`
	Negative int      `json:"negative"`
	Samples  []string `json:"samples,omitempty"`
}

type Summary struct {
	Total    int `json:"total"`
	Positive int `json:"positive"`
	Neutral  int `json:"neutral"`
	Negative int `json:"negative"`
}

type Insights struct {
	Summary Summary               `json:"summary"`
	Topics  map[Topic]*TopicStats `json:"topics"`
}

// Analyze aggregates reviews into an overall sentiment summary and per-topic
// counters. A review counts toward a topic when any stem for that topic
// occurs in its combined text, pros and cons; at most one mention per topic
// per review. Up to three sample excerpts are kept per topic.
func Analyze(reviews []models.ReviewData) Insights {
	insights := Insights{Topics: make(map[Topic]*TopicStats, len(Topics))}
	for _, topic := range Topics {
		insights.Topics[topic] = &TopicStats{}
	}

	for _, review := range reviews {
		class := Classify(review.Rating)
		insights.Summary.Total++
		switch class {
		case Positive:
			insights.Summary.Positive++
		case Neutral:
			insights.Summary.Neutral++
		case Negative:
			insights.Summary.Negative++
		}

		fullText := strings.ToLower(review.Text + " " + review.Pros + " " + review.Cons)
		for _, topic := range Topics {
			if !mentionsTopic(fullText, topicStems[topic]) {
				continue
			}
			stats := insights.Topics[topic]
			stats.Mentions++
			switch class {
			case Positive:
				stats.Positive++
			case Neutral:
				stats.Neutral++
			case Negative:
				stats.Negative++
			}
			if review.Text != "" && len(stats.Samples) < maxTopicSamples {
				stats.Samples = append(stats.Samples, truncateRunes(review.Text, sampleRunes))
			}
		}
	}

	return insights
}

func mentionsTopic(text string, stems []string) bool {
	for _, stem := range stems {
		if strings.Contains(text, stem) {
			return true
		}
	}
	return false
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
