// Package metrics exposes Prometheus collectors for the scraping
// pipeline. All collectors live on a dedicated registry so tests can
// construct isolated instances.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles Prometheus collectors for the scraper.
type Metrics struct {
	Registry            *prometheus.Registry
	ScrapesTotal        *prometheus.CounterVec
	ScrapeDuration      *prometheus.HistogramVec
	CaptchasTotal       *prometheus.CounterVec
	StrategyWinsTotal   *prometheus.CounterVec
	ReviewsScrapedTotal *prometheus.CounterVec
	QueueDepth          prometheus.Gauge
}

// New constructs and registers all metrics on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	scrapes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_scrapes_total",
			Help: "Total product scrapes by retailer and result status.",
		},
		[]string{"retailer", "status"},
	)
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scraper_scrape_duration_seconds",
			Help:    "Wall-clock duration of a full product scrape.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
		},
		[]string{"retailer"},
	)
	captchas := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_captchas_total",
			Help: "Total scrapes aborted by CAPTCHA or anti-bot pages.",
		},
		[]string{"retailer"},
	)
	strategyWins := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_strategy_wins_total",
			Help: "Which extraction strategy produced the final price.",
		},
		[]string{"retailer", "strategy"},
	)
	reviews := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_reviews_scraped_total",
			Help: "Total reviews collected by retailer.",
		},
		[]string{"retailer"},
	)
	queueDepth := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scraper_queue_depth",
			Help: "Number of scrape jobs waiting to be processed.",
		},
	)

	registry.MustRegister(scrapes, duration, captchas, strategyWins, reviews, queueDepth)

	return &Metrics{
		Registry:            registry,
		ScrapesTotal:        scrapes,
		ScrapeDuration:      duration,
		CaptchasTotal:       captchas,
		StrategyWinsTotal:   strategyWins,
		ReviewsScrapedTotal: reviews,
		QueueDepth:          queueDepth,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveScrape records the outcome and duration of one product scrape.
func (m *Metrics) ObserveScrape(retailer, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ScrapesTotal.WithLabelValues(retailer, status).Inc()
	m.ScrapeDuration.WithLabelValues(retailer).Observe(d.Seconds())
}

// IncCaptcha increments the CAPTCHA counter for a retailer.
func (m *Metrics) IncCaptcha(retailer string) {
	if m == nil {
		return
	}
	m.CaptchasTotal.WithLabelValues(retailer).Inc()
}

// IncStrategyWin records which strategy yielded the price.
func (m *Metrics) IncStrategyWin(retailer, strategy string) {
	if m == nil {
		return
	}
	m.StrategyWinsTotal.WithLabelValues(retailer, strategy).Inc()
}

// AddReviews adds to the per-retailer review counter.
func (m *Metrics) AddReviews(retailer string, n int) {
	if m == nil {
		return
	}
	m.ReviewsScrapedTotal.WithLabelValues(retailer).Add(float64(n))
}

// SetQueueDepth publishes the current number of pending jobs.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
