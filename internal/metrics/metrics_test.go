package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveScrape(t *testing.T) {
	m := New()

	m.ObserveScrape("ozon", "ok", 2*time.Second)
	m.ObserveScrape("ozon", "ok", 3*time.Second)
	m.ObserveScrape("ozon", "CAPTCHA_DETECTED", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ScrapesTotal.WithLabelValues("ozon", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScrapesTotal.WithLabelValues("ozon", "CAPTCHA_DETECTED")))
}

func TestCounters(t *testing.T) {
	m := New()

	m.IncCaptcha("wildberries")
	m.IncStrategyWin("ozon", "json_ld")
	m.AddReviews("vkusvill", 25)
	m.SetQueueDepth(7)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CaptchasTotal.WithLabelValues("wildberries")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StrategyWinsTotal.WithLabelValues("ozon", "json_ld")))
	assert.Equal(t, 25.0, testutil.ToFloat64(m.ReviewsScrapedTotal.WithLabelValues("vkusvill")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.QueueDepth))
}

func TestNilReceiverSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveScrape("ozon", "ok", time.Second)
		m.IncCaptcha("ozon")
		m.IncStrategyWin("ozon", "dom")
		m.AddReviews("ozon", 1)
		m.SetQueueDepth(0)
	})
}
