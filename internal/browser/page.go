package browser

import (
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Page wraps a playwright page together with the context it lives in.
// Connectors drive it through the narrow helper surface below.
type Page struct {
	page    playwright.Page
	context playwright.BrowserContext
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Goto navigates and waits for DOM content. Returns the HTTP status of the
// navigation response, or 0 when the driver produced none.
func (p *Page) Goto(url string) (int, error) {
	resp, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(p.timeout.Milliseconds())),
	})
	if err != nil {
		return 0, fmt.Errorf("navigation failed: %w", err)
	}
	if resp == nil {
		return 0, nil
	}
	return resp.Status(), nil
}

// WaitSettle waits for the network to go idle, falling back to a flat delay
// on pages that never stop polling.
func (p *Page) WaitSettle() {
	err := p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(10000),
	})
	if err != nil {
		time.Sleep(2 * time.Second)
	}
}

// WaitFor waits until the selector appears. Reports whether it did.
func (p *Page) WaitFor(selector string, timeout time.Duration) bool {
	_, err := p.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	return err == nil
}

func (p *Page) Content() (string, error) {
	return p.page.Content()
}

// Text returns the trimmed inner text of the first element matching the
// selector. ok is false when the element is missing or empty.
func (p *Page) Text(selector string) (string, bool) {
	el, err := p.page.QuerySelector(selector)
	if err != nil || el == nil {
		return "", false
	}
	text, err := el.InnerText()
	if err != nil {
		return "", false
	}
	text = strings.TrimSpace(text)
	return text, text != ""
}

func (p *Page) Exists(selector string) bool {
	el, err := p.page.QuerySelector(selector)
	return err == nil && el != nil
}

// Count reports how many elements match the selector.
func (p *Page) Count(selector string) int {
	els, err := p.page.QuerySelectorAll(selector)
	if err != nil {
		return 0
	}
	return len(els)
}

// Click clicks the first visible element matching the selector. Reports
// whether a click happened.
func (p *Page) Click(selector string) bool {
	el, err := p.page.QuerySelector(selector)
	if err != nil || el == nil {
		return false
	}
	visible, err := el.IsVisible()
	if err != nil || !visible {
		return false
	}
	if err := el.Click(); err != nil {
		p.logger.Debug("click failed", "selector", selector, "error", err)
		return false
	}
	return true
}

func (p *Page) Evaluate(js string) (any, error) {
	return p.page.Evaluate(js)
}

func (p *Page) ScrollBy(pixels int) {
	p.page.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", pixels))
}

// HumanScroll scrolls down in uneven steps with pauses, the way a person
// skims a product page.
func (p *Page) HumanScroll(times int) {
	for i := 0; i < times; i++ {
		p.ScrollBy(300 + rand.Intn(401))
		p.RandomDelay(500*time.Millisecond, 1500*time.Millisecond)
	}
}

func (p *Page) RandomDelay(min, max time.Duration) {
	if max <= min {
		time.Sleep(min)
		return
	}
	time.Sleep(min + time.Duration(rand.Int63n(int64(max-min))))
}

// Close releases the page and its context. Safe to call more than once.
func (p *Page) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true

	if err := p.page.Close(); err != nil {
		p.logger.Debug("page close failed", "error", err)
	}
	if err := p.context.Close(); err != nil {
		p.logger.Debug("context close failed", "error", err)
	}
}
