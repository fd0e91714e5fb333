package connector

import (
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"

	"github.com/retailmon/market-scraper/internal/browser"
)

func docSelection(t *testing.T, html, selector string) *goquery.Selection {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	sel := doc.Find(selector).First()
	require.Positive(t, sel.Length(), "selector %q matched nothing", selector)
	return sel
}

// fakePage scripts page responses per selector and records which calls a
// connector made, so tests can assert both extraction results and call
// ordering.
type fakePage struct {
	gotoStatus int
	gotoErr    error
	content    string
	texts      map[string]string
	exists     map[string]bool
	counts     map[string]int
	clicks     map[string]bool
	evalResult any
	evalErr    error

	gotoCalls    []string
	contentCalls int
	textCalls    int
	evalCalls    int
	clickCalls   int
	scrollCalls  int
	closed       bool
}

func newFakePage() *fakePage {
	return &fakePage{
		gotoStatus: 200,
		texts:      map[string]string{},
		exists:     map[string]bool{},
		counts:     map[string]int{},
		clicks:     map[string]bool{},
	}
}

func (p *fakePage) Goto(url string) (int, error) {
	p.gotoCalls = append(p.gotoCalls, url)
	return p.gotoStatus, p.gotoErr
}

func (p *fakePage) WaitSettle() {}

func (p *fakePage) WaitFor(selector string, timeout time.Duration) bool {
	return p.exists[selector] || p.texts[selector] != ""
}

func (p *fakePage) Content() (string, error) {
	p.contentCalls++
	return p.content, nil
}

func (p *fakePage) Text(selector string) (string, bool) {
	p.textCalls++
	text, ok := p.texts[selector]
	return text, ok && text != ""
}

func (p *fakePage) Exists(selector string) bool {
	return p.exists[selector]
}

func (p *fakePage) Count(selector string) int {
	return p.counts[selector]
}

func (p *fakePage) Click(selector string) bool {
	p.clickCalls++
	return p.clicks[selector]
}

func (p *fakePage) Evaluate(js string) (any, error) {
	p.evalCalls++
	return p.evalResult, p.evalErr
}

func (p *fakePage) ScrollBy(pixels int) {
	p.scrollCalls++
}

func (p *fakePage) HumanScroll(times int) {
	p.scrollCalls += times
}

func (p *fakePage) RandomDelay(min, max time.Duration) {}

func (p *fakePage) Close() {
	p.closed = true
}

// extractionCalls counts the calls that read data off the page. A connector
// that bails out before extraction must leave this at zero.
func (p *fakePage) extractionCalls() int {
	return p.contentCalls + p.textCalls + p.evalCalls
}

type fakeBrowser struct {
	page     *fakePage
	err      error
	newPages int
}

func (b *fakeBrowser) NewPage(opts browser.PageOptions) (Page, error) {
	b.newPages++
	if b.err != nil {
		return nil, b.err
	}
	return b.page, nil
}
