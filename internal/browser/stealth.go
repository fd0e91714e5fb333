package browser

import (
	"strings"

	"github.com/playwright-community/playwright-go"
)

// Injected into every context before any page script runs. Hides the usual
// headless-Chromium tells that marketplace anti-bot checks probe: webdriver
// flag, plugin and language lists, platform and hardware properties, WebGL
// vendor strings.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', {get: () => undefined});
window.chrome = {runtime: {}};
Object.defineProperty(navigator, 'languages', {get: () => ['ru-RU', 'ru', 'en-US', 'en']});
Object.defineProperty(navigator, 'plugins', {get: () => [1, 2, 3, 4, 5]});
Object.defineProperty(navigator, 'platform', {get: () => 'Win32'});
Object.defineProperty(navigator, 'hardwareConcurrency', {get: () => 8});
Object.defineProperty(navigator, 'deviceMemory', {get: () => 8});
const originalQuery = window.navigator.permissions.query;
window.navigator.permissions.query = (parameters) => (
    parameters.name === 'notifications' ?
        Promise.resolve({state: Notification.permission}) :
        originalQuery(parameters)
);
const getParameter = WebGLRenderingContext.prototype.getParameter;
WebGLRenderingContext.prototype.getParameter = function(parameter) {
    if (parameter === 37445) return 'Intel Inc.';
    if (parameter === 37446) return 'Intel Iris OpenGL Engine';
    return getParameter.call(this, parameter);
};
`

var blockedResourceTypes = map[string]struct{}{
	"image": {},
	"media": {},
	"font":  {},
}

var blockedURLPatterns = []string{
	"google-analytics.com",
	"googletagmanager.com",
	"mc.yandex.ru",
	"doubleclick.net",
	"facebook.net",
	"criteo.com",
	"adfox.ru",
	"top-fwz1.mail.ru",
	"analytics",
	"metrika",
	"pixel",
	"beacon",
}

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

func blockHeavyResources(page playwright.Page) error {
	return page.Route("**/*", func(route playwright.Route) {
		request := route.Request()

		if shouldBlockResource(request.ResourceType(), request.URL()) {
			route.Abort()
			return
		}

		route.Continue()
	})
}

func shouldBlockResource(resourceType, url string) bool {
	if _, blocked := blockedResourceTypes[resourceType]; blocked {
		return true
	}

	lower := strings.ToLower(url)
	for _, pattern := range blockedURLPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
