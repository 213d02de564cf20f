// Package browser provides chromedp-backed browser sessions for the pool and
// the capture stage that renders a product page into markup and a screenshot.
package browser
