// Package renderer turns a page into its final HTML. Chromedp drives a
// headless browser and also reports the subresources the page requested;
// Static returns the served HTML as is.
package renderer
