// Package scope classifies resources as internal or external to the crawl
// target and derives the normalized keys used for deduplication.
package scope
