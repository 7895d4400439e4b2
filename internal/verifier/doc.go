// Package verifier checks that a resource answers, following redirects by
// hand so every hop is observed, and classifies the outcome into a
// crawler.StatusCode.
package verifier
