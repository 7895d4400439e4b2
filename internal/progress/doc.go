// Package progress provides the crawl event model and the hub that carries
// events from every component to the sinks in queue order. Verification
// results and lifecycle changes are never dropped, so sinks such as the run
// tally stay exact; only pool size samples are best effort.
package progress
