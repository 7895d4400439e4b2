// Package coordinator owns crawl admission: the dedup set of normalized URL
// keys, the workload counter that detects termination, and the frontier that
// feeds admitted resources into the pipeline.
package coordinator
