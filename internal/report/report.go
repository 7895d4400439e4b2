// Package report persists verification results. A Batcher buffers results
// from the pipeline and hands them to a Writer in batches.
package report

import (
	"context"

	"github.com/JakeFAU/linkcheck-crawler/internal/crawler"
)

// Writer stores batches of verification results.
type Writer interface {
	// Name labels the writer in logs and metrics.
	Name() string
	Write(ctx context.Context, batch []crawler.VerificationResult) error
	Close(ctx context.Context) error
}
