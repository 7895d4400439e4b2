package report

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkcheck-crawler/internal/crawler"
)

// LogWriter logs broken resources at Warn and the rest at Debug.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter builds a LogWriter.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogWriter{logger: logger.Named("report")}
}

// Name implements Writer.
func (w *LogWriter) Name() string { return "log" }

// Write implements Writer.
func (w *LogWriter) Write(_ context.Context, batch []crawler.VerificationResult) error {
	for _, res := range batch {
		fields := []zap.Field{
			zap.String("url", res.VerifiedURL),
			zap.String("parent_url", res.ParentURL),
			zap.Int("status", int(res.Status)),
			zap.Stringer("status_text", res.Status),
			zap.Bool("internal", res.Internal),
			zap.String("kind", string(res.Kind)),
			zap.Duration("duration", res.Duration),
		}
		if res.Status.Broken() {
			w.logger.Warn("broken resource", fields...)
			continue
		}
		w.logger.Debug("resource verified", fields...)
	}
	return nil
}

// Close implements Writer.
func (w *LogWriter) Close(context.Context) error {
	return nil
}
