package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkcheck-crawler/internal/progress"
)

// LogSink emits structured logs for progress streams. Verified resources are
// logged at Debug so large crawls stay readable; lifecycle events at Info and
// faults at Warn.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("kind", string(evt.Kind)),
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.ParentURL != "" {
			fields = append(fields, zap.String("parent_url", evt.ParentURL))
		}
		if evt.State != "" {
			fields = append(fields, zap.String("state", evt.State))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Kind {
		case progress.KindResourceVerified:
			fields = append(fields,
				zap.Int("status", evt.Status),
				zap.String("status_class", string(evt.StatusClass)),
				zap.Bool("internal", evt.Internal),
				zap.Int64("bytes", evt.Bytes),
				zap.Duration("dur", evt.Dur),
			)
			s.logger.Debug("progress event", fields...)
		case progress.KindFault, progress.KindPoolLeak:
			fields = append(fields, zap.Int64("count", evt.Count))
			s.logger.Warn("progress event", fields...)
		default:
			if evt.Count != 0 {
				fields = append(fields, zap.Int64("count", evt.Count))
			}
			if evt.Dur > 0 {
				fields = append(fields, zap.Duration("dur", evt.Dur))
			}
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
