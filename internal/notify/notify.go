// Package notify publishes a completion notice when a crawl run ends.
package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkcheck-crawler/internal/crawler"
)

// Summary is the payload published at run end.
type Summary struct {
	RunID    string        `json:"run_id"`
	Seed     string        `json:"seed"`
	State    string        `json:"state"`
	Verified int64         `json:"verified"`
	Broken   int64         `json:"broken"`
	Faults   int64         `json:"faults"`
	Duration time.Duration `json:"duration_ns"`
	EndedAt  time.Time     `json:"ended_at"`
}

// Notifier sends summaries to one topic.
type Notifier struct {
	publisher crawler.Publisher
	topic     string
	logger    *zap.Logger
}

// New returns a Notifier. A nil publisher yields a Notifier that only logs.
func New(publisher crawler.Publisher, topic string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{publisher: publisher, topic: topic, logger: logger.Named("notify")}
}

// Notify publishes s and returns the message id.
func (n *Notifier) Notify(ctx context.Context, s Summary) (string, error) {
	fields := []zap.Field{
		zap.String("run_id", s.RunID),
		zap.String("state", s.State),
		zap.Int64("verified", s.Verified),
		zap.Int64("broken", s.Broken),
		zap.Duration("duration", s.Duration),
	}
	if n.publisher == nil {
		n.logger.Info("run summary", fields...)
		return "", nil
	}
	id, err := n.publisher.Publish(ctx, n.topic, s)
	if err != nil {
		return "", fmt.Errorf("publish run summary: %w", err)
	}
	n.logger.Info("run summary published", append(fields, zap.String("message_id", id))...)
	return id, nil
}
