package report

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkcheck-crawler/internal/crawler"
	"github.com/JakeFAU/linkcheck-crawler/internal/metrics"
)

// ErrClosed is returned by WriteReport and Flush after Close.
var ErrClosed = errors.New("report batcher closed")

const (
	defaultBufferSize    = 1024
	defaultBatchSize     = 500
	defaultFlushInterval = 2 * time.Second
	defaultWriteTimeout  = 30 * time.Second
)

// BatcherConfig controls buffering.
type BatcherConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
	Logger        *zap.Logger
}

// Batcher implements crawler.ReportSink. One goroutine owns the batch and
// the writer; WriteReport blocks when the buffer is full instead of dropping.
type Batcher struct {
	cfg     BatcherConfig
	writer  Writer
	logger  *zap.Logger
	records chan crawler.VerificationResult
	flushes chan chan error
	stopCh  chan struct{}
	doneCh  chan struct{}

	closeOnce sync.Once
	closeErr  error
}

var _ crawler.ReportSink = (*Batcher)(nil)

// NewBatcher starts the batching goroutine in front of w.
func NewBatcher(w Writer, cfg BatcherConfig) (*Batcher, error) {
	if w == nil {
		return nil, errors.New("batcher requires a writer")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Batcher{
		cfg:     cfg,
		writer:  w,
		logger:  logger.Named("report").With(zap.String("writer", w.Name())),
		records: make(chan crawler.VerificationResult, cfg.BufferSize),
		flushes: make(chan chan error),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go b.run()
	return b, nil
}

// WriteReport queues res, blocking while the buffer is full.
func (b *Batcher) WriteReport(ctx context.Context, res crawler.VerificationResult) error {
	select {
	case <-b.stopCh:
		return ErrClosed
	default:
	}
	select {
	case b.records <- res:
		return nil
	case <-b.stopCh:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("queue report: %w", ctx.Err())
	}
}

// Flush writes everything queued so far and returns the write error, if any.
func (b *Batcher) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case b.flushes <- reply:
	case <-b.stopCh:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("request flush: %w", ctx.Err())
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return fmt.Errorf("wait flush: %w", ctx.Err())
	}
}

// Close drains the buffer, writes the last batch and closes the writer.
func (b *Batcher) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		close(b.stopCh)
		select {
		case <-b.doneCh:
		case <-ctx.Done():
			b.closeErr = fmt.Errorf("report batcher close wait: %w", ctx.Err())
			return
		}
		if err := b.writer.Close(ctx); err != nil {
			b.closeErr = fmt.Errorf("close %s writer: %w", b.writer.Name(), err)
		}
	})
	return b.closeErr
}

func (b *Batcher) run() {
	defer close(b.doneCh)
	batch := make([]crawler.VerificationResult, 0, b.cfg.BatchSize)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case res := <-b.records:
			batch = append(batch, res)
			if len(batch) >= b.cfg.BatchSize {
				_ = b.write(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			_ = b.write(batch)
			batch = batch[:0]
		case reply := <-b.flushes:
			batch = b.drain(batch)
			reply <- b.write(batch)
			batch = batch[:0]
		case <-b.stopCh:
			batch = b.drain(batch)
			_ = b.write(batch)
			return
		}
	}
}

// drain moves everything currently buffered into batch, writing full batches.
func (b *Batcher) drain(batch []crawler.VerificationResult) []crawler.VerificationResult {
	for {
		select {
		case res := <-b.records:
			batch = append(batch, res)
			if len(batch) >= b.cfg.BatchSize {
				_ = b.write(batch)
				batch = batch[:0]
			}
		default:
			return batch
		}
	}
}

func (b *Batcher) write(batch []crawler.VerificationResult) error {
	if len(batch) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.WriteTimeout)
	defer cancel()
	out := append([]crawler.VerificationResult(nil), batch...)
	if err := b.writer.Write(ctx, out); err != nil {
		b.logger.Error("report write failed", zap.Int("records", len(out)), zap.Error(err))
		return fmt.Errorf("write %d reports: %w", len(out), err)
	}
	metrics.ObserveReportRecords(b.writer.Name(), len(out))
	return nil
}

// MultiWriter fans every batch out to several writers.
type MultiWriter []Writer

// Name implements Writer.
func (m MultiWriter) Name() string { return "multi" }

// Write implements Writer. Every writer sees the batch even if an earlier one
// failed.
func (m MultiWriter) Write(ctx context.Context, batch []crawler.VerificationResult) error {
	var errs error
	for _, w := range m {
		if err := w.Write(ctx, batch); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", w.Name(), err))
		}
	}
	return errs
}

// Close implements Writer.
func (m MultiWriter) Close(ctx context.Context) error {
	var errs error
	for _, w := range m {
		if err := w.Close(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", w.Name(), err))
		}
	}
	return errs
}
