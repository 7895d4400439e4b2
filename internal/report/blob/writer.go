// Package blob buffers verification results as JSON lines and uploads the
// report as one object when the run closes.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkcheck-crawler/internal/crawler"
)

const contentType = "application/x-ndjson"

// Uploader stores one object and returns its URI.
type Uploader interface {
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
}

// Writer implements report.Writer on top of an Uploader.
type Writer struct {
	name     string
	uploader Uploader
	key      string
	logger   *zap.Logger

	mu     sync.Mutex
	buf    bytes.Buffer
	enc    *json.Encoder
	uri    string
	closed bool
}

// NewWriter targets <prefix>/<runID>/report.jsonl on uploader.
func NewWriter(name string, uploader Uploader, prefix, runID string, logger *zap.Logger) (*Writer, error) {
	if uploader == nil {
		return nil, errors.New("uploader is required")
	}
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{
		name:     name,
		uploader: uploader,
		key:      ObjectKey(prefix, runID),
		logger:   logger,
	}
	w.enc = json.NewEncoder(&w.buf)
	return w, nil
}

// ObjectKey is the object path the report for runID is uploaded to.
func ObjectKey(prefix, runID string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return path.Join(runID, "report.jsonl")
	}
	return path.Join(prefix, runID, "report.jsonl")
}

// Name implements report.Writer.
func (w *Writer) Name() string { return w.name }

// Write appends batch to the in-memory report.
func (w *Writer) Write(_ context.Context, batch []crawler.VerificationResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("blob writer closed")
	}
	for _, res := range batch {
		if err := w.enc.Encode(res); err != nil {
			return fmt.Errorf("encode result %d: %w", res.ID, err)
		}
	}
	return nil
}

// Close uploads the report. An empty run still produces an empty object.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	uri, err := w.uploader.PutObject(ctx, w.key, contentType, bytes.NewReader(w.buf.Bytes()))
	if err != nil {
		return fmt.Errorf("upload report: %w", err)
	}
	w.uri = uri
	w.logger.Info("report uploaded", zap.String("uri", uri), zap.Int("bytes", w.buf.Len()))
	return nil
}

// URI returns the uploaded object's URI once Close succeeded.
func (w *Writer) URI() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.uri
}
