package progress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config sizes the Hub queue and its delivery window.
type Config struct {
	// BufferSize is the queue capacity shared by every producer.
	BufferSize int
	// MaxBatchEvents delivers the pending batch once it holds this many events.
	MaxBatchEvents int
	// MaxBatchWait delivers whatever is pending at this interval.
	MaxBatchWait time.Duration
	// SinkTimeout bounds each Consume call.
	SinkTimeout time.Duration
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// ErrClosed is returned once the hub is shutting down.
var ErrClosed = errors.New("progress hub closed")

var _ Emitter = (*Hub)(nil)

// Hub carries run events from the crawl components to the sinks. One
// goroutine owns the queue, so sinks observe events in queue order.
//
// Delivery depends on the event kind. Lossless kinds wait for queue room and
// are never dropped; pool size samples are dropped when the queue is full
// since the next sample supersedes them. Boundary kinds (run start and end,
// state changes, faults) close the pending batch so sinks see lifecycle
// changes without waiting for the delivery window.
type Hub struct {
	cfg    Config
	sinks  []Sink
	queue  chan Event
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	stopOnce sync.Once
	stopped  atomic.Bool
	closeCtx context.Context

	dropMu    sync.Mutex
	drops     map[Kind]int64
	dropTotal int64
	lastWarn  time.Time
}

// NewHub starts a Hub delivering to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	h := newHub(cfg, sinks...)
	go h.loop()
	return h
}

func newHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		queue:  make(chan Event, cfg.BufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
		drops:  make(map[Kind]int64),
	}
}

// Emit queues evt. Lossless kinds wait for room until the hub closes; other
// kinds are dropped when the queue is full. Invalid events are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.stopped.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	if evt.Kind.Lossless() {
		if err := h.enqueue(context.Background(), evt); err != nil {
			h.logger.Debug("progress event not queued", zap.String("kind", string(evt.Kind)), zap.Error(err))
		}
		return
	}
	select {
	case h.queue <- evt:
	default:
		h.recordDrop(evt.Kind)
	}
}

// Publish queues evt whatever its kind, waiting for room until ctx ends or
// the hub closes.
func (h *Hub) Publish(ctx context.Context, evt Event) error {
	if h == nil {
		return nil
	}
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("validate progress event: %w", err)
	}
	return h.enqueue(ctx, evt)
}

func (h *Hub) enqueue(ctx context.Context, evt Event) error {
	if h.stopped.Load() {
		return ErrClosed
	}
	select {
	case h.queue <- evt:
		return nil
	case <-h.stop:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("queue %s event: %w", evt.Kind, ctx.Err())
	}
}

func (h *Hub) recordDrop(kind Kind) {
	h.dropMu.Lock()
	defer h.dropMu.Unlock()
	h.drops[kind]++
	h.dropTotal++
	now := time.Now()
	if now.Sub(h.lastWarn) < dropLogInterval {
		return
	}
	h.lastWarn = now
	fields := make([]zap.Field, 0, len(h.drops))
	for k, n := range h.drops {
		fields = append(fields, zap.Int64(strings.ToLower(string(k)), n))
	}
	clear(h.drops)
	h.logger.Warn("progress events dropped under backpressure", fields...)
}

// Dropped reports how many events were dropped over the hub's lifetime.
func (h *Hub) Dropped() int64 {
	h.dropMu.Lock()
	defer h.dropMu.Unlock()
	return h.dropTotal
}

// Close delivers everything queued, closes the sinks and waits for the
// delivery goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.stopOnce.Do(func() {
		h.closeCtx = ctx
		h.stopped.Store(true)
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	pending := make([]Event, 0, h.cfg.MaxBatchEvents)
	window := time.NewTicker(h.cfg.MaxBatchWait)
	defer window.Stop()

	for {
		select {
		case evt := <-h.queue:
			pending = h.add(pending, evt)
		case <-window.C:
			pending = h.deliver(pending)
		case <-h.stop:
			pending = h.drainQueued(pending)
			h.deliver(pending)
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) add(pending []Event, evt Event) []Event {
	pending = append(pending, evt)
	if len(pending) >= h.cfg.MaxBatchEvents || evt.Kind.Boundary() {
		return h.deliver(pending)
	}
	return pending
}

func (h *Hub) drainQueued(pending []Event) []Event {
	for {
		select {
		case evt := <-h.queue:
			pending = h.add(pending, evt)
		default:
			return pending
		}
	}
}

// deliver hands batch to every sink and returns it emptied for reuse.
func (h *Hub) deliver(batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("progress sink consume failed",
				zap.String("sink", fmt.Sprintf("%T", sink)), zap.Int("events", len(batch)), zap.Error(err))
		}
		cancel()
	}
	return batch[:0]
}

func (h *Hub) closeSinks() {
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(h.closeCtx); err != nil {
			h.logger.Warn("progress sink close failed", zap.String("sink", fmt.Sprintf("%T", sink)), zap.Error(err))
		}
	}
}
