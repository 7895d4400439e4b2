// Package pool keeps an elastic set of expensive instances (browser sessions)
// that grows under low host pressure and shrinks under high pressure.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkcheck-crawler/internal/crawler"
	"github.com/JakeFAU/linkcheck-crawler/internal/metrics"
)

// ErrClosed is returned by Get once Shutdown has started.
var ErrClosed = errors.New("pool closed")

// Factory creates a new instance.
type Factory[T io.Closer] func(ctx context.Context) (T, error)

// Observer receives size changes and leak reports. Either field may be nil.
type Observer struct {
	Resized func(created int)
	Leaked  func(created, disposed int)
}

// Config controls pool bounds.
type Config struct {
	// Max is the upper bound on created instances (>= 1).
	Max      int
	Logger   *zap.Logger
	Observer Observer
}

// Pool owns every instance it creates. Idle instances sit in a buffered
// channel sized to Max; the created count is guarded by mu. Grow and shrink
// run only on the pressure goroutine.
type Pool[T io.Closer] struct {
	factory  Factory[T]
	max      int
	logger   *zap.Logger
	observer Observer

	idle    chan T
	mu      sync.Mutex
	created int
	drained bool

	stopCh    chan struct{}
	watchDone chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

// New creates the pool with exactly one instance and, when pressure is not
// nil, starts the goroutine that consumes pressure signals.
func New[T io.Closer](ctx context.Context, factory Factory[T], pressure <-chan crawler.Pressure, cfg Config) (*Pool[T], error) {
	if factory == nil {
		return nil, errors.New("pool requires a factory")
	}
	if cfg.Max < 1 {
		cfg.Max = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	first, err := factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("create initial instance: %w", err)
	}
	p := &Pool[T]{
		factory:   factory,
		max:       cfg.Max,
		logger:    logger.Named("pool"),
		observer:  cfg.Observer,
		idle:      make(chan T, cfg.Max),
		created:   1,
		stopCh:    make(chan struct{}),
		watchDone: make(chan struct{}),
	}
	p.idle <- first
	p.resized(1)
	go p.watch(pressure)
	return p, nil
}

// Get removes and returns an idle instance, blocking until one is available,
// ctx ends or the pool shuts down.
func (p *Pool[T]) Get(ctx context.Context) (T, error) {
	var zero T
	if p.closed.Load() {
		return zero, ErrClosed
	}
	select {
	case inst := <-p.idle:
		if p.closed.Load() {
			p.Return(inst)
			return zero, ErrClosed
		}
		return inst, nil
	case <-p.stopCh:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, fmt.Errorf("pool get: %w", ctx.Err())
	}
}

// Return makes inst idle again. After the pool has drained, inst is disposed.
func (p *Pool[T]) Return(inst T) {
	p.mu.Lock()
	if p.drained {
		p.mu.Unlock()
		p.logger.Warn("instance returned after shutdown; disposing")
		p.dispose(inst)
		return
	}
	// Every legitimately borrowed instance is outside idle, so a full idle
	// set means inst was returned twice or never came from this pool. It may
	// alias an idle instance, so it is dropped rather than disposed.
	if len(p.idle) >= p.created {
		p.mu.Unlock()
		p.logger.Warn("instance returned to a full pool; dropping", zap.Int("created", p.Size()))
		return
	}
	select {
	case p.idle <- inst:
		p.mu.Unlock()
	default:
		p.mu.Unlock()
		p.logger.Warn("instance returned to a full pool; dropping", zap.Int("created", p.Size()))
	}
}

// Size returns the number of instances currently created.
func (p *Pool[T]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// Idle returns the number of instances waiting to be borrowed.
func (p *Pool[T]) Idle() int {
	return len(p.idle)
}

// Max returns the configured upper bound.
func (p *Pool[T]) Max() int {
	return p.max
}

func (p *Pool[T]) watch(pressure <-chan crawler.Pressure) {
	defer close(p.watchDone)
	if pressure == nil {
		<-p.stopCh
		return
	}
	for {
		select {
		case <-p.stopCh:
			return
		case sig, ok := <-pressure:
			if !ok {
				<-p.stopCh
				return
			}
			switch sig {
			case crawler.PressureLow:
				p.grow()
			case crawler.PressureHigh:
				p.shrink()
			case crawler.PressureNormal:
			}
		}
	}
}

func (p *Pool[T]) grow() {
	p.mu.Lock()
	if len(p.idle) > 0 || p.created >= p.max {
		p.mu.Unlock()
		return
	}
	p.created++
	p.mu.Unlock()

	inst, err := p.factory(context.Background())
	if err != nil {
		p.mu.Lock()
		p.created--
		p.mu.Unlock()
		p.logger.Warn("pool grow failed", zap.Error(err))
		return
	}

	p.mu.Lock()
	p.idle <- inst
	size := p.created
	p.mu.Unlock()
	metrics.ObservePoolResize("grow")
	p.logger.Debug("pool grew", zap.Int("size", size))
	p.resized(size)
}

func (p *Pool[T]) shrink() {
	if p.Size() <= 1 {
		return
	}
	var inst T
	select {
	case inst = <-p.idle:
	case <-p.stopCh:
		return
	}
	p.mu.Lock()
	p.created--
	size := p.created
	p.mu.Unlock()
	p.dispose(inst)
	metrics.ObservePoolResize("shrink")
	p.logger.Debug("pool shrank", zap.Int("size", size))
	p.resized(size)
}

// Shutdown stops pressure handling and disposes every instance, waiting for
// borrowed ones to be returned until ctx ends. A mismatch between created and
// disposed instances is reported as a leak.
func (p *Pool[T]) Shutdown(ctx context.Context) error {
	first := false
	p.closeOnce.Do(func() {
		first = true
		p.closed.Store(true)
		close(p.stopCh)
	})
	if !first {
		return nil
	}
	select {
	case <-p.watchDone:
	case <-ctx.Done():
		return fmt.Errorf("pool shutdown: %w", ctx.Err())
	}

	var errs error
	disposed := 0
drain:
	for disposed < p.Size() {
		select {
		case inst := <-p.idle:
			errs = multierr.Append(errs, inst.Close())
			disposed++
		case <-ctx.Done():
			errs = multierr.Append(errs, fmt.Errorf("pool drain: %w", ctx.Err()))
			break drain
		}
	}

	p.mu.Lock()
	p.drained = true
	created := p.created
	p.mu.Unlock()
	for len(p.idle) > 0 {
		inst := <-p.idle
		errs = multierr.Append(errs, inst.Close())
		disposed++
	}

	if disposed != created {
		p.logger.Warn("pool leak detected", zap.Int("created", created), zap.Int("disposed", disposed))
		if p.observer.Leaked != nil {
			p.observer.Leaked(created, disposed)
		}
	} else {
		p.logger.Debug("pool drained", zap.Int("disposed", disposed))
	}
	metrics.SetPoolInstances(0)
	return errs
}

func (p *Pool[T]) dispose(inst T) {
	if err := inst.Close(); err != nil {
		p.logger.Warn("dispose instance failed", zap.Error(err))
	}
}

func (p *Pool[T]) resized(size int) {
	metrics.SetPoolInstances(size)
	if p.observer.Resized != nil {
		p.observer.Resized(size)
	}
}
