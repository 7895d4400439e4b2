package pool

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/linkcheck-crawler/internal/crawler"
)

type fakeInstance struct {
	id     int64
	closed atomic.Bool
}

func (f *fakeInstance) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return errors.New("closed twice")
	}
	return nil
}

type fakeFactory struct {
	mu        sync.Mutex
	next      int64
	instances []*fakeInstance
}

func (f *fakeFactory) create(context.Context) (*fakeInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	inst := &fakeInstance{id: f.next}
	f.instances = append(f.instances, inst)
	return inst, nil
}

func (f *fakeFactory) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, inst := range f.instances {
		if inst.closed.Load() {
			n++
		}
	}
	return n
}

func newTestPool(t *testing.T, maxSize int) (*Pool[*fakeInstance], *fakeFactory, chan crawler.Pressure, *observer.ObservedLogs) {
	t.Helper()
	factory := &fakeFactory{}
	pressure := make(chan crawler.Pressure)
	core, logs := observer.New(zapcore.DebugLevel)
	p, err := New(context.Background(), factory.create, pressure, Config{Max: maxSize, Logger: zap.New(core)})
	require.NoError(t, err)
	return p, factory, pressure, logs
}

func borrow(t *testing.T, p *Pool[*fakeInstance]) *fakeInstance {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	inst, err := p.Get(ctx)
	require.NoError(t, err)
	require.False(t, inst.closed.Load(), "borrowed a disposed instance")
	return inst
}

func TestNewCreatesExactlyOne(t *testing.T) {
	t.Parallel()

	p, factory, _, _ := newTestPool(t, 4)
	require.Equal(t, 1, p.Size())
	require.Equal(t, 1, p.Idle())
	require.Len(t, factory.instances, 1)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestGrowsToMaxUnderLowPressure(t *testing.T) {
	t.Parallel()

	p, _, pressure, _ := newTestPool(t, 3)
	held := []*fakeInstance{borrow(t, p)}

	for range 3 {
		pressure <- crawler.PressureLow
		require.Eventually(t, func() bool { return p.Idle() > 0 || p.Size() == 3 }, time.Second, time.Millisecond)
		if p.Idle() > 0 {
			held = append(held, borrow(t, p))
		}
	}
	require.Equal(t, 3, p.Size())
	require.Zero(t, p.Idle())

	pressure <- crawler.PressureLow
	pressure <- crawler.PressureNormal
	require.Equal(t, 3, p.Size())

	for _, inst := range held {
		p.Return(inst)
	}
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestLowPressureWithIdleInstanceDoesNotGrow(t *testing.T) {
	t.Parallel()

	p, _, pressure, _ := newTestPool(t, 3)
	pressure <- crawler.PressureLow
	pressure <- crawler.PressureNormal
	require.Equal(t, 1, p.Size())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestHighPressureAtOneIsNoop(t *testing.T) {
	t.Parallel()

	p, factory, pressure, _ := newTestPool(t, 3)
	pressure <- crawler.PressureHigh
	pressure <- crawler.PressureNormal
	require.Equal(t, 1, p.Size())
	require.Zero(t, factory.closedCount())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestShrinkWaitsForIdleInstance(t *testing.T) {
	t.Parallel()

	p, _, pressure, _ := newTestPool(t, 2)
	first := borrow(t, p)
	pressure <- crawler.PressureLow
	require.Eventually(t, func() bool { return p.Size() == 2 }, time.Second, time.Millisecond)
	second := borrow(t, p)

	pressure <- crawler.PressureHigh
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 2, p.Size(), "shrink must not take a borrowed instance")
	require.False(t, first.closed.Load())
	require.False(t, second.closed.Load())

	p.Return(second)
	require.Eventually(t, func() bool { return p.Size() == 1 }, time.Second, time.Millisecond)
	require.True(t, second.closed.Load())
	require.False(t, first.closed.Load())

	p.Return(first)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestGetHonorsContext(t *testing.T) {
	t.Parallel()

	p, _, _, _ := newTestPool(t, 1)
	inst := borrow(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Get(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	p.Return(inst)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestShutdownDisposesEveryInstance(t *testing.T) {
	t.Parallel()

	p, factory, pressure, logs := newTestPool(t, 3)
	a := borrow(t, p)
	pressure <- crawler.PressureLow
	require.Eventually(t, func() bool { return p.Size() == 2 }, time.Second, time.Millisecond)
	p.Return(a)

	require.NoError(t, p.Shutdown(context.Background()))
	require.Equal(t, 2, factory.closedCount())
	require.Zero(t, logs.FilterMessage("pool leak detected").Len())

	_, err := p.Get(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestShutdownWaitsForBorrowedInstances(t *testing.T) {
	t.Parallel()

	p, factory, _, logs := newTestPool(t, 1)
	inst := borrow(t, p)

	done := make(chan error, 1)
	go func() { done <- p.Shutdown(context.Background()) }()

	select {
	case <-done:
		t.Fatal("shutdown returned while an instance was borrowed")
	case <-time.After(20 * time.Millisecond):
	}
	p.Return(inst)
	require.NoError(t, <-done)
	require.Equal(t, 1, factory.closedCount())
	require.Zero(t, logs.FilterMessage("pool leak detected").Len())
}

func TestShutdownReportsLeak(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	core, logs := observer.New(zapcore.DebugLevel)
	var leaked atomic.Int32
	p, err := New(context.Background(), factory.create, nil, Config{
		Max:    1,
		Logger: zap.New(core),
		Observer: Observer{Leaked: func(created, disposed int) {
			leaked.Store(int32(created - disposed))
		}},
	})
	require.NoError(t, err)
	inst := borrow(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, p.Shutdown(ctx))
	require.Equal(t, 1, logs.FilterMessage("pool leak detected").Len())
	require.Equal(t, int32(1), leaked.Load())

	p.Return(inst)
	require.True(t, inst.closed.Load())
}

func TestConcurrentBorrowReturnUnderPressure(t *testing.T) {
	t.Parallel()

	const maxSize = 4
	p, _, pressure, logs := newTestPool(t, maxSize)

	stop := make(chan struct{})
	var sampler sync.WaitGroup
	sampler.Add(1)
	go func() {
		defer sampler.Done()
		rng := rand.New(rand.NewSource(1))
		levels := []crawler.Pressure{crawler.PressureLow, crawler.PressureHigh, crawler.PressureNormal}
		for {
			select {
			case <-stop:
				return
			case pressure <- levels[rng.Intn(len(levels))]:
			}
			size := p.Size()
			if size < 1 || size > maxSize {
				panic("pool size out of bounds")
			}
		}
	}()

	var workers sync.WaitGroup
	for range 8 {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for range 200 {
				inst, err := p.Get(context.Background())
				if err != nil {
					return
				}
				if inst.closed.Load() {
					panic("borrowed a disposed instance")
				}
				p.Return(inst)
			}
		}()
	}
	workers.Wait()
	close(stop)
	sampler.Wait()

	require.NoError(t, p.Shutdown(context.Background()))
	require.Zero(t, logs.FilterMessage("pool leak detected").Len())
}

func TestDoubleReturnIsDroppedWithoutBlocking(t *testing.T) {
	t.Parallel()

	p, factory, _, logs := newTestPool(t, 3)
	inst := borrow(t, p)
	p.Return(inst)

	returned := make(chan struct{})
	go func() {
		defer close(returned)
		p.Return(inst)
		p.Return(&fakeInstance{id: 99})
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Return blocked on a full pool")
	}

	require.Equal(t, 1, p.Size())
	require.Equal(t, 1, p.Idle())
	require.Equal(t, 2, logs.FilterMessage("instance returned to a full pool; dropping").Len())
	require.Same(t, inst, borrow(t, p))
	p.Return(inst)

	require.NoError(t, p.Shutdown(context.Background()))
	require.Equal(t, 1, factory.closedCount())
	require.Zero(t, logs.FilterMessage("pool leak detected").Len())
}
