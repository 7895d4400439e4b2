package coordinator

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/linkcheck-crawler/internal/crawler"
)

// ErrFrontierClosed is returned when pushing after the frontier stopped.
var ErrFrontierClosed = errors.New("frontier closed")

// frontier is an unbounded FIFO between admission and the first pipeline
// stage. Admission never blocks on a full stage, so completed items can
// always be ingested even though the pipeline is a cycle of bounded channels.
type frontier struct {
	mu      sync.Mutex
	items   []*crawler.Resource
	closed  bool
	wake    chan struct{}
	out     chan *crawler.Resource
	done    chan struct{}
	dropped int
}

func newFrontier(buffer int) *frontier {
	if buffer < 1 {
		buffer = 1
	}
	return &frontier{
		wake: make(chan struct{}, 1),
		out:  make(chan *crawler.Resource, buffer),
		done: make(chan struct{}),
	}
}

func (f *frontier) push(r *crawler.Resource) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrFrontierClosed
	}
	f.items = append(f.items, r)
	f.mu.Unlock()
	f.signal()
	return nil
}

// close stops admission. Items still queued are delivered unless discard is
// set, in which case they are dropped and counted.
func (f *frontier) close(discard bool) {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
	}
	if discard {
		f.dropped += len(f.items)
		f.items = nil
	}
	f.mu.Unlock()
	f.signal()
}

func (f *frontier) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *frontier) signal() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *frontier) pop() (*crawler.Resource, bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) > 0 {
		r := f.items[0]
		f.items[0] = nil
		f.items = f.items[1:]
		return r, true, f.closed
	}
	return nil, false, f.closed
}

// run moves queued items into out until the frontier is closed and empty or
// ctx is cancelled, then closes out.
func (f *frontier) run(ctx context.Context) {
	defer close(f.done)
	defer close(f.out)
	for {
		r, ok, closed := f.pop()
		if !ok {
			if closed {
				return
			}
			select {
			case <-f.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		select {
		case f.out <- r:
		case <-ctx.Done():
			return
		}
	}
}
