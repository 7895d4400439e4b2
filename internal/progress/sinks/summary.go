package sinks

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/linkcheck-crawler/internal/crawler"
	"github.com/JakeFAU/linkcheck-crawler/internal/progress"
)

// Totals is a point-in-time view of a run's verified resources.
type Totals struct {
	Verified int64
	Broken   int64
	Internal int64
	External int64
	Bytes    int64
	Faults   int64
	ByClass  map[progress.StatusClass]int64
	LastSeen time.Time
}

// TallySink collapses verification events into per-run totals so the run
// summary and status API can be served without a store.
type TallySink struct {
	mu     sync.Mutex
	totals Totals
}

// NewTallySink constructs an empty TallySink.
func NewTallySink() *TallySink {
	return &TallySink{totals: Totals{ByClass: make(map[progress.StatusClass]int64)}}
}

// Consume folds the batch into the running totals.
func (s *TallySink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		switch evt.Kind {
		case progress.KindResourceVerified:
			s.totals.Verified++
			s.totals.ByClass[evt.StatusClass]++
			s.totals.Bytes += evt.Bytes
			if evt.Internal {
				s.totals.Internal++
			} else {
				s.totals.External++
			}
			if crawler.StatusCode(evt.Status).Broken() {
				s.totals.Broken++
			}
		case progress.KindFault:
			s.totals.Faults++
		default:
			continue
		}
		if evt.TS.After(s.totals.LastSeen) {
			s.totals.LastSeen = evt.TS
		}
	}
	return nil
}

// Totals returns a copy of the current totals.
func (s *TallySink) Totals() Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.totals
	out.ByClass = make(map[progress.StatusClass]int64, len(s.totals.ByClass))
	for k, v := range s.totals.ByClass {
		out.ByClass[k] = v
	}
	return out
}

// Close implements the Sink interface; it performs no action.
func (s *TallySink) Close(context.Context) error {
	return nil
}
