package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkcheck-crawler/internal/clock/system"
	"github.com/JakeFAU/linkcheck-crawler/internal/crawler"
	"github.com/JakeFAU/linkcheck-crawler/internal/fsm"
	"github.com/JakeFAU/linkcheck-crawler/internal/metrics"
	"github.com/JakeFAU/linkcheck-crawler/internal/progress"
)

var (
	// ErrSeedRedirected reports that the seed resolved through a redirect and
	// the run was aborted.
	ErrSeedRedirected = errors.New("seed resource redirected")
	// ErrNotActivated is returned by Run before TryActivate succeeded.
	ErrNotActivated = errors.New("coordinator not activated")
)

// Config wires the Coordinator's collaborators.
type Config struct {
	Classifier crawler.ScopeClassifier
	Emitter    progress.Emitter
	Clock      crawler.Clock
	Logger     *zap.Logger
	RunID      [16]byte
	// Buffer is the capacity of the channel feeding the first stage.
	Buffer int
}

// Coordinator admits each normalized URL at most once and counts admitted
// resources that have not completed. When that count returns to zero the run
// has no more work. It is safe for concurrent use.
type Coordinator struct {
	classifier crawler.ScopeClassifier
	emitter    progress.Emitter
	clock      crawler.Clock
	logger     *zap.Logger
	runID      [16]byte

	state    *fsm.StateMachine[WorkflowState, command]
	workload atomic.Int64
	frontier *frontier

	mu       sync.Mutex
	seen     map[string]struct{}
	inflight map[uint64]string
	lastID   uint64
	seedID   uint64
	seedKey  string

	done     chan struct{}
	doneOnce sync.Once
	err      atomic.Pointer[error]
}

// New constructs a Coordinator in WaitingForActivation.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Classifier == nil {
		return nil, errors.New("coordinator requires a scope classifier")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = progress.Nop
	}
	clock := cfg.Clock
	if clock == nil {
		clock = system.Clock{}
	}
	c := &Coordinator{
		classifier: cfg.Classifier,
		emitter:    emitter,
		clock:      clock,
		logger:     logger.Named("coordinator"),
		runID:      cfg.RunID,
		frontier:   newFrontier(cfg.Buffer),
		seen:       make(map[string]struct{}),
		inflight:   make(map[uint64]string),
		done:       make(chan struct{}),
	}
	c.state = newWorkflow(fsm.WithObserver(func(from, to WorkflowState, _ command) {
		c.logger.Debug("workflow transition", zap.Stringer("from", from), zap.Stringer("to", to))
	}))
	return c, nil
}

// Out is the bounded channel the first pipeline stage consumes. It is closed
// once the run has no more work, is aborted, or Run's context ends.
func (c *Coordinator) Out() <-chan *crawler.Resource {
	return c.frontier.out
}

// Run feeds admitted resources into Out until shutdown. It must be started
// once, after TryActivate.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.state.Current() == WaitingForActivation {
		return ErrNotActivated
	}
	c.frontier.run(ctx)
	if err := ctx.Err(); err != nil && !c.finished() {
		return fmt.Errorf("coordinator feed: %w", err)
	}
	return nil
}

// TryActivate admits the seed. Only the first successful call has an effect;
// a failure to build or enqueue the seed is compensated and reported as false.
func (c *Coordinator) TryActivate(ctx context.Context, seed string) bool {
	var admitted *crawler.Resource
	var key string
	ran, err := c.state.TryTransitionE(cmdActivate, func() error {
		c.workload.Add(1)
		uri, err := c.classifier.Resolve(nil, seed)
		if err != nil {
			return fmt.Errorf("resolve seed: %w", err)
		}
		r := crawler.NewResource(seed, uri, nil, crawler.KindPage)
		r.Internal = c.classifier.IsInternal(r)
		key = c.classifier.Key(seed, uri)

		c.mu.Lock()
		c.seen[key] = struct{}{}
		c.lastID++
		_ = r.AssignID(c.lastID)
		c.seedID = r.ID
		c.seedKey = key
		c.inflight[r.ID] = key
		c.mu.Unlock()

		if err := c.frontier.push(r); err != nil {
			return fmt.Errorf("enqueue seed: %w", err)
		}
		admitted = r
		return nil
	})
	if !ran {
		c.logger.Debug("activation ignored", zap.Stringer("state", c.state.Current()))
		return false
	}
	if err != nil {
		c.workload.Add(-1)
		c.mu.Lock()
		delete(c.seen, key)
		for id, k := range c.inflight {
			if k == key {
				delete(c.inflight, id)
			}
		}
		c.mu.Unlock()
		c.state.TryTransition(cmdDeactivate, nil)
		c.logger.Error("seed activation failed", zap.String("seed", seed), zap.Error(err))
		return false
	}
	metrics.SetWorkload(c.workload.Load())
	metrics.IncDiscovered()
	c.publish(ctx, progress.Event{Kind: progress.KindStateChange, State: Activated.String(), URL: admitted.URL()})
	c.logger.Info("crawl activated", zap.String("seed", admitted.URL()), zap.String("key", key))
	return true
}

// Ingest records the completion of one admitted resource and admits the new
// candidates a successful outcome carries. Every admitted resource must be
// ingested exactly once.
func (c *Coordinator) Ingest(ctx context.Context, outcome crawler.Outcome) {
	r := outcome.Resource
	if r == nil {
		c.logger.Warn("consistency violation: outcome without resource", zap.Stringer("kind", outcome.Kind))
		return
	}

	c.mu.Lock()
	key, known := c.inflight[r.ID]
	if known {
		delete(c.inflight, r.ID)
	}
	isSeed := r.ID == c.seedID
	seedKey := c.seedKey
	var present bool
	if known {
		_, present = c.seen[key]
	}
	c.mu.Unlock()

	if !known {
		c.logger.Warn("consistency violation: completion for resource not in flight",
			zap.Uint64("id", r.ID), zap.String("url", r.URL()))
		return
	}
	if !isSeed && !present {
		c.logger.Warn("consistency violation: completed resource missing from dedup set",
			zap.Uint64("id", r.ID), zap.String("key", key))
	}

	if r.Redirected() {
		finalKey := c.classifier.Key(r.URI.String(), r.URI)
		if isSeed && finalKey != seedKey {
			c.abort(ctx, r)
		} else {
			c.mu.Lock()
			c.seen[finalKey] = struct{}{}
			c.mu.Unlock()
		}
	}

	switch outcome.Kind {
	case crawler.OutcomeSuccess:
		c.admit(outcome.Candidates)
	case crawler.OutcomeCancelled:
		c.logger.Debug("resource cancelled", zap.Uint64("id", r.ID), zap.String("url", r.URL()))
	case crawler.OutcomeFailure:
		c.logger.Warn("resource failed", zap.Uint64("id", r.ID), zap.String("url", r.URL()), zap.Error(outcome.Err))
	}

	remaining := c.workload.Add(-1)
	metrics.SetWorkload(remaining)
	switch {
	case remaining == 0:
		c.state.TryTransition(cmdComplete, func() {
			c.frontier.close(false)
			c.publish(ctx, progress.Event{Kind: progress.KindNoMoreWork})
			c.logger.Info("no more work")
			c.finish(nil)
		})
	case remaining < 0:
		c.logger.Warn("consistency violation: workload below zero", zap.Int64("workload", remaining))
	}
}

// admit test-and-inserts each candidate's key and increments the workload for
// the winners, all under one lock.
func (c *Coordinator) admit(candidates []*crawler.Resource) {
	if len(candidates) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Current() != Activated {
		return
	}
	for _, cand := range candidates {
		if cand == nil {
			continue
		}
		key := c.classifier.Key(cand.OriginalURL, cand.URI)
		if _, dup := c.seen[key]; dup {
			continue
		}
		c.lastID++
		if err := cand.AssignID(c.lastID); err != nil {
			c.lastID--
			c.logger.Warn("consistency violation: candidate already admitted",
				zap.Uint64("id", cand.ID), zap.String("url", cand.URL()))
			continue
		}
		if err := c.frontier.push(cand); err != nil {
			c.logger.Debug("candidate not admitted", zap.String("url", cand.URL()), zap.Error(err))
			continue
		}
		c.seen[key] = struct{}{}
		c.inflight[cand.ID] = key
		c.workload.Add(1)
		metrics.IncDiscovered()
	}
}

func (c *Coordinator) abort(ctx context.Context, seed *crawler.Resource) {
	c.state.TryTransition(cmdAbort, func() {
		c.frontier.close(true)
		note := fmt.Sprintf("seed %s redirected to %s", seed.InitialURL(), seed.URL())
		c.publish(ctx, progress.Event{Kind: progress.KindFault, URL: seed.URL(), Note: note})
		c.logger.Error("seed redirected; aborting crawl",
			zap.String("seed", seed.InitialURL()), zap.String("location", seed.URL()))
		c.finish(ErrSeedRedirected)
	})
}

func (c *Coordinator) finish(err error) {
	c.doneOnce.Do(func() {
		if err != nil {
			c.err.Store(&err)
		}
		close(c.done)
	})
}

func (c *Coordinator) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Coordinator) publish(ctx context.Context, evt progress.Event) {
	evt.RunID = c.runID
	evt.TS = c.clock.Now()
	if err := c.emitter.Publish(context.WithoutCancel(ctx), evt); err != nil {
		c.logger.Warn("publish event failed", zap.String("kind", string(evt.Kind)), zap.Error(err))
	}
}

// Done is closed once the run has no more work or was aborted.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns ErrSeedRedirected after an abort and nil otherwise.
func (c *Coordinator) Err() error {
	if p := c.err.Load(); p != nil {
		return *p
	}
	return nil
}

// State returns the workflow state.
func (c *Coordinator) State() WorkflowState {
	return c.state.Current()
}

// Workload returns the number of admitted resources not yet completed.
func (c *Coordinator) Workload() int64 {
	return c.workload.Load()
}

// Discovered returns how many distinct keys have been recorded.
func (c *Coordinator) Discovered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Seen reports whether key is in the dedup set.
func (c *Coordinator) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[key]
	return ok
}

// Queued returns how many admitted resources wait in the frontier.
func (c *Coordinator) Queued() int {
	return c.frontier.len()
}

// Dispose releases the workflow state machine.
func (c *Coordinator) Dispose() {
	c.state.Dispose()
}
