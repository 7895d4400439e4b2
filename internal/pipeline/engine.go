package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/linkcheck-crawler/internal/clock/system"
	"github.com/JakeFAU/linkcheck-crawler/internal/coordinator"
	"github.com/JakeFAU/linkcheck-crawler/internal/crawler"
	"github.com/JakeFAU/linkcheck-crawler/internal/fsm"
	"github.com/JakeFAU/linkcheck-crawler/internal/progress"
)

// ErrActivationFailed reports that the seed could not be admitted.
var ErrActivationFailed = errors.New("seed activation failed")

// Config sizes the pipeline.
type Config struct {
	Seed  string
	RunID [16]byte
	// MaxConcurrentVerifications bounds the verify stage workers.
	MaxConcurrentVerifications int
	// MaxConcurrentExtractions bounds the extract stage workers.
	MaxConcurrentExtractions int
	// RenderParallelism bounds the render stage workers; defaults to 1. Actual
	// rendering concurrency is further limited by the pool size.
	RenderParallelism int
	// StageBuffer is the outbound channel capacity of every stage.
	StageBuffer int
}

// Dependencies are the collaborators the Engine drives.
type Dependencies struct {
	Classifier crawler.ScopeClassifier
	Verifier   crawler.Verifier
	Renderers  RendererPool
	Extractor  crawler.Extractor
	Reports    crawler.ReportSink
	Emitter    progress.Emitter
	Clock      crawler.Clock
	Logger     *zap.Logger
}

// Status is a point-in-time view of a run.
type Status struct {
	Bot        BotState
	Workflow   coordinator.WorkflowState
	Workload   int64
	Discovered int
	Queued     int
	PoolSize   int
	Paused     bool
}

// Engine is the crawl bot: it owns the coordinator and the stages and drives
// them through the bot lifecycle.
type Engine struct {
	cfg    Config
	deps   Dependencies
	logger *zap.Logger
	bot    *fsm.StateMachine[BotState, BotCommand]
	gate   *Gate

	mu            sync.Mutex
	coord         *coordinator.Coordinator
	cancel        context.CancelFunc
	cancelPending bool
}

// New validates the dependencies and returns an Engine waiting for
// initialization.
func New(cfg Config, deps Dependencies) (*Engine, error) {
	switch {
	case deps.Classifier == nil:
		return nil, errors.New("engine requires a scope classifier")
	case deps.Verifier == nil:
		return nil, errors.New("engine requires a verifier")
	case deps.Renderers == nil:
		return nil, errors.New("engine requires a renderer pool")
	case deps.Extractor == nil:
		return nil, errors.New("engine requires an extractor")
	case deps.Reports == nil:
		return nil, errors.New("engine requires a report sink")
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Nop
	}
	if deps.Clock == nil {
		deps.Clock = system.Clock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.MaxConcurrentVerifications < 1 {
		cfg.MaxConcurrentVerifications = 1
	}
	if cfg.MaxConcurrentExtractions < 1 {
		cfg.MaxConcurrentExtractions = 1
	}
	if cfg.RenderParallelism < 1 {
		cfg.RenderParallelism = 1
	}
	if cfg.StageBuffer < 1 {
		cfg.StageBuffer = cfg.MaxConcurrentVerifications
	}
	e := &Engine{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.Named("engine"),
		gate:   NewGate(),
	}
	e.bot = fsm.New(WaitingForInitialization, BotTable, fsm.WithObserver(e.onTransition))
	return e, nil
}

func (e *Engine) onTransition(from, to BotState, _ BotCommand) {
	e.logger.Info("bot state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	e.publish(context.Background(), progress.Event{Kind: progress.KindStateChange, State: to.String()})
}

// State returns the bot state.
func (e *Engine) State() BotState {
	return e.bot.Current()
}

// Initialize builds the coordinator. It is valid only once.
func (e *Engine) Initialize() error {
	ok, err := e.bot.TryTransitionE(CmdInitialize, func() error {
		coord, err := coordinator.New(coordinator.Config{
			Classifier: e.deps.Classifier,
			Emitter:    e.deps.Emitter,
			Clock:      e.deps.Clock,
			Logger:     e.deps.Logger,
			RunID:      e.cfg.RunID,
			Buffer:     e.cfg.StageBuffer,
		})
		if err != nil {
			return fmt.Errorf("build coordinator: %w", err)
		}
		e.mu.Lock()
		e.coord = coord
		e.mu.Unlock()
		return nil
	})
	if !ok {
		return fmt.Errorf("initialize from %s: %w", e.bot.Current(), ErrInvalidState)
	}
	return err
}

// Run activates the seed and blocks until the run completes, is cancelled
// through ctx or Cancel, or faults. It returns the terminal bot state.
func (e *Engine) Run(ctx context.Context) (BotState, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var runErr error
	ok := e.bot.TryTransition(CmdRun, func() {
		e.mu.Lock()
		e.cancel = cancel
		pending := e.cancelPending
		e.mu.Unlock()
		if pending {
			cancel()
		}
		runErr = e.run(runCtx)
	})
	if !ok {
		return e.bot.Current(), fmt.Errorf("run from %s: %w", e.bot.Current(), ErrInvalidState)
	}
	return e.bot.Current(), runErr
}

func (e *Engine) run(ctx context.Context) error {
	start := e.deps.Clock.Now()
	coord := e.coordinator()
	e.publish(ctx, progress.Event{Kind: progress.KindRunStart, URL: e.cfg.Seed})

	if !coord.TryActivate(ctx, e.cfg.Seed) {
		e.finish(ctx, CmdMarkAsFaulted, start)
		return fmt.Errorf("activate %q: %w", e.cfg.Seed, ErrActivationFailed)
	}

	st := &steps{
		classifier: e.deps.Classifier,
		verifier:   e.deps.Verifier,
		renderers:  e.deps.Renderers,
		extractor:  e.deps.Extractor,
		coord:      coord,
		gate:       e.gate,
		logger:     e.logger,
	}
	logger := e.deps.Logger
	verify := NewStage(StageConfig{
		Name:        "verify",
		Parallelism: e.cfg.MaxConcurrentVerifications,
		Buffer:      e.cfg.StageBuffer,
		Logger:      logger,
	}, coord.Out(), st.verify,
		&reportSide{sink: e.deps.Reports, logger: e.logger},
		&eventSide{emitter: e.deps.Emitter, runID: e.cfg.RunID, clock: e.deps.Clock, logger: e.logger},
	)
	render := NewStage(StageConfig{
		Name:        "render",
		Parallelism: e.cfg.RenderParallelism,
		Buffer:      e.cfg.StageBuffer,
		Logger:      logger,
	}, verify.Out(), st.render)
	extract := NewStage(StageConfig{
		Name:        "extract",
		Parallelism: e.cfg.MaxConcurrentExtractions,
		Buffer:      e.cfg.StageBuffer,
		Logger:      logger,
	}, render.Out(), st.extract)
	ingest := NewStage(StageConfig{
		Name:        "ingest",
		Parallelism: 1,
		Logger:      logger,
	}, extract.Out(), st.ingest)

	// Cancel in-flight work as soon as the coordinator aborts the run.
	go func() {
		select {
		case <-coord.Done():
			if coord.Err() != nil {
				e.cancelRun()
			}
		case <-ctx.Done():
		}
	}()

	var g errgroup.Group
	g.Go(func() error { return coord.Run(ctx) })
	g.Go(func() error { return verify.Run(ctx) })
	g.Go(func() error { return render.Run(ctx) })
	g.Go(func() error { return extract.Run(ctx) })
	g.Go(func() error { return ingest.Run(ctx) })
	if err := g.Wait(); err != nil && !crawler.IsCanceled(err) && !errors.Is(err, ctx.Err()) {
		e.logger.Warn("pipeline shutdown reported errors", zap.Error(err))
	}

	switch {
	case coord.Err() != nil:
		e.finish(ctx, CmdMarkAsFaulted, start)
		return coord.Err()
	case coord.State() == coordinator.SignaledForShutdown:
		e.finish(ctx, CmdMarkAsRanToCompletion, start)
		return nil
	default:
		e.finish(ctx, CmdMarkAsCancelled, start)
		return fmt.Errorf("crawl cancelled: %w", context.Canceled)
	}
}

// finish stops the bot and marks the terminal state. The mark runs as the
// stop transition's action.
func (e *Engine) finish(ctx context.Context, mark BotCommand, start time.Time) {
	e.gate.Resume()
	e.bot.TryTransition(CmdStop, func() {
		e.bot.TryTransition(mark, nil)
	})
	e.publish(ctx, progress.Event{
		Kind:  progress.KindRunDone,
		State: e.bot.Current().String(),
		Dur:   e.deps.Clock.Now().Sub(start),
		URL:   e.cfg.Seed,
	})
}

// Pause holds new verifications until Resume.
func (e *Engine) Pause() error {
	if !e.bot.TryTransition(CmdPause, e.gate.Pause) {
		return fmt.Errorf("pause from %s: %w", e.bot.Current(), ErrInvalidState)
	}
	return nil
}

// Resume releases paused verifications.
func (e *Engine) Resume() error {
	if !e.bot.TryTransition(CmdResume, e.gate.Resume) {
		return fmt.Errorf("resume from %s: %w", e.bot.Current(), ErrInvalidState)
	}
	return nil
}

// Abort cancels a run that has not started yet.
func (e *Engine) Abort() error {
	ok := e.bot.TryTransition(CmdAbort, func() {
		e.bot.TryTransition(CmdStop, func() {
			e.bot.TryTransition(CmdMarkAsCancelled, nil)
		})
	})
	if !ok {
		return fmt.Errorf("abort from %s: %w", e.bot.Current(), ErrInvalidState)
	}
	return nil
}

// Cancel stops a running crawl, or aborts one that has not started.
func (e *Engine) Cancel() error {
	switch e.bot.Current() {
	case WaitingToRun:
		return e.Abort()
	case Running, Paused:
		e.cancelRun()
		e.gate.Resume()
		return nil
	default:
		return fmt.Errorf("cancel from %s: %w", e.bot.Current(), ErrInvalidState)
	}
}

// cancelRun cancels the active run. A request that arrives between the Run
// transition and the run installing its cancel func is applied on install.
func (e *Engine) cancelRun() {
	e.mu.Lock()
	cancel := e.cancel
	if cancel == nil {
		e.cancelPending = true
	}
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Status reports the bot, workflow and workload state.
func (e *Engine) Status() Status {
	st := Status{
		Bot:      e.bot.Current(),
		Paused:   e.gate.Paused(),
		PoolSize: e.deps.Renderers.Size(),
	}
	if coord := e.coordinator(); coord != nil {
		st.Workflow = coord.State()
		st.Workload = coord.Workload()
		st.Discovered = coord.Discovered()
		st.Queued = coord.Queued()
	}
	return st
}

func (e *Engine) coordinator() *coordinator.Coordinator {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.coord
}

func (e *Engine) publish(ctx context.Context, evt progress.Event) {
	evt.RunID = e.cfg.RunID
	evt.TS = e.deps.Clock.Now()
	if err := e.deps.Emitter.Publish(context.WithoutCancel(ctx), evt); err != nil {
		e.logger.Warn("publish event failed", zap.String("kind", string(evt.Kind)), zap.Error(err))
	}
}
