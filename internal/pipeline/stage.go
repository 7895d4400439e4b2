package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkcheck-crawler/internal/fsm"
	"github.com/JakeFAU/linkcheck-crawler/internal/metrics"
)

// ErrInvalidState is returned when a lifecycle operation is not allowed in the
// current state.
var ErrInvalidState = errors.New("invalid state for operation")

// StageState tracks a stage's shutdown ordering.
type StageState int

// Stage states.
const (
	StageAccepting StageState = iota
	StageDraining
	StageCompleted
)

// String implements fmt.Stringer.
func (s StageState) String() string {
	switch s {
	case StageAccepting:
		return "Accepting"
	case StageDraining:
		return "Draining"
	case StageCompleted:
		return "Completed"
	default:
		return "Unknown"
	}
}

type stageCommand int

const (
	stageDrain stageCommand = iota
	stageComplete
)

var stageTable = fsm.Table[StageState, stageCommand]{
	{From: StageAccepting, Command: stageDrain}:   StageDraining,
	{From: StageDraining, Command: stageComplete}: StageCompleted,
}

// Transform converts one input into an optional output.
type Transform[In, Out any] func(ctx context.Context, in In) Option[Out]

// SideOutput sees every item a stage processes, whether or not the primary
// output produced a value. Complete is called once after the stage drained.
type SideOutput[In, Out any] interface {
	Offer(ctx context.Context, in In, out Option[Out])
	Complete(ctx context.Context) error
}

// StageConfig sizes a stage.
type StageConfig struct {
	Name        string
	Parallelism int
	// Buffer is the capacity of the outbound channel.
	Buffer int
	Logger *zap.Logger
}

// Stage runs a fixed set of workers over one inbound channel. A worker takes
// a new item only after finishing the previous one, and blocks on a full
// outbound channel, so worker slots are the only flow control. The stage
// finishes when its inbound channel is closed and drained; it then closes its
// outbound channel and completes its side outputs.
type Stage[In, Out any] struct {
	name        string
	parallelism int
	in          <-chan In
	out         chan Out
	transform   Transform[In, Out]
	sides       []SideOutput[In, Out]
	state       *fsm.StateMachine[StageState, stageCommand]
	logger      *zap.Logger
}

// NewStage wires a stage to its inbound channel.
func NewStage[In, Out any](
	cfg StageConfig,
	in <-chan In,
	transform Transform[In, Out],
	sides ...SideOutput[In, Out],
) *Stage[In, Out] {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("stage").With(zap.String("stage", cfg.Name))
	state := fsm.New(StageAccepting, stageTable, fsm.WithObserver(func(_, to StageState, _ stageCommand) {
		logger.Debug("stage transition", zap.Stringer("state", to))
	}))
	return &Stage[In, Out]{
		name:        cfg.Name,
		parallelism: cfg.Parallelism,
		in:          in,
		out:         make(chan Out, cfg.Buffer),
		transform:   transform,
		sides:       sides,
		state:       state,
		logger:      logger,
	}
}

// Name returns the stage name.
func (s *Stage[In, Out]) Name() string {
	return s.name
}

// Out is the primary outbound channel.
func (s *Stage[In, Out]) Out() <-chan Out {
	return s.out
}

// State returns the stage lifecycle state.
func (s *Stage[In, Out]) State() StageState {
	return s.state.Current()
}

// Run processes items until the inbound channel is closed and drained. It
// returns the side output completion failures, if any. ctx is handed to the
// transform and side outputs; cancellation is expected to make transforms
// return quickly rather than stop the drain.
func (s *Stage[In, Out]) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for range s.parallelism {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.work(ctx)
		}()
	}
	wg.Wait()

	if !s.state.TryTransition(stageDrain, nil) {
		return fmt.Errorf("stage %s: %w", s.name, ErrInvalidState)
	}
	close(s.out)

	var errs error
	for _, side := range s.sides {
		if err := completeSide(ctx, side); err != nil {
			s.logger.Error("side output completion failed", zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	s.state.TryTransition(stageComplete, nil)
	s.logger.Debug("stage completed")
	if errs != nil {
		return fmt.Errorf("stage %s: %w", s.name, errs)
	}
	return nil
}

func (s *Stage[In, Out]) work(ctx context.Context) {
	for in := range s.in {
		out := s.transform(ctx, in)
		for _, side := range s.sides {
			side.Offer(ctx, in, out)
		}
		v, ok := out.Get()
		if !ok {
			metrics.ObserveStageItem(s.name, "discarded")
			continue
		}
		s.out <- v
		metrics.ObserveStageItem(s.name, "forwarded")
	}
}

// completeSide converts a panicking side output into an error so one faulty
// side cannot stop the others from completing.
func completeSide[In, Out any](ctx context.Context, side SideOutput[In, Out]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("side output panicked: %v", r)
		}
	}()
	return side.Complete(ctx)
}
