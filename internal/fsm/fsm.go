// Package fsm implements a small guarded state machine driven by an explicit
// (state, command) -> state table. Illegal transitions are reported as a
// false return value rather than an error.
package fsm

import "sync"

// Transition keys the table: a command issued while in From.
type Transition[S, C comparable] struct {
	From    S
	Command C
}

// Table maps a (state, command) pair onto the resulting state.
type Table[S, C comparable] map[Transition[S, C]]S

// Observer is notified after a successful transition and before its action runs.
type Observer[S, C comparable] func(from, to S, cmd C)

// Option customizes a StateMachine.
type Option[S, C comparable] func(*StateMachine[S, C])

// WithObserver registers fn to be called on every successful transition.
func WithObserver[S, C comparable](fn Observer[S, C]) Option[S, C] {
	return func(m *StateMachine[S, C]) {
		m.observer = fn
	}
}

// StateMachine guards lifecycle transitions with a single mutex. It is safe
// for concurrent use.
type StateMachine[S, C comparable] struct {
	mu       sync.Mutex
	table    Table[S, C]
	current  S
	disposed bool
	observer Observer[S, C]
}

// New builds a StateMachine starting in initial. The table is copied so later
// mutation by the caller has no effect.
func New[S, C comparable](initial S, table Table[S, C], opts ...Option[S, C]) *StateMachine[S, C] {
	copied := make(Table[S, C], len(table))
	for k, v := range table {
		copied[k] = v
	}
	m := &StateMachine[S, C]{
		table:   copied,
		current: initial,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the state observed at call time.
func (m *StateMachine[S, C]) Current() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Can reports whether cmd is currently mapped to a target state.
func (m *StateMachine[S, C]) Can(cmd C) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return false
	}
	_, ok := m.table[Transition[S, C]{From: m.current, Command: cmd}]
	return ok
}

// TryTransition moves to the state mapped for (current, cmd) and then runs
// action outside the lock. It returns false, leaving the state untouched,
// when no mapping exists. A panicking action propagates to the caller and the
// machine stays in the new state.
func (m *StateMachine[S, C]) TryTransition(cmd C, action func()) bool {
	ok, _ := m.TryTransitionE(cmd, func() error {
		if action != nil {
			action()
		}
		return nil
	})
	return ok
}

// TryTransitionE is TryTransition for actions that can fail. The action error
// is returned as-is; the state is not rolled back. Callers needing rollback
// issue their own compensating command.
func (m *StateMachine[S, C]) TryTransitionE(cmd C, action func() error) (bool, error) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return false, nil
	}
	from := m.current
	to, ok := m.table[Transition[S, C]{From: from, Command: cmd}]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	m.current = to
	observer := m.observer
	m.mu.Unlock()

	if observer != nil {
		observer(from, to, cmd)
	}
	if action == nil {
		return true, nil
	}
	return true, action()
}

// Dispose releases the machine. Every later transition returns false.
func (m *StateMachine[S, C]) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disposed = true
	m.table = nil
}
