package fsm

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type light string

type push string

const (
	off   light = "off"
	on    light = "on"
	blown light = "blown"

	toggle   push = "toggle"
	overload push = "overload"
	reset    push = "reset"
)

func newLight() *StateMachine[light, push] {
	return New(off, Table[light, push]{
		{From: off, Command: toggle}:  on,
		{From: on, Command: toggle}:   off,
		{From: on, Command: overload}: blown,
		{From: blown, Command: reset}: off,
	})
}

func TestTryTransitionFollowsTable(t *testing.T) {
	t.Parallel()

	m := newLight()
	require.True(t, m.TryTransition(toggle, nil))
	require.Equal(t, on, m.Current())
	require.True(t, m.TryTransition(overload, nil))
	require.Equal(t, blown, m.Current())
}

func TestTryTransitionUnmappedIsNoOp(t *testing.T) {
	t.Parallel()

	m := newLight()
	ran := false
	require.False(t, m.TryTransition(overload, func() { ran = true }))
	require.False(t, ran)
	require.Equal(t, off, m.Current())
	require.False(t, m.Can(reset))
	require.True(t, m.Can(toggle))
}

func TestStateUpdatedBeforeAction(t *testing.T) {
	t.Parallel()

	m := newLight()
	var seen light
	require.True(t, m.TryTransition(toggle, func() { seen = m.Current() }))
	require.Equal(t, on, seen)
}

func TestActionMayTransitionAgain(t *testing.T) {
	t.Parallel()

	m := newLight()
	require.True(t, m.TryTransition(toggle, func() {
		require.True(t, m.TryTransition(overload, nil))
	}))
	require.Equal(t, blown, m.Current())
}

func TestActionErrorKeepsNewState(t *testing.T) {
	t.Parallel()

	m := newLight()
	boom := errors.New("boom")
	ok, err := m.TryTransitionE(toggle, func() error { return boom })
	require.True(t, ok)
	require.ErrorIs(t, err, boom)
	require.Equal(t, on, m.Current())

	// Rollback is the caller's job.
	require.True(t, m.TryTransition(toggle, nil))
	require.Equal(t, off, m.Current())
}

func TestActionPanicPropagates(t *testing.T) {
	t.Parallel()

	m := newLight()
	require.Panics(t, func() {
		m.TryTransition(toggle, func() { panic("fail") })
	})
	require.Equal(t, on, m.Current())
	// The lock must have been released before the action ran.
	require.True(t, m.TryTransition(toggle, nil))
}

func TestObserverSeesTransitions(t *testing.T) {
	t.Parallel()

	var got []light
	m := New(off, Table[light, push]{
		{From: off, Command: toggle}: on,
	}, WithObserver(func(from, to light, cmd push) {
		require.Equal(t, toggle, cmd)
		got = append(got, from, to)
	}))
	require.True(t, m.TryTransition(toggle, nil))
	require.False(t, m.TryTransition(toggle, nil))
	require.Equal(t, []light{off, on}, got)
}

func TestDisposeBlocksTransitions(t *testing.T) {
	t.Parallel()

	m := newLight()
	m.Dispose()
	require.False(t, m.TryTransition(toggle, nil))
	require.False(t, m.Can(toggle))
	require.Equal(t, off, m.Current())
}

func TestTableCopiedAtConstruction(t *testing.T) {
	t.Parallel()

	table := Table[light, push]{{From: off, Command: toggle}: on}
	m := New(off, table)
	delete(table, Transition[light, push]{From: off, Command: toggle})
	require.True(t, m.TryTransition(toggle, nil))
}

func TestOnlyOneConcurrentWinner(t *testing.T) {
	t.Parallel()

	m := New(off, Table[light, push]{{From: off, Command: toggle}: on})
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.TryTransition(toggle, nil) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}
