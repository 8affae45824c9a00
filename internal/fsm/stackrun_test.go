package fsm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AnEntrypoint/tasker-wrapped-services/internal/store"
)

func TestStackRunMachine_DispatchCompleteHappyPath(t *testing.T) {
	ctx := context.Background()
	m := NewStackRunMachine(store.StackRunPending, func() bool { return true })

	next, err := m.Fire(ctx, TriggerDispatch)
	require.NoError(t, err)
	require.Equal(t, store.StackRunProcessing, next)

	next, err = m.Fire(ctx, TriggerComplete)
	require.NoError(t, err)
	require.Equal(t, store.StackRunCompleted, next)
}

func TestStackRunMachine_RejectsCompleteFromPending(t *testing.T) {
	ctx := context.Background()
	m := NewStackRunMachine(store.StackRunPending, func() bool { return true })

	_, err := m.Fire(ctx, TriggerComplete)
	require.Error(t, err)
}

func TestStackRunMachine_SuspendThenResumeRequiresChildTerminal(t *testing.T) {
	ctx := context.Background()
	childDone := false
	m := NewStackRunMachine(store.StackRunProcessing, func() bool { return childDone })

	_, err := m.Fire(ctx, TriggerSuspend)
	require.NoError(t, err)
	require.False(t, m.CanFire(ctx, TriggerResume))

	childDone = true
	require.True(t, m.CanFire(ctx, TriggerResume))

	next, err := m.Fire(ctx, TriggerResume)
	require.NoError(t, err)
	require.Equal(t, store.StackRunPendingResume, next)
}

func TestStackRunMachine_PendingResumeCanReDispatch(t *testing.T) {
	ctx := context.Background()
	m := NewStackRunMachine(store.StackRunPendingResume, func() bool { return true })

	next, err := m.Fire(ctx, TriggerDispatch)
	require.NoError(t, err)
	require.Equal(t, store.StackRunProcessing, next)
}

func TestStackRunMachine_TerminalStatesRejectEverything(t *testing.T) {
	ctx := context.Background()
	for _, terminal := range []store.StackRunStatus{store.StackRunCompleted, store.StackRunFailed} {
		m := NewStackRunMachine(terminal, func() bool { return true })
		for _, trig := range []StackRunTrigger{TriggerDispatch, TriggerComplete, TriggerFail, TriggerSuspend, TriggerResume} {
			require.False(t, m.CanFire(ctx, trig), "terminal state %s should reject %s", terminal, trig)
		}
	}
}
