package fsm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AnEntrypoint/tasker-wrapped-services/internal/store"
)

func TestTaskRunMachine_QueuedToRunningToCompleted(t *testing.T) {
	ctx := context.Background()
	m := NewTaskRunMachine(store.TaskRunQueued)

	next, err := m.Fire(ctx, TaskTriggerStart)
	require.NoError(t, err)
	require.Equal(t, store.TaskRunRunning, next)

	next, err = m.Fire(ctx, TaskTriggerComplete)
	require.NoError(t, err)
	require.Equal(t, store.TaskRunCompleted, next)
}

func TestTaskRunMachine_SuspendAndResume(t *testing.T) {
	ctx := context.Background()
	m := NewTaskRunMachine(store.TaskRunRunning)

	next, err := m.Fire(ctx, TaskTriggerSuspend)
	require.NoError(t, err)
	require.Equal(t, store.TaskRunSuspended, next)

	next, err = m.Fire(ctx, TaskTriggerResume)
	require.NoError(t, err)
	require.Equal(t, store.TaskRunRunning, next)
}

func TestTaskRunMachine_FailFromSuspended(t *testing.T) {
	ctx := context.Background()
	m := NewTaskRunMachine(store.TaskRunSuspended)

	next, err := m.Fire(ctx, TaskTriggerFail)
	require.NoError(t, err)
	require.Equal(t, store.TaskRunFailed, next)
}

func TestTaskRunMachine_RejectsCompleteFromQueued(t *testing.T) {
	ctx := context.Background()
	m := NewTaskRunMachine(store.TaskRunQueued)

	_, err := m.Fire(ctx, TaskTriggerComplete)
	require.Error(t, err)
}

func TestTaskRunMachine_TerminalStatesRejectEverything(t *testing.T) {
	ctx := context.Background()
	for _, terminal := range []store.TaskRunStatus{store.TaskRunCompleted, store.TaskRunFailed} {
		m := NewTaskRunMachine(terminal)
		for _, trig := range []TaskRunTrigger{TaskTriggerStart, TaskTriggerSuspend, TaskTriggerResume, TaskTriggerComplete, TaskTriggerFail} {
			require.False(t, m.CanFire(ctx, trig), "terminal state %s should reject %s", terminal, trig)
		}
	}
}
