package fsm

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/AnEntrypoint/tasker-wrapped-services/internal/store"
)

type TaskRunTrigger string

const (
	TaskTriggerStart    TaskRunTrigger = "start"    // queued -> running
	TaskTriggerSuspend  TaskRunTrigger = "suspend"  // running -> suspended
	TaskTriggerResume   TaskRunTrigger = "resume"   // suspended -> running
	TaskTriggerComplete TaskRunTrigger = "complete" // running -> completed
	TaskTriggerFail     TaskRunTrigger = "fail"     // running|suspended -> failed
)

// TaskRunMachine mirrors StackRunMachine for the five TaskRun states of
// spec.md §3: queued, running, suspended, completed, failed.
type TaskRunMachine struct {
	current store.TaskRunStatus
	fsm     *stateless.StateMachine
}

func NewTaskRunMachine(current store.TaskRunStatus) *TaskRunMachine {
	m := &TaskRunMachine{current: current}
	m.fsm = stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) { return m.current, nil },
		func(_ context.Context, state stateless.State) error {
			m.current = state.(store.TaskRunStatus)
			return nil
		},
		stateless.FiringImmediate,
	)

	m.fsm.Configure(store.TaskRunQueued).
		Permit(string(TaskTriggerStart), store.TaskRunRunning)

	m.fsm.Configure(store.TaskRunRunning).
		Permit(string(TaskTriggerSuspend), store.TaskRunSuspended).
		Permit(string(TaskTriggerComplete), store.TaskRunCompleted).
		Permit(string(TaskTriggerFail), store.TaskRunFailed)

	m.fsm.Configure(store.TaskRunSuspended).
		Permit(string(TaskTriggerResume), store.TaskRunRunning).
		Permit(string(TaskTriggerFail), store.TaskRunFailed)

	m.fsm.Configure(store.TaskRunCompleted)
	m.fsm.Configure(store.TaskRunFailed)

	return m
}

func (m *TaskRunMachine) Fire(ctx context.Context, trigger TaskRunTrigger) (store.TaskRunStatus, error) {
	if err := m.fsm.FireCtx(ctx, string(trigger)); err != nil {
		return m.current, fmt.Errorf("invalid transition %s from %s: %w", trigger, m.current, err)
	}
	return m.current, nil
}

func (m *TaskRunMachine) CanFire(ctx context.Context, trigger TaskRunTrigger) bool {
	ok, _ := m.fsm.CanFireCtx(ctx, string(trigger))
	return ok
}
