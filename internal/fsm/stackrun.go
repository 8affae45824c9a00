// Package fsm is the Durable State Machine named, but never separately
// specced, in spec.md §1 ("tying the two [task runs and stack runs]
// together and defining failure, recovery, and ordering semantics").
// SPEC_FULL.md §4.9 makes it a first-class module: every status
// transition on a TaskRun or StackRun is guard-checked here before the
// Scheduler/Capture/Resumption components persist it, so an invariant
// violation is a guard failure caught pre-write rather than a corrupt row
// discovered later.
//
// Grounded on the teacher's own use of github.com/qmuntal/stateless for
// workflow-instance lifecycles (internal/engine/orchestrator/orchestrator.go,
// playground/fsm/neo-tempolite/new_runtime.go), generalized from
// workflow-instance states to the StackRun/TaskRun states of spec.md §3.
package fsm

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/AnEntrypoint/tasker-wrapped-services/internal/store"
)

type StackRunTrigger string

const (
	TriggerDispatch StackRunTrigger = "dispatch" // pending -> processing
	TriggerComplete StackRunTrigger = "complete"
	TriggerFail     StackRunTrigger = "fail"
	TriggerSuspend  StackRunTrigger = "suspend" // -> suspended_waiting_child
	TriggerResume   StackRunTrigger = "resume"  // suspended_waiting_child -> pending_resume
)

// StackRunMachine validates a single StackRun's transitions against the
// invariants of spec.md §3. It holds no store handle — callers pass the
// current status in, get the validated next status out, and persist it
// themselves; this keeps the FSM pure and trivially unit-testable.
type StackRunMachine struct {
	current store.StackRunStatus
	fsm     *stateless.StateMachine
}

// NewStackRunMachine builds a machine seeded at current, with
// childTerminal reporting whether the step's awaited child (if any) has
// reached a terminal state — the guard behind the "no step transitions out
// of suspended_waiting_child before its child is terminal" invariant.
func NewStackRunMachine(current store.StackRunStatus, childTerminal func() bool) *StackRunMachine {
	m := &StackRunMachine{current: current}
	m.fsm = stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) { return m.current, nil },
		func(_ context.Context, state stateless.State) error {
			m.current = state.(store.StackRunStatus)
			return nil
		},
		stateless.FiringImmediate,
	)

	m.fsm.Configure(store.StackRunPending).
		Permit(string(TriggerDispatch), store.StackRunProcessing)

	m.fsm.Configure(store.StackRunProcessing).
		Permit(string(TriggerComplete), store.StackRunCompleted).
		Permit(string(TriggerFail), store.StackRunFailed).
		Permit(string(TriggerSuspend), store.StackRunSuspendedWaitingChild)

	m.fsm.Configure(store.StackRunSuspendedWaitingChild).
		Permit(string(TriggerResume), store.StackRunPendingResume,
			func(_ context.Context, _ ...any) bool { return childTerminal() })

	m.fsm.Configure(store.StackRunPendingResume).
		Permit(string(TriggerDispatch), store.StackRunProcessing).
		Permit(string(TriggerComplete), store.StackRunCompleted).
		Permit(string(TriggerFail), store.StackRunFailed).
		Permit(string(TriggerSuspend), store.StackRunSuspendedWaitingChild)

	m.fsm.Configure(store.StackRunCompleted)
	m.fsm.Configure(store.StackRunFailed)

	return m
}

// Fire validates trigger against the current state and, on success,
// returns the new status without mutating any persisted row — the caller
// still owns the actual store write (usually a conditional UPDATE that
// re-enforces the same guard at the SQL layer).
func (m *StackRunMachine) Fire(ctx context.Context, trigger StackRunTrigger) (store.StackRunStatus, error) {
	if err := m.fsm.FireCtx(ctx, string(trigger)); err != nil {
		return m.current, fmt.Errorf("invalid transition %s from %s: %w", trigger, m.current, err)
	}
	return m.current, nil
}

// CanFire reports whether trigger is legal from the current state without
// attempting the transition.
func (m *StackRunMachine) CanFire(ctx context.Context, trigger StackRunTrigger) bool {
	ok, _ := m.fsm.CanFireCtx(ctx, string(trigger))
	return ok
}
