package scheduler

import (
	"context"
	"encoding/json"

	"github.com/AnEntrypoint/tasker-wrapped-services/internal/errs"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/fsm"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/sandbox"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/store"
)

// Resume implements the Resumption Path (C6, spec.md §4.6): after a
// child reaches a terminal state, locate its parent and, if the parent
// is still specifically waiting on this child, re-enter the Task
// Sandbox with the reconstructed replay log.
func (s *Scheduler) Resume(ctx context.Context, parentStackRunID, completedChildID int64) error {
	parent, err := s.store.StackRuns().Get(ctx, parentStackRunID)
	if err != nil {
		return errs.Wrap(errs.KindStorage, err, "failed to load parent stack run")
	}
	if parent.Status != store.StackRunSuspendedWaitingChild {
		return nil
	}
	if parent.WaitingOnStackRunID == nil || *parent.WaitingOnStackRunID != completedChildID {
		return nil
	}

	child, err := s.store.StackRuns().Get(ctx, completedChildID)
	if err != nil {
		return errs.Wrap(errs.KindStorage, err, "failed to load completed child stack run")
	}

	var childResult json.RawMessage
	switch child.Status {
	case store.StackRunCompleted:
		childResult = child.Result
	case store.StackRunFailed:
		childResult = child.Error
	default:
		// Not actually terminal; Resume was triggered prematurely.
		return nil
	}

	childTerminal := func() bool {
		return child.Status == store.StackRunCompleted || child.Status == store.StackRunFailed
	}
	if err := guardStackRun(ctx, parent.Status, fsm.TriggerResume, childTerminal); err != nil {
		return err.WithStep(parent.ID)
	}

	if err := s.store.StackRuns().MarkPendingResume(ctx, parent.ID, childResult); err != nil {
		return errs.Wrap(errs.KindStorage, err, "failed to mark parent pending_resume").WithStep(parent.ID)
	}
	parent.Status = store.StackRunPendingResume

	var replay []sandbox.Call
	if len(parent.VMState) > 0 {
		if err := json.Unmarshal(parent.VMState, &replay); err != nil {
			return errs.Wrap(errs.KindStorage, err, "failed to decode replay log").WithStep(parent.ID)
		}
	}
	replay = append(replay, sandbox.Call{
		ServiceName: child.ServiceName,
		MethodPath:  child.MethodName,
		Args:        child.Args,
		Result:      childResult,
	})

	if err := guardStackRun(ctx, parent.Status, fsm.TriggerDispatch, childTerminalNotApplicable); err != nil {
		return err.WithStep(parent.ID)
	}

	ok, err := s.store.StackRuns().ClaimProcessingFromPendingResume(ctx, parent.ID)
	if err != nil {
		return errs.Wrap(errs.KindStorage, err, "failed to claim pending_resume parent").WithStep(parent.ID)
	}
	if !ok {
		// Another worker already resumed it.
		return nil
	}
	parent.Status = store.StackRunProcessing

	// The chain lock, if parent's own original dispatch acquired one, was
	// never released across the suspend/resume cycle (spec.md §4.4's
	// asymmetric release policy) — re-derive the same bypass decision
	// parent's original Execute call made, since nothing has changed the
	// grandparent's waiting state in the meantime.
	bypassed, err := s.canBypass(ctx, parent)
	if err != nil {
		return errs.Wrap(errs.KindStorage, err, "bypass check failed on resume").WithStep(parent.ID)
	}

	if parent.ParentStackRunID == nil {
		task, err := s.store.TaskRuns().Get(ctx, parent.ParentTaskRunID)
		if err != nil {
			s.log.Warn(ctx, "scheduler: failed to load task run for resume guard", "task_run_id", parent.ParentTaskRunID, "error", err)
		} else if err := guardTaskRun(ctx, task.Status, fsm.TaskTriggerResume); err != nil {
			s.log.Warn(ctx, "scheduler: task run resume guard rejected transition", "task_run_id", parent.ParentTaskRunID, "error", err)
		} else if err := s.store.TaskRuns().MarkRunningFromSuspended(ctx, parent.ParentTaskRunID); err != nil {
			s.log.Warn(ctx, "scheduler: failed to mark task run running from suspended", "task_run_id", parent.ParentTaskRunID, "error", err)
		} else {
			s.refreshTaskCache(ctx, parent.ParentTaskRunID)
		}
	}

	return s.runStep(ctx, parent, replay, !bypassed)
}
