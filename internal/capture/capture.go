// Package capture implements Continuation Capture (C4, spec.md §4.2):
// on a Suspended outcome from the Dispatcher, it durably records the
// awaited child StackRun and the parent's waiting state.
//
// New code — no example repo carries this exact operation — but it
// follows the teacher's preference for small, sequential, explicitly
// ordered persistence steps over a single do-everything transaction
// (see tempolite_scheduler.go's retry-via-new-row pattern), matching
// spec.md §4.2's requirement that steps 1-2 merely be *ordered*, not
// necessarily atomic.
package capture

import (
	"context"
	"encoding/json"

	"github.com/AnEntrypoint/tasker-wrapped-services/internal/errs"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/fsm"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/sandbox"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/store"
)

type Capture struct {
	stackRuns store.StackRunStore
	taskRuns  store.TaskRunStore
}

func New(stackRuns store.StackRunStore, taskRuns store.TaskRunStore) *Capture {
	return &Capture{stackRuns: stackRuns, taskRuns: taskRuns}
}

// Apply records sus as a new child of the suspending step parent, and
// marks parent suspended_waiting_child with the accumulated replay log.
// replayLog is the ordered list of external results this execution had
// already consumed before hitting sus — capture appends nothing to it;
// the next call's result is not yet known.
func (c *Capture) Apply(ctx context.Context, parent *store.StackRun, sus *sandbox.Suspension, replayLog []sandbox.Call) error {
	child := &store.StackRun{
		ParentTaskRunID:        parent.ParentTaskRunID,
		ParentStackRunID:       &parent.ID,
		ServiceName:            sus.ServiceName,
		MethodName:             sus.MethodPath,
		Args:                   sus.Args,
		CompensationMethodPath: sus.CompensationMethodPath,
		Status:                 store.StackRunPending,
	}
	created, err := c.stackRuns.Create(ctx, child)
	if err != nil {
		return errs.Wrap(errs.KindStorage, err, "failed to create awaited child stack run").WithStep(parent.ID)
	}

	vmState, err := json.Marshal(replayLog)
	if err != nil {
		return errs.Wrap(errs.KindStorage, err, "failed to encode replay log").WithStep(parent.ID)
	}

	if err := c.stackRuns.MarkSuspendedWaitingChild(ctx, parent.ID, vmState, created.ID); err != nil {
		return errs.Wrap(errs.KindStorage, err, "failed to mark parent suspended").WithStep(parent.ID)
	}

	if parent.ParentStackRunID == nil {
		task, err := c.taskRuns.Get(ctx, parent.ParentTaskRunID)
		if err != nil {
			return errs.Wrap(errs.KindStorage, err, "failed to load task run for suspend guard").WithStep(parent.ID)
		}
		m := fsm.NewTaskRunMachine(task.Status)
		if _, err := m.Fire(ctx, fsm.TaskTriggerSuspend); err != nil {
			return errs.Wrap(errs.KindStorage, err, "invalid task run transition").WithStep(parent.ID)
		}
		if err := c.taskRuns.MarkSuspended(ctx, parent.ParentTaskRunID, parent.ID); err != nil {
			return errs.Wrap(errs.KindStorage, err, "failed to mark task run suspended").WithStep(parent.ID)
		}
	}

	return nil
}
