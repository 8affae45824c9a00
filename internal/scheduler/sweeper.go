package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AnEntrypoint/tasker-wrapped-services/internal/errs"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/fsm"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/store"
)

// SweepResult reports what one Sweep pass reclaimed, for operator
// visibility. The ProcessNext route does not return it; the CLI's
// sweep command reports only that the sweep was triggered.
type SweepResult struct {
	StaleLocksDeleted int
	StaleStepsFailed  int
}

// Sweep implements the Lock & Recovery Sweeper (C7, spec.md §4.7): it
// runs on every external trigger, never on a timer, reclaiming stale
// TaskLock rows and failing StackRuns stuck in processing past the
// configured threshold. It is the sole mechanism by which crashed
// workers are recovered.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	// The two passes read and write disjoint tables (TaskLock vs
	// StackRun) and neither's cutoff depends on the other's result, so
	// they run concurrently via errgroup rather than back to back.
	lockCutoff := time.Now().UTC().Add(-s.cfg.LockStale)
	stepCutoff := time.Now().UTC().Add(-s.cfg.StepStale)

	var locksDeleted int
	var stale []*store.StackRun
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := s.store.Locks().DeleteStale(gctx, lockCutoff)
		if err != nil {
			return errs.Wrap(errs.KindStorage, err, "failed to delete stale locks")
		}
		locksDeleted = n
		return nil
	})
	g.Go(func() error {
		found, err := s.store.StackRuns().ListStaleProcessing(gctx, stepCutoff)
		if err != nil {
			return errs.Wrap(errs.KindStorage, err, "failed to list stale processing steps")
		}
		stale = found
		return nil
	})
	if err := g.Wait(); err != nil {
		return res, err
	}
	res.StaleLocksDeleted = locksDeleted

	for _, step := range stale {
		timeoutErr := errs.New(errs.KindTimeout, "step stuck in processing past staleness threshold").WithStep(step.ID)
		errJSON, _ := json.Marshal(timeoutErr)
		if err := guardStackRun(ctx, step.Status, fsm.TriggerFail, childTerminalNotApplicable); err != nil {
			s.log.Warn(ctx, "sweeper: stale step fail guard rejected transition", "stack_run_id", step.ID, "error", err)
			continue
		}
		if err := s.store.StackRuns().MarkFailed(ctx, step.ID, errJSON); err != nil {
			s.log.Warn(ctx, "sweeper: failed to mark stale step failed", "stack_run_id", step.ID, "error", err)
			continue
		}
		if step.ParentStackRunID == nil {
			if task, err := s.store.TaskRuns().Get(ctx, step.ParentTaskRunID); err != nil {
				s.log.Warn(ctx, "sweeper: failed to load task run for fail guard", "task_run_id", step.ParentTaskRunID, "error", err)
			} else if err := guardTaskRun(ctx, task.Status, fsm.TaskTriggerFail); err != nil {
				s.log.Warn(ctx, "sweeper: task run fail guard rejected transition", "task_run_id", step.ParentTaskRunID, "error", err)
			} else {
				s.runCompensations(ctx, step.ParentTaskRunID)
				if err := s.store.TaskRuns().MarkFailed(ctx, step.ParentTaskRunID, errJSON); err != nil {
					s.log.Warn(ctx, "sweeper: failed to mark task run failed", "task_run_id", step.ParentTaskRunID, "error", err)
				} else {
					s.refreshTaskCache(ctx, step.ParentTaskRunID)
				}
			}
		} else if err := s.Resume(ctx, *step.ParentStackRunID, step.ID); err != nil {
			s.log.Warn(ctx, "sweeper: resumption after stale step failure failed", "parent_stack_run_id", *step.ParentStackRunID, "error", err)
		}
		res.StaleStepsFailed++
	}

	if res.StaleStepsFailed > 0 {
		s.cascade.Trigger()
	}
	return res, nil
}
