package scheduler

import (
	"context"
)

// runCompensations implements the SUPPLEMENTED saga compensation
// feature of SPEC_FULL.md: when a chain's root step terminates with
// failure, every earlier completed sibling carrying a
// CompensationMethodPath is compensated in reverse created_at order,
// grounded on the teacher's own reverse-order compensation pool
// (tempolite_pool_saga_compensation.go). A compensation call failing
// does not stop the sweep of the remaining compensations — each is
// independent, and the chain is failed either way; it is only logged.
func (s *Scheduler) runCompensations(ctx context.Context, taskRunID int64) {
	steps, err := s.store.StackRuns().ListCompensatable(ctx, taskRunID)
	if err != nil {
		s.log.Warn(ctx, "scheduler: failed to list compensatable steps", "task_run_id", taskRunID, "error", err)
		return
	}
	for _, step := range steps {
		outcome := s.dispatcher.Compensate(ctx, step.ID, step.ServiceName, *step.CompensationMethodPath, step.Args)
		if outcome.Failed != nil {
			s.log.Warn(ctx, "scheduler: compensation call failed", "stack_run_id", step.ID, "error", outcome.Failed)
			continue
		}
		s.log.Info(ctx, "scheduler: compensation applied", "stack_run_id", step.ID)
	}
}
