package scheduler

import (
	"context"
	"encoding/json"

	"github.com/AnEntrypoint/tasker-wrapped-services/internal/errs"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/store"
)

// CompleteExternally backs the internal Resume(stackRunId, result)
// ingress operation of spec.md §6: an endpoint whose completion is
// reported asynchronously (a webhook, a human approval callback)
// rather than returned synchronously from the Dispatcher's call.
// Exactly one of result/failure should be set.
func (s *Scheduler) CompleteExternally(ctx context.Context, stackRunID int64, result json.RawMessage, failure *errs.Error) error {
	step, err := s.store.StackRuns().Get(ctx, stackRunID)
	if err != nil {
		return errs.Wrap(errs.KindStorage, err, "failed to load stack run")
	}
	if step.Status != store.StackRunProcessing {
		// Stale or duplicate callback; the step already moved on.
		return nil
	}

	bypassed, err := s.canBypass(ctx, step)
	if err != nil {
		return errs.Wrap(errs.KindStorage, err, "bypass check failed").WithStep(step.ID)
	}

	if failure != nil {
		return s.completeFailed(ctx, step, failure, !bypassed)
	}
	return s.completeOK(ctx, step, result, !bypassed)
}
