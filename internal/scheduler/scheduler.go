// Package scheduler implements the Stack Run Scheduler (C5, spec.md
// §4.4), the Resumption Path (C6, §4.6), and the Lock & Recovery
// Sweeper (C7, §4.7) — the three components that drive the fabric
// forward once a task has been submitted.
//
// Grounded on the teacher's per-kind scheduler-loop shape
// (tempolite_scheduler.go: poll pending rows ordered by created_at,
// dispatch into a pool, interpret completion/failure back onto the
// row) and its TaskPool/TaskWorker split (tempolite_worker.go), scaled
// from per-entity-kind loops to the single StackRun queue spec.md §4.4
// describes, and generalized from a background polling loop to the
// externally-triggered, no-timer model §4.7 and §5 require.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/davidroman0O/retrypool"
	"github.com/sethvargo/go-retry"

	"github.com/AnEntrypoint/tasker-wrapped-services/internal/cache"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/capture"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/dispatcher"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/errs"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/fsm"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/logger"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/registry"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/sandbox"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/store"
)

// guardStackRun validates trigger against current through the Durable
// State Machine (spec.md §4.9) before the caller issues the
// corresponding store write — a pure in-memory invariant check, not a
// substitute for the store's own conditional UPDATE. current must be
// the step's actually-fetched status, not an assumption of what the
// caller expects it to be. childTerminal is only consulted by the
// fsm.TriggerResume permit; every other trigger never evaluates it, so
// call sites for those triggers may pass a stub.
func guardStackRun(ctx context.Context, current store.StackRunStatus, trigger fsm.StackRunTrigger, childTerminal func() bool) *errs.Error {
	m := fsm.NewStackRunMachine(current, childTerminal)
	if _, err := m.Fire(ctx, trigger); err != nil {
		return errs.Wrap(errs.KindStorage, err, "invalid stack run transition")
	}
	return nil
}

// childTerminalNotApplicable is passed to guardStackRun at call sites
// whose trigger is not fsm.TriggerResume, where the FSM never consults
// childTerminal in the first place.
func childTerminalNotApplicable() bool { return true }

// guardTaskRun is guardStackRun's sibling for the TaskRun side of the
// same Durable State Machine (spec.md §4.9).
func guardTaskRun(ctx context.Context, current store.TaskRunStatus, trigger fsm.TaskRunTrigger) *errs.Error {
	m := fsm.NewTaskRunMachine(current)
	if _, err := m.Fire(ctx, trigger); err != nil {
		return errs.Wrap(errs.KindStorage, err, "invalid task run transition")
	}
	return nil
}

// Config holds the timing and concurrency knobs spec.md §5/§4.7 require
// to be configurable.
type Config struct {
	PoolSize       int
	RetryAttempts  uint64
	RetryDelayLock time.Duration
	LockStale      time.Duration
	StepStale      time.Duration
	SelectionBatch int
}

// DefaultConfig matches spec.md §4.7/§5's stated defaults.
func DefaultConfig() Config {
	return Config{
		PoolSize:       10,
		RetryAttempts:  3,
		RetryDelayLock: 100 * time.Millisecond,
		LockStale:      5 * time.Minute,
		StepStale:      2 * time.Minute,
		SelectionBatch: 32,
	}
}

// Cascade fires the best-effort self-trigger HTTP call described in
// spec.md §4.4. Implementations must not block the caller; a no-op
// Cascade is valid for single-process or test deployments.
type Cascade interface {
	Trigger()
}

type noopCascade struct{}

func (noopCascade) Trigger() {}

// Scheduler ties the Durable Store, Dispatcher, Continuation Capture,
// and Task registry together into the drive loop.
type Scheduler struct {
	store      store.Store
	dispatcher *dispatcher.Dispatcher
	capture    *capture.Capture
	registry   *registry.Registry
	cfg        Config
	log        logger.Logger
	cascade    Cascade
	cache      *cache.Cache

	pool *retrypool.Pool[*store.StackRun]
}

// New wires the Scheduler. cache is optional (nil is valid, e.g. for
// tests that never poll Status through ingress) — when set, every
// TaskRun status write the Scheduler makes refreshes the corresponding
// cache entry so ingress's Status() never serves a stale snapshot.
func New(ctx context.Context, st store.Store, disp *dispatcher.Dispatcher, capt *capture.Capture, reg *registry.Registry, cfg Config, log logger.Logger, cascade Cascade, c *cache.Cache) *Scheduler {
	if log == nil {
		log = logger.Noop()
	}
	if cascade == nil {
		cascade = noopCascade{}
	}
	s := &Scheduler{store: st, dispatcher: disp, capture: capt, registry: reg, cfg: cfg, log: log, cascade: cascade, cache: c}

	size := cfg.PoolSize
	if size <= 0 {
		size = 1
	}
	workers := make([]retrypool.Worker[*store.StackRun], size)
	for i := 0; i < size; i++ {
		workers[i] = &stepWorker{id: i, s: s}
	}
	opts := []retrypool.Option[*store.StackRun]{
		retrypool.WithOnTaskFailure[*store.StackRun](s.onPoolTaskFailure),
		retrypool.WithPanicHandler[*store.StackRun](s.onPoolPanic),
	}
	s.pool = retrypool.New(ctx, workers, opts...)
	return s
}

func (s *Scheduler) onPoolTaskFailure(_ retrypool.WorkerController[*store.StackRun], _ int, _ retrypool.Worker[*store.StackRun], _ *store.StackRun, _ int, _ time.Duration, _ time.Duration, _ time.Duration, _ time.Time, _ map[int]bool, _ []error, _ []time.Duration, _ []time.Time, _ []time.Time, err error) retrypool.DeadTaskAction {
	s.log.Warn(context.Background(), "scheduler: step execution returned an error", "error", err)
	return retrypool.DeadTaskActionAddToDeadTasks
}

func (s *Scheduler) onPoolPanic(task *store.StackRun, v interface{}, stackTrace string) {
	id := int64(0)
	if task != nil {
		id = task.ID
	}
	s.log.Error(context.Background(), "scheduler: worker panicked", "stack_run_id", id, "panic", v)
}

// stepWorker adapts Execute to the retrypool.Worker contract, mirroring
// the teacher's TaskWorker.
type stepWorker struct {
	id int
	s  *Scheduler
}

func (w *stepWorker) Run(ctx context.Context, candidate *store.StackRun) error {
	return w.s.Execute(ctx, candidate)
}

// Tick is the externally-triggered entry point: select ready
// candidates and dispatch each into the pool. There is no internal
// timer — callers (the HTTP cascade handler, a CLI command, a test)
// decide when to call Tick.
func (s *Scheduler) Tick(ctx context.Context) error {
	candidates, err := s.SelectReady(ctx, s.batchSize())
	if err != nil {
		return err
	}
	for _, c := range candidates {
		if err := s.pool.Submit(c); err != nil {
			s.log.Warn(ctx, "scheduler: dispatch into pool failed", "stack_run_id", c.ID, "error", err)
		}
	}
	return nil
}

// TriggerCascade fires the configured Cascade directly, for callers
// (ingress's Submit handler) that need to kick off processing without
// going through a step completion.
func (s *Scheduler) TriggerCascade() {
	s.cascade.Trigger()
}

// refreshTaskCache re-reads taskRunID and puts the current snapshot
// into the read cache, invalidating whatever was there — the
// counterpart to every TaskRun status write the Scheduler makes, so a
// poller's Status() call never serves a snapshot from before the
// write it's racing against. A no-op when no cache was configured.
func (s *Scheduler) refreshTaskCache(ctx context.Context, taskRunID int64) {
	if s.cache == nil {
		return
	}
	task, err := s.store.TaskRuns().Get(ctx, taskRunID)
	if err != nil {
		s.log.Warn(ctx, "scheduler: failed to refresh task status cache", "task_run_id", taskRunID, "error", err)
		return
	}
	if err := s.cache.Put(task); err != nil {
		s.log.Warn(ctx, "scheduler: failed to write task status cache", "task_run_id", taskRunID, "error", err)
	}
}

func (s *Scheduler) batchSize() int {
	if s.cfg.SelectionBatch <= 0 {
		return 32
	}
	return s.cfg.SelectionBatch
}

// SelectReady implements the selection algorithm of spec.md §4.4,
// refined per §4.5's dependency-ordering note: a candidate that is not
// the oldest pending sibling in its chain is still ready if its parent
// is specifically awaiting it (waiting_on_stack_run_id override),
// avoiding head-of-line blocking on unrelated subtrees.
func (s *Scheduler) SelectReady(ctx context.Context, limit int) ([]*store.StackRun, error) {
	pending, err := s.store.StackRuns().ListPendingOrdered(ctx, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, err, "failed to list pending stack runs")
	}

	ready := make([]*store.StackRun, 0, len(pending))
	for _, c := range pending {
		ok, err := s.isReady(ctx, c)
		if err != nil {
			s.log.Warn(ctx, "scheduler: readiness check failed", "stack_run_id", c.ID, "error", err)
			continue
		}
		if ok {
			ready = append(ready, c)
		}
	}
	return ready, nil
}

func (s *Scheduler) isReady(ctx context.Context, c *store.StackRun) (bool, error) {
	n, err := s.store.StackRuns().CountOlderPendingSiblings(ctx, c.ParentTaskRunID, c.CreatedAt)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return true, nil
	}
	if c.ParentStackRunID == nil {
		return false, nil
	}
	parent, err := s.store.StackRuns().Get(ctx, *c.ParentStackRunID)
	if err != nil {
		return false, err
	}
	if parent.Status == store.StackRunSuspendedWaitingChild &&
		parent.WaitingOnStackRunID != nil && *parent.WaitingOnStackRunID == c.ID {
		return true, nil
	}
	return false, nil
}

// canBypass implements the bypass rule of spec.md §4.4.
func (s *Scheduler) canBypass(ctx context.Context, c *store.StackRun) (bool, error) {
	if c.ParentStackRunID == nil {
		return false, nil
	}
	parent, err := s.store.StackRuns().Get(ctx, *c.ParentStackRunID)
	if err != nil {
		return false, err
	}
	switch {
	case parent.Status == store.StackRunCompleted:
		return true, nil
	case parent.Status == store.StackRunSuspendedWaitingChild && parent.WaitingOnStackRunID != nil && *parent.WaitingOnStackRunID == c.ID:
		return true, nil
	case parent.Status == store.StackRunSuspendedWaitingChild && parent.WaitingOnStackRunID != nil && *parent.WaitingOnStackRunID != c.ID:
		return true, nil
	default:
		return false, nil
	}
}

// acquireLock attempts the TaskLock insert with the bounded linear
// backoff of spec.md §5: RetryAttempts tries in all, the n-th retry
// waiting n * RetryDelayLock.
func (s *Scheduler) acquireLock(ctx context.Context, taskRunID int64, lockedBy string) error {
	var retries uint64
	if s.cfg.RetryAttempts > 0 {
		retries = s.cfg.RetryAttempts - 1
	}
	var attempt int64
	linear := retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return time.Duration(attempt) * s.cfg.RetryDelayLock, false
	})
	backoff := retry.WithMaxRetries(retries, linear)
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.store.Locks().Insert(ctx, taskRunID, lockedBy)
		if err == nil {
			return nil
		}
		if err == store.ErrAlreadyExists {
			return retry.RetryableError(errs.LockContended())
		}
		return err
	})
}

// Execute runs the claim -> dispatch -> interpret sequence of spec.md
// §4.4 for one candidate. A lock-contended or lost-race outcome is not
// an error; the candidate is simply deferred to a future Tick.
func (s *Scheduler) Execute(ctx context.Context, candidate *store.StackRun) error {
	bypassed, err := s.canBypass(ctx, candidate)
	if err != nil {
		return errs.Wrap(errs.KindStorage, err, "bypass check failed").WithStep(candidate.ID)
	}

	if !bypassed {
		if err := s.acquireLock(ctx, candidate.ParentTaskRunID, fmt.Sprintf("stack_run:%d", candidate.ID)); err != nil {
			if errs.ErrLockContended(err) {
				return nil
			}
			return errs.Wrap(errs.KindStorage, err, "lock acquisition failed").WithStep(candidate.ID)
		}
	}

	if err := guardStackRun(ctx, candidate.Status, fsm.TriggerDispatch, childTerminalNotApplicable); err != nil {
		if !bypassed {
			_ = s.store.Locks().Delete(ctx, candidate.ParentTaskRunID)
		}
		return err.WithStep(candidate.ID)
	}

	ok, err := s.store.StackRuns().ClaimProcessing(ctx, candidate.ID)
	if err != nil {
		if !bypassed {
			_ = s.store.Locks().Delete(ctx, candidate.ParentTaskRunID)
		}
		return errs.Wrap(errs.KindStorage, err, "claim failed").WithStep(candidate.ID)
	}
	if !ok {
		if !bypassed {
			_ = s.store.Locks().Delete(ctx, candidate.ParentTaskRunID)
		}
		return nil
	}
	candidate.Status = store.StackRunProcessing

	if candidate.ParentStackRunID == nil {
		// MarkRunning's own conditional UPDATE (WHERE status = 'queued')
		// is the only guard here: no FSM guard is consulted, and the call
		// is a no-op when the task run has already left queued. Resumed
		// root steps never reach this branch; Resume re-enters them
		// through runStep directly.
		if err := s.store.TaskRuns().MarkRunning(ctx, candidate.ParentTaskRunID); err != nil {
			s.log.Warn(ctx, "scheduler: failed to mark task run running", "task_run_id", candidate.ParentTaskRunID, "error", err)
		}
		s.refreshTaskCache(ctx, candidate.ParentTaskRunID)
	}

	return s.runStep(ctx, candidate, nil, bypassed)
}

// runStep invokes the Dispatcher for step with the given replay log and
// interprets the outcome per spec.md §4.4, releasing the chain lock
// only when the step actually terminates. Shared by Execute (fresh
// dispatch, replay == nil) and Resume (re-entry with a reconstructed
// replay log).
func (s *Scheduler) runStep(ctx context.Context, step *store.StackRun, replay []sandbox.Call, holdsLock bool) error {
	taskCode, err := s.taskCodeFor(ctx, step)
	if err != nil {
		return s.failStep(ctx, step, errs.Wrap(errs.KindTaskCode, err, "failed to resolve task code"), holdsLock)
	}

	outcome := s.dispatcher.Dispatch(ctx, dispatcher.StackRun{
		ID:          step.ID,
		ServiceName: step.ServiceName,
		MethodName:  step.MethodName,
		Args:        step.Args,
		TaskCode:    taskCode,
		Replay:      replay,
	})

	switch {
	case outcome.Failed != nil:
		return s.completeFailed(ctx, step, outcome.Failed, holdsLock)
	case outcome.ChildSuspended != nil:
		return s.completeSuspended(ctx, step, outcome.ChildSuspended, replay)
	default:
		return s.completeOK(ctx, step, *outcome.Completed, holdsLock)
	}
}

func (s *Scheduler) taskCodeFor(ctx context.Context, step *store.StackRun) (string, error) {
	if step.ServiceName != dispatcher.CodeServiceName {
		return "", nil
	}
	task, err := s.store.TaskRuns().Get(ctx, step.ParentTaskRunID)
	if err != nil {
		return "", err
	}
	entry, err := s.registry.Lookup(task.TaskName)
	if err != nil {
		return "", err
	}
	return entry.TaskCode, nil
}

func (s *Scheduler) completeOK(ctx context.Context, step *store.StackRun, result json.RawMessage, holdsLock bool) error {
	if err := guardStackRun(ctx, step.Status, fsm.TriggerComplete, childTerminalNotApplicable); err != nil {
		return err.WithStep(step.ID)
	}
	if err := s.store.StackRuns().MarkCompleted(ctx, step.ID, result); err != nil {
		return errs.Wrap(errs.KindStorage, err, "mark completed failed").WithStep(step.ID)
	}
	step.Status = store.StackRunCompleted
	if holdsLock {
		_ = s.store.Locks().Delete(ctx, step.ParentTaskRunID)
	}
	if step.ParentStackRunID == nil {
		task, err := s.store.TaskRuns().Get(ctx, step.ParentTaskRunID)
		if err != nil {
			return errs.Wrap(errs.KindStorage, err, "failed to load task run for completion guard").WithStep(step.ID)
		}
		if err := guardTaskRun(ctx, task.Status, fsm.TaskTriggerComplete); err != nil {
			return err.WithStep(step.ID)
		}
		if err := s.store.TaskRuns().MarkCompleted(ctx, step.ParentTaskRunID, result); err != nil {
			return errs.Wrap(errs.KindStorage, err, "mark task run completed failed").WithStep(step.ID)
		}
		s.refreshTaskCache(ctx, step.ParentTaskRunID)
	} else {
		if err := s.Resume(ctx, *step.ParentStackRunID, step.ID); err != nil {
			s.log.Warn(ctx, "scheduler: resumption failed", "parent_stack_run_id", *step.ParentStackRunID, "error", err)
		}
	}
	s.cascade.Trigger()
	return nil
}

// completeFailed applies the "External endpoint returns structured
// error" / "Task code throws" rows of spec.md §4.8's error table: a
// failed non-root step still resumes its parent (with the failure as
// the child's result), since handling or re-throwing it is the task
// author's responsibility, not the core's.
func (s *Scheduler) completeFailed(ctx context.Context, step *store.StackRun, e *errs.Error, holdsLock bool) error {
	if err := guardStackRun(ctx, step.Status, fsm.TriggerFail, childTerminalNotApplicable); err != nil {
		return err.WithStep(step.ID)
	}
	errJSON, _ := json.Marshal(e)
	if err := s.store.StackRuns().MarkFailed(ctx, step.ID, errJSON); err != nil {
		return errs.Wrap(errs.KindStorage, err, "mark failed failed").WithStep(step.ID)
	}
	step.Status = store.StackRunFailed
	if holdsLock {
		_ = s.store.Locks().Delete(ctx, step.ParentTaskRunID)
	}
	if step.ParentStackRunID == nil {
		task, err := s.store.TaskRuns().Get(ctx, step.ParentTaskRunID)
		if err != nil {
			return errs.Wrap(errs.KindStorage, err, "failed to load task run for fail guard").WithStep(step.ID)
		}
		if err := guardTaskRun(ctx, task.Status, fsm.TaskTriggerFail); err != nil {
			return err.WithStep(step.ID)
		}
		s.runCompensations(ctx, step.ParentTaskRunID)
		if err := s.store.TaskRuns().MarkFailed(ctx, step.ParentTaskRunID, errJSON); err != nil {
			return errs.Wrap(errs.KindStorage, err, "mark task run failed failed").WithStep(step.ID)
		}
		s.refreshTaskCache(ctx, step.ParentTaskRunID)
	} else {
		if err := s.Resume(ctx, *step.ParentStackRunID, step.ID); err != nil {
			s.log.Warn(ctx, "scheduler: resumption after child failure failed", "parent_stack_run_id", *step.ParentStackRunID, "error", err)
		}
	}
	s.cascade.Trigger()
	return nil
}

// failStep is used when the failure happens before the Dispatcher was
// even reached (e.g. unresolvable task code).
func (s *Scheduler) failStep(ctx context.Context, step *store.StackRun, e *errs.Error, holdsLock bool) error {
	return s.completeFailed(ctx, step, e.WithStep(step.ID), holdsLock)
}

func (s *Scheduler) completeSuspended(ctx context.Context, step *store.StackRun, sus *sandbox.Suspension, replay []sandbox.Call) error {
	if err := guardStackRun(ctx, step.Status, fsm.TriggerSuspend, childTerminalNotApplicable); err != nil {
		return err.WithStep(step.ID)
	}
	if err := s.capture.Apply(ctx, step, sus, replay); err != nil {
		return err
	}
	s.refreshTaskCache(ctx, step.ParentTaskRunID)
	s.cascade.Trigger()
	return nil
}
