// Package store implements the Durable Store contract of spec.md §3/§6:
// task_runs, stack_runs, task_locks, with insert + unique-constraint
// enforcement, update-by-primary-key with simple WHERE predicates, ordered
// select by created_at, and delete. The interface shape follows the
// teacher's sub-repository split (internal/persistence/repository in the
// teacher repo) scaled down to the three tables this fabric actually
// needs — see DESIGN.md for why the teacher's ent-generated client itself
// is not reused.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status enums, spec.md §3.
type TaskRunStatus string

const (
	TaskRunQueued    TaskRunStatus = "queued"
	TaskRunRunning   TaskRunStatus = "running"
	TaskRunSuspended TaskRunStatus = "suspended"
	TaskRunCompleted TaskRunStatus = "completed"
	TaskRunFailed    TaskRunStatus = "failed"
)

type StackRunStatus string

const (
	StackRunPending               StackRunStatus = "pending"
	StackRunProcessing            StackRunStatus = "processing"
	StackRunSuspendedWaitingChild StackRunStatus = "suspended_waiting_child"
	StackRunPendingResume         StackRunStatus = "pending_resume"
	StackRunCompleted             StackRunStatus = "completed"
	StackRunFailed                StackRunStatus = "failed"
)

// TaskRun is one submitted workflow, spec.md §3.
type TaskRun struct {
	ID                   int64
	TaskName             string
	Input                json.RawMessage
	Status               TaskRunStatus
	Result               json.RawMessage
	Error                json.RawMessage
	WaitingOnStackRunID  *int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
	StartedAt            *time.Time
	EndedAt              *time.Time
	SuspendedAt          *time.Time
}

// StackRun is one step, spec.md §3. CompensationMethodPath is the
// SUPPLEMENTED FEATURES saga extension from SPEC_FULL.md — absent for
// ordinary steps, it makes no difference to core behavior.
type StackRun struct {
	ID                     int64
	ParentTaskRunID        int64
	ParentStackRunID       *int64
	ServiceName            string
	MethodName             string
	Args                   json.RawMessage
	CompensationMethodPath *string
	Status                 StackRunStatus
	Result                 json.RawMessage
	Error                  json.RawMessage
	VMState                json.RawMessage
	WaitingOnStackRunID    *int64
	ResumePayload          json.RawMessage
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// TaskLock is the per-chain mutual exclusion row, spec.md §3.
type TaskLock struct {
	TaskRunID int64
	LockedAt  time.Time
	LockedBy  string
}

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidState  = errors.New("invalid state")
)

// Store is the full Durable Store contract. Implementations must give
// read-your-writes consistency on a single row (spec.md §6).
type Store interface {
	TaskRuns() TaskRunStore
	StackRuns() StackRunStore
	Locks() LockStore

	Close() error
}

type TaskRunStore interface {
	Create(ctx context.Context, taskName string, input json.RawMessage) (*TaskRun, error)
	Get(ctx context.Context, id int64) (*TaskRun, error)

	// MarkRunning transitions queued -> running, recording started_at.
	MarkRunning(ctx context.Context, id int64) error
	// MarkSuspended transitions running -> suspended, setting the wait edge.
	MarkSuspended(ctx context.Context, id int64, waitingOnStackRunID int64) error
	// MarkCompleted transitions to completed with the final result.
	MarkCompleted(ctx context.Context, id int64, result json.RawMessage) error
	// MarkFailed transitions to failed with the structured error.
	MarkFailed(ctx context.Context, id int64, errJSON json.RawMessage) error
	// MarkRunningFromSuspended transitions suspended -> running when a task
	// resumes past a suspension; the wait edge is left as it is.
	MarkRunningFromSuspended(ctx context.Context, id int64) error
}

type StackRunStore interface {
	Create(ctx context.Context, sr *StackRun) (*StackRun, error)
	Get(ctx context.Context, id int64) (*StackRun, error)

	// ListPendingOrdered returns every pending step across all chains,
	// oldest-first, for the Scheduler's selection algorithm (spec.md §4.4).
	ListPendingOrdered(ctx context.Context, limit int) ([]*StackRun, error)
	// CountOlderPendingSiblings counts pending steps in the same chain
	// created strictly before createdAt — the FIFO readiness check.
	CountOlderPendingSiblings(ctx context.Context, parentTaskRunID int64, createdAt time.Time) (int, error)

	// ClaimProcessing atomically transitions pending -> processing; ok is
	// false if another worker already claimed it (lost the race, not an
	// error).
	ClaimProcessing(ctx context.Context, id int64) (ok bool, err error)
	// ClaimProcessingFromPendingResume atomically transitions
	// pending_resume -> processing, the Resumption Path's equivalent of
	// ClaimProcessing.
	ClaimProcessingFromPendingResume(ctx context.Context, id int64) (ok bool, err error)

	MarkCompleted(ctx context.Context, id int64, result json.RawMessage) error
	MarkFailed(ctx context.Context, id int64, errJSON json.RawMessage) error
	MarkSuspendedWaitingChild(ctx context.Context, id int64, vmState json.RawMessage, childID int64) error
	MarkPendingResume(ctx context.Context, id int64, resumePayload json.RawMessage) error

	// ListByParentStackRun returns the direct children of a step, oldest
	// first.
	ListByParentStackRun(ctx context.Context, parentStackRunID int64) ([]*StackRun, error)
	// ListStaleProcessing returns steps stuck in processing longer than
	// olderThan — the Sweeper's second cleanup pass.
	ListStaleProcessing(ctx context.Context, olderThan time.Time) ([]*StackRun, error)

	// ListCompensatable returns every completed step in the chain that
	// carries a CompensationMethodPath, newest first — the order the
	// SUPPLEMENTED saga compensation feature dispatches them in when the
	// chain ultimately fails.
	ListCompensatable(ctx context.Context, parentTaskRunID int64) ([]*StackRun, error)
}

type LockStore interface {
	// Insert relies on the task_run_id primary key's uniqueness to fail
	// fast on contention (spec.md §5) — it never blocks.
	Insert(ctx context.Context, taskRunID int64, lockedBy string) error
	Delete(ctx context.Context, taskRunID int64) error
	Get(ctx context.Context, taskRunID int64) (*TaskLock, error)
	// DeleteStale removes locks older than olderThan, returning how many
	// were reclaimed — the Sweeper's first cleanup pass.
	DeleteStale(ctx context.Context, olderThan time.Time) (int, error)
}
