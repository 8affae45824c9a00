package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/davidroman0O/comfylite3"
	"github.com/sasha-s/go-deadlock"

	"github.com/AnEntrypoint/tasker-wrapped-services/internal/logger"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS task_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_name TEXT NOT NULL,
	input TEXT NOT NULL,
	status TEXT NOT NULL,
	result TEXT,
	error TEXT,
	waiting_on_stack_run_id INTEGER,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	started_at TEXT,
	ended_at TEXT,
	suspended_at TEXT
);

CREATE TABLE IF NOT EXISTS stack_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_task_run_id INTEGER NOT NULL,
	parent_stack_run_id INTEGER,
	service_name TEXT NOT NULL,
	method_name TEXT NOT NULL,
	args TEXT NOT NULL,
	compensation_method_path TEXT,
	status TEXT NOT NULL,
	result TEXT,
	error TEXT,
	vm_state TEXT,
	waiting_on_stack_run_id INTEGER,
	resume_payload TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_stack_runs_status_created ON stack_runs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_stack_runs_chain ON stack_runs(parent_task_run_id, created_at);
CREATE INDEX IF NOT EXISTS idx_stack_runs_parent_step ON stack_runs(parent_stack_run_id);

CREATE TABLE IF NOT EXISTS task_locks (
	task_run_id INTEGER PRIMARY KEY,
	locked_at TEXT NOT NULL,
	locked_by TEXT NOT NULL
);
`

// tsLayout is fixed-width (always nine fractional digits) so that the
// TEXT comparisons and ORDER BY on timestamp columns follow time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store on top of comfylite3's pooled SQLite
// connection, driven with plain database/sql — see DESIGN.md for why this
// replaces both the teacher's ent-generated client and the ent ORM
// itself.
type SQLiteStore struct {
	mu    deadlock.RWMutex
	comfy *comfylite3.ComfyDB
	db    *sql.DB
	log   logger.Logger

	taskRuns  *taskRunStore
	stackRuns *stackRunStore
	locks     *lockStore
}

// Option configures Open, mirroring the teacher's DataOption shape
// (data/data.go: WithMemory/WithPath/WithLogger).
type Option func(*options)

type options struct {
	memory   bool
	filePath string
	log      logger.Logger
}

func WithMemory() Option {
	return func(o *options) { o.memory = true }
}

func WithFilePath(path string) Option {
	return func(o *options) { o.filePath = path }
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

func Open(ctx context.Context, opts ...Option) (*SQLiteStore, error) {
	cfg := &options{}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.log == nil {
		cfg.log = logger.Noop()
	}

	var comfyOpts []comfylite3.ComfyOption
	if cfg.memory || cfg.filePath == "" {
		comfyOpts = append(comfyOpts, comfylite3.WithMemory())
	} else {
		comfyOpts = append(comfyOpts, comfylite3.WithPath(cfg.filePath))
		if err := os.MkdirAll(filepath.Dir(cfg.filePath), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	comfy, err := comfylite3.New(comfyOpts...)
	if err != nil {
		return nil, fmt.Errorf("open comfylite3: %w", err)
	}

	db := comfylite3.OpenDB(
		comfy,
		comfylite3.WithOption("_fk=1"),
		comfylite3.WithOption("cache=shared"),
		comfylite3.WithOption("mode=rwc"),
		comfylite3.WithForeignKeys(),
	)

	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &SQLiteStore{comfy: comfy, db: db, log: cfg.log}
	s.taskRuns = &taskRunStore{s: s}
	s.stackRuns = &stackRunStore{s: s}
	s.locks = &lockStore{s: s}
	return s, nil
}

func (s *SQLiteStore) TaskRuns() TaskRunStore  { return s.taskRuns }
func (s *SQLiteStore) StackRuns() StackRunStore { return s.stackRuns }
func (s *SQLiteStore) Locks() LockStore         { return s.locks }

func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	return s.comfy.Close()
}

// --- task_runs ---

type taskRunStore struct{ s *SQLiteStore }

func (t *taskRunStore) Create(ctx context.Context, taskName string, input json.RawMessage) (*TaskRun, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	now := time.Now().UTC()
	res, err := t.s.db.ExecContext(ctx, `
		INSERT INTO task_runs (task_name, input, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		taskName, string(input), string(TaskRunQueued), now.Format(tsLayout), now.Format(tsLayout))
	if err != nil {
		return nil, fmt.Errorf("insert task_run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return t.Get(ctx, id)
}

func (t *taskRunStore) Get(ctx context.Context, id int64) (*TaskRun, error) {
	row := t.s.db.QueryRowContext(ctx, `
		SELECT id, task_name, input, status, result, error, waiting_on_stack_run_id,
		       created_at, updated_at, started_at, ended_at, suspended_at
		FROM task_runs WHERE id = ?`, id)
	return scanTaskRun(row)
}

func (t *taskRunStore) MarkRunning(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(tsLayout)
	_, err := t.s.db.ExecContext(ctx, `
		UPDATE task_runs SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(TaskRunRunning), now, now, id, string(TaskRunQueued))
	return err
}

func (t *taskRunStore) MarkRunningFromSuspended(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(tsLayout)
	_, err := t.s.db.ExecContext(ctx, `
		UPDATE task_runs SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(TaskRunRunning), now, id, string(TaskRunSuspended))
	return err
}

func (t *taskRunStore) MarkSuspended(ctx context.Context, id int64, waitingOnStackRunID int64) error {
	now := time.Now().UTC().Format(tsLayout)
	_, err := t.s.db.ExecContext(ctx, `
		UPDATE task_runs SET status = ?, waiting_on_stack_run_id = ?, suspended_at = ?, updated_at = ?
		WHERE id = ?`,
		string(TaskRunSuspended), waitingOnStackRunID, now, now, id)
	return err
}

func (t *taskRunStore) MarkCompleted(ctx context.Context, id int64, result json.RawMessage) error {
	now := time.Now().UTC().Format(tsLayout)
	_, err := t.s.db.ExecContext(ctx, `
		UPDATE task_runs SET status = ?, result = ?, waiting_on_stack_run_id = NULL, ended_at = ?, updated_at = ?
		WHERE id = ?`,
		string(TaskRunCompleted), string(result), now, now, id)
	return err
}

func (t *taskRunStore) MarkFailed(ctx context.Context, id int64, errJSON json.RawMessage) error {
	now := time.Now().UTC().Format(tsLayout)
	_, err := t.s.db.ExecContext(ctx, `
		UPDATE task_runs SET status = ?, error = ?, waiting_on_stack_run_id = NULL, ended_at = ?, updated_at = ?
		WHERE id = ?`,
		string(TaskRunFailed), string(errJSON), now, now, id)
	return err
}

func scanTaskRun(row *sql.Row) (*TaskRun, error) {
	var tr TaskRun
	var input, status string
	var result, errJSON sql.NullString
	var waitingOn sql.NullInt64
	var createdAt, updatedAt string
	var startedAt, endedAt, suspendedAt sql.NullString

	if err := row.Scan(&tr.ID, &tr.TaskName, &input, &status, &result, &errJSON, &waitingOn,
		&createdAt, &updatedAt, &startedAt, &endedAt, &suspendedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	tr.Input = json.RawMessage(input)
	tr.Status = TaskRunStatus(status)
	if result.Valid {
		tr.Result = json.RawMessage(result.String)
	}
	if errJSON.Valid {
		tr.Error = json.RawMessage(errJSON.String)
	}
	if waitingOn.Valid {
		tr.WaitingOnStackRunID = &waitingOn.Int64
	}
	tr.CreatedAt = mustParse(createdAt)
	tr.UpdatedAt = mustParse(updatedAt)
	tr.StartedAt = parseNullable(startedAt)
	tr.EndedAt = parseNullable(endedAt)
	tr.SuspendedAt = parseNullable(suspendedAt)
	return &tr, nil
}

// --- stack_runs ---

type stackRunStore struct{ s *SQLiteStore }

func (t *stackRunStore) Create(ctx context.Context, sr *StackRun) (*StackRun, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	now := time.Now().UTC()
	if sr.Status == "" {
		sr.Status = StackRunPending
	}
	res, err := t.s.db.ExecContext(ctx, `
		INSERT INTO stack_runs (
			parent_task_run_id, parent_stack_run_id, service_name, method_name, args,
			compensation_method_path, status, vm_state, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sr.ParentTaskRunID, nullableInt(sr.ParentStackRunID), sr.ServiceName, sr.MethodName, string(sr.Args),
		nullableStr(sr.CompensationMethodPath), string(sr.Status), string(sr.VMState),
		now.Format(tsLayout), now.Format(tsLayout))
	if err != nil {
		return nil, fmt.Errorf("insert stack_run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return t.Get(ctx, id)
}

func (t *stackRunStore) Get(ctx context.Context, id int64) (*StackRun, error) {
	row := t.s.db.QueryRowContext(ctx, selectStackRunSQL+" WHERE id = ?", id)
	return scanStackRun(row)
}

const selectStackRunSQL = `
	SELECT id, parent_task_run_id, parent_stack_run_id, service_name, method_name, args,
	       compensation_method_path, status, result, error, vm_state, waiting_on_stack_run_id,
	       resume_payload, created_at, updated_at
	FROM stack_runs`

func (t *stackRunStore) ListPendingOrdered(ctx context.Context, limit int) ([]*StackRun, error) {
	rows, err := t.s.db.QueryContext(ctx, selectStackRunSQL+`
		WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		string(StackRunPending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStackRuns(rows)
}

func (t *stackRunStore) CountOlderPendingSiblings(ctx context.Context, parentTaskRunID int64, createdAt time.Time) (int, error) {
	var n int
	err := t.s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stack_runs
		WHERE parent_task_run_id = ? AND status = ? AND created_at < ?`,
		parentTaskRunID, string(StackRunPending), createdAt.Format(tsLayout)).Scan(&n)
	return n, err
}

func (t *stackRunStore) ClaimProcessing(ctx context.Context, id int64) (bool, error) {
	now := time.Now().UTC().Format(tsLayout)
	res, err := t.s.db.ExecContext(ctx, `
		UPDATE stack_runs SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StackRunProcessing), now, id, string(StackRunPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *stackRunStore) ClaimProcessingFromPendingResume(ctx context.Context, id int64) (bool, error) {
	now := time.Now().UTC().Format(tsLayout)
	res, err := t.s.db.ExecContext(ctx, `
		UPDATE stack_runs SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StackRunProcessing), now, id, string(StackRunPendingResume))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *stackRunStore) MarkCompleted(ctx context.Context, id int64, result json.RawMessage) error {
	now := time.Now().UTC().Format(tsLayout)
	_, err := t.s.db.ExecContext(ctx, `
		UPDATE stack_runs SET status = ?, result = ?, waiting_on_stack_run_id = NULL, resume_payload = NULL, updated_at = ?
		WHERE id = ?`,
		string(StackRunCompleted), string(result), now, id)
	return err
}

func (t *stackRunStore) MarkFailed(ctx context.Context, id int64, errJSON json.RawMessage) error {
	now := time.Now().UTC().Format(tsLayout)
	_, err := t.s.db.ExecContext(ctx, `
		UPDATE stack_runs SET status = ?, error = ?, waiting_on_stack_run_id = NULL, updated_at = ?
		WHERE id = ?`,
		string(StackRunFailed), string(errJSON), now, id)
	return err
}

func (t *stackRunStore) MarkSuspendedWaitingChild(ctx context.Context, id int64, vmState json.RawMessage, childID int64) error {
	now := time.Now().UTC().Format(tsLayout)
	_, err := t.s.db.ExecContext(ctx, `
		UPDATE stack_runs SET status = ?, vm_state = ?, waiting_on_stack_run_id = ?, updated_at = ?
		WHERE id = ?`,
		string(StackRunSuspendedWaitingChild), string(vmState), childID, now, id)
	return err
}

func (t *stackRunStore) MarkPendingResume(ctx context.Context, id int64, resumePayload json.RawMessage) error {
	now := time.Now().UTC().Format(tsLayout)
	_, err := t.s.db.ExecContext(ctx, `
		UPDATE stack_runs SET status = ?, resume_payload = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StackRunPendingResume), string(resumePayload), now, id, string(StackRunSuspendedWaitingChild))
	return err
}

func (t *stackRunStore) ListByParentStackRun(ctx context.Context, parentStackRunID int64) ([]*StackRun, error) {
	rows, err := t.s.db.QueryContext(ctx, selectStackRunSQL+`
		WHERE parent_stack_run_id = ? ORDER BY created_at ASC, id ASC`, parentStackRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStackRuns(rows)
}

func (t *stackRunStore) ListStaleProcessing(ctx context.Context, olderThan time.Time) ([]*StackRun, error) {
	rows, err := t.s.db.QueryContext(ctx, selectStackRunSQL+`
		WHERE status = ? AND updated_at < ?`,
		string(StackRunProcessing), olderThan.Format(tsLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStackRuns(rows)
}

func (t *stackRunStore) ListCompensatable(ctx context.Context, parentTaskRunID int64) ([]*StackRun, error) {
	rows, err := t.s.db.QueryContext(ctx, selectStackRunSQL+`
		WHERE parent_task_run_id = ? AND status = ? AND compensation_method_path IS NOT NULL
		ORDER BY created_at DESC, id DESC`,
		parentTaskRunID, string(StackRunCompleted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStackRuns(rows)
}

func scanStackRuns(rows *sql.Rows) ([]*StackRun, error) {
	var out []*StackRun
	for rows.Next() {
		sr, err := scanStackRunRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStackRun(row *sql.Row) (*StackRun, error) {
	sr, err := scanStackRunRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return sr, err
}

func scanStackRunRow(row rowScanner) (*StackRun, error) {
	var sr StackRun
	var parentStackRunID, waitingOn sql.NullInt64
	var compensationPath sql.NullString
	var args, status string
	var result, errJSON, vmState, resumePayload sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&sr.ID, &sr.ParentTaskRunID, &parentStackRunID, &sr.ServiceName, &sr.MethodName, &args,
		&compensationPath, &status, &result, &errJSON, &vmState, &waitingOn, &resumePayload,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}

	sr.Args = json.RawMessage(args)
	sr.Status = StackRunStatus(status)
	if parentStackRunID.Valid {
		sr.ParentStackRunID = &parentStackRunID.Int64
	}
	if compensationPath.Valid {
		sr.CompensationMethodPath = &compensationPath.String
	}
	if result.Valid {
		sr.Result = json.RawMessage(result.String)
	}
	if errJSON.Valid {
		sr.Error = json.RawMessage(errJSON.String)
	}
	if vmState.Valid {
		sr.VMState = json.RawMessage(vmState.String)
	}
	if waitingOn.Valid {
		sr.WaitingOnStackRunID = &waitingOn.Int64
	}
	if resumePayload.Valid {
		sr.ResumePayload = json.RawMessage(resumePayload.String)
	}
	sr.CreatedAt = mustParse(createdAt)
	sr.UpdatedAt = mustParse(updatedAt)
	return &sr, nil
}

// --- task_locks ---

type lockStore struct{ s *SQLiteStore }

func (l *lockStore) Insert(ctx context.Context, taskRunID int64, lockedBy string) error {
	now := time.Now().UTC().Format(tsLayout)
	_, err := l.s.db.ExecContext(ctx, `
		INSERT INTO task_locks (task_run_id, locked_at, locked_by) VALUES (?, ?, ?)`,
		taskRunID, now, lockedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (l *lockStore) Delete(ctx context.Context, taskRunID int64) error {
	_, err := l.s.db.ExecContext(ctx, `DELETE FROM task_locks WHERE task_run_id = ?`, taskRunID)
	return err
}

func (l *lockStore) Get(ctx context.Context, taskRunID int64) (*TaskLock, error) {
	var lk TaskLock
	var lockedAt string
	err := l.s.db.QueryRowContext(ctx, `
		SELECT task_run_id, locked_at, locked_by FROM task_locks WHERE task_run_id = ?`,
		taskRunID).Scan(&lk.TaskRunID, &lockedAt, &lk.LockedBy)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	lk.LockedAt = mustParse(lockedAt)
	return &lk, nil
}

func (l *lockStore) DeleteStale(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := l.s.db.ExecContext(ctx, `DELETE FROM task_locks WHERE locked_at < ?`, olderThan.Format(tsLayout))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE")
}

func mustParse(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func parseNullable(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := mustParse(ns.String)
	return &t
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
