package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := Open(context.Background(), WithMemory())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestTaskRuns_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	tr, err := st.TaskRuns().Create(ctx, "demo", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	require.Equal(t, TaskRunQueued, tr.Status)
	require.JSONEq(t, `{"n":1}`, string(tr.Input))

	got, err := st.TaskRuns().Get(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, tr.ID, got.ID)
}

func TestTaskRuns_GetUnknownFails(t *testing.T) {
	st := openTestStore(t)
	_, err := st.TaskRuns().Get(context.Background(), 999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTaskRuns_StatusLifecycle(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	tr, err := st.TaskRuns().Create(ctx, "demo", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, st.TaskRuns().MarkRunning(ctx, tr.ID))
	got, err := st.TaskRuns().Get(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, TaskRunRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	// Calling MarkRunning again is a no-op since the row is no longer queued.
	require.NoError(t, st.TaskRuns().MarkRunning(ctx, tr.ID))
	got, err = st.TaskRuns().Get(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, TaskRunRunning, got.Status)

	require.NoError(t, st.TaskRuns().MarkSuspended(ctx, tr.ID, 42))
	got, err = st.TaskRuns().Get(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, TaskRunSuspended, got.Status)
	require.NotNil(t, got.WaitingOnStackRunID)
	require.Equal(t, int64(42), *got.WaitingOnStackRunID)

	require.NoError(t, st.TaskRuns().MarkRunningFromSuspended(ctx, tr.ID))
	got, err = st.TaskRuns().Get(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, TaskRunRunning, got.Status)

	require.NoError(t, st.TaskRuns().MarkCompleted(ctx, tr.ID, json.RawMessage(`{"ok":true}`)))
	got, err = st.TaskRuns().Get(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, TaskRunCompleted, got.Status)
	require.JSONEq(t, `{"ok":true}`, string(got.Result))
	require.Nil(t, got.WaitingOnStackRunID)
	require.NotNil(t, got.EndedAt)
}

func TestTaskRuns_MarkFailedClearsWaitingEdge(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	tr, err := st.TaskRuns().Create(ctx, "demo", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, st.TaskRuns().MarkSuspended(ctx, tr.ID, 1))

	require.NoError(t, st.TaskRuns().MarkFailed(ctx, tr.ID, json.RawMessage(`{"message":"boom"}`)))
	got, err := st.TaskRuns().Get(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, TaskRunFailed, got.Status)
	require.Nil(t, got.WaitingOnStackRunID)
}

func TestStackRuns_CreateDefaultsToPending(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	tr, err := st.TaskRuns().Create(ctx, "demo", json.RawMessage(`{}`))
	require.NoError(t, err)

	sr, err := st.StackRuns().Create(ctx, &StackRun{
		ParentTaskRunID: tr.ID,
		ServiceName:     "code",
		MethodName:      "run",
		Args:            json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	require.Equal(t, StackRunPending, sr.Status)
}

func TestStackRuns_ClaimProcessingIsExclusive(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	tr, err := st.TaskRuns().Create(ctx, "demo", json.RawMessage(`{}`))
	require.NoError(t, err)
	sr, err := st.StackRuns().Create(ctx, &StackRun{
		ParentTaskRunID: tr.ID, ServiceName: "code", MethodName: "run", Args: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	ok, err := st.StackRuns().ClaimProcessing(ctx, sr.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = st.StackRuns().ClaimProcessing(ctx, sr.ID)
	require.NoError(t, err)
	require.False(t, ok, "second claim on an already-processing step must lose the race")
}

func TestStackRuns_CountOlderPendingSiblings(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	tr, err := st.TaskRuns().Create(ctx, "demo", json.RawMessage(`{}`))
	require.NoError(t, err)

	first, err := st.StackRuns().Create(ctx, &StackRun{
		ParentTaskRunID: tr.ID, ServiceName: "code", MethodName: "a", Args: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	_, err = st.StackRuns().Create(ctx, &StackRun{
		ParentTaskRunID: tr.ID, ServiceName: "code", MethodName: "b", Args: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	n, err := st.StackRuns().CountOlderPendingSiblings(ctx, tr.ID, first.CreatedAt)
	require.NoError(t, err)
	require.Equal(t, 0, n, "nothing precedes the first-created sibling")

	second, err := st.StackRuns().Get(ctx, first.ID+1)
	require.NoError(t, err)
	n, err = st.StackRuns().CountOlderPendingSiblings(ctx, tr.ID, second.CreatedAt.Add(time.Nanosecond))
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestStackRuns_ListCompensatableOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	tr, err := st.TaskRuns().Create(ctx, "demo", json.RawMessage(`{}`))
	require.NoError(t, err)

	refundPath := "refund"
	first, err := st.StackRuns().Create(ctx, &StackRun{
		ParentTaskRunID: tr.ID, ServiceName: "billing", MethodName: "charge",
		Args: json.RawMessage(`{}`), CompensationMethodPath: &refundPath,
	})
	require.NoError(t, err)
	require.NoError(t, st.StackRuns().MarkCompleted(ctx, first.ID, json.RawMessage(`{}`)))

	cancelPath := "cancel"
	second, err := st.StackRuns().Create(ctx, &StackRun{
		ParentTaskRunID: tr.ID, ServiceName: "shipping", MethodName: "dispatch",
		Args: json.RawMessage(`{}`), CompensationMethodPath: &cancelPath,
	})
	require.NoError(t, err)
	require.NoError(t, st.StackRuns().MarkCompleted(ctx, second.ID, json.RawMessage(`{}`)))

	// A third, non-compensatable completed step must not show up.
	third, err := st.StackRuns().Create(ctx, &StackRun{
		ParentTaskRunID: tr.ID, ServiceName: "notify", MethodName: "email", Args: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	require.NoError(t, st.StackRuns().MarkCompleted(ctx, third.ID, json.RawMessage(`{}`)))

	compensatable, err := st.StackRuns().ListCompensatable(ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, compensatable, 2)
	require.Equal(t, second.ID, compensatable[0].ID)
	require.Equal(t, first.ID, compensatable[1].ID)
}

func TestStackRuns_SuspendAndResumeCycle(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	tr, err := st.TaskRuns().Create(ctx, "demo", json.RawMessage(`{}`))
	require.NoError(t, err)
	sr, err := st.StackRuns().Create(ctx, &StackRun{
		ParentTaskRunID: tr.ID, ServiceName: "code", MethodName: "run", Args: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	require.NoError(t, st.StackRuns().MarkSuspendedWaitingChild(ctx, sr.ID, json.RawMessage(`[]`), 0))
	got, err := st.StackRuns().Get(ctx, sr.ID)
	require.NoError(t, err)
	require.Equal(t, StackRunSuspendedWaitingChild, got.Status)

	require.NoError(t, st.StackRuns().MarkPendingResume(ctx, sr.ID, json.RawMessage(`{"ok":true}`)))
	got, err = st.StackRuns().Get(ctx, sr.ID)
	require.NoError(t, err)
	require.Equal(t, StackRunPendingResume, got.Status)

	ok, err := st.StackRuns().ClaimProcessingFromPendingResume(ctx, sr.ID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLocks_InsertIsExclusivePerTaskRun(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	require.NoError(t, st.Locks().Insert(ctx, 1, "worker-a"))
	err := st.Locks().Insert(ctx, 1, "worker-b")
	require.ErrorIs(t, err, ErrAlreadyExists)

	require.NoError(t, st.Locks().Delete(ctx, 1))
	require.NoError(t, st.Locks().Insert(ctx, 1, "worker-b"))
}

func TestLocks_DeleteStaleReclaimsOldLocks(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	require.NoError(t, st.Locks().Insert(ctx, 1, "worker-a"))

	n, err := st.Locks().DeleteStale(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 0, n, "a freshly inserted lock is not stale yet")

	n, err = st.Locks().DeleteStale(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = st.Locks().Get(ctx, 1)
	require.ErrorIs(t, err, ErrNotFound)
}
