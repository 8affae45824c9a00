package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AnEntrypoint/tasker-wrapped-services/internal/cache"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/capture"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/dispatcher"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/logger"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/registry"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/sandbox"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/scheduler"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/store"
)

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.WithMemory())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	disp := dispatcher.New(sandbox.New(logger.Noop()), nil, nil, logger.Noop())
	capt := capture.New(st.StackRuns(), st.TaskRuns())
	reg := registry.New()
	reg.Register("demo", registry.Entry{TaskCode: `function run(input) return { n = input.n } end`})

	c, err := cache.New()
	require.NoError(t, err)
	sched := scheduler.New(ctx, st, disp, capt, reg, scheduler.DefaultConfig(), logger.Noop(), nil, c)

	srv := New(st, sched, c, reg, "shared-secret", logger.Noop())
	return srv, st
}

func TestHandleSubmit_CreatesTaskRunAndRootStep(t *testing.T) {
	srv, st := newTestServer(t)

	body := strings.NewReader(`{"task_name":"demo","input":{"n":5}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", body)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var out submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotZero(t, out.TaskRunID)

	tr, err := st.TaskRuns().Get(context.Background(), out.TaskRunID)
	require.NoError(t, err)
	require.Equal(t, "demo", tr.TaskName)
}

func TestHandleSubmit_UnknownTaskNameFails(t *testing.T) {
	srv, _ := newTestServer(t)

	body := strings.NewReader(`{"task_name":"nope","input":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", body)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStatus_ReturnsQueuedStateForFreshTaskRun(t *testing.T) {
	srv, st := newTestServer(t)

	tr, err := st.TaskRuns().Create(context.Background(), "demo", json.RawMessage(`{}`))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/"+strconv.FormatInt(tr.ID, 10), nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "queued", out.Status)
}

func TestHandleStatus_UnknownIDReturnsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/999", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleResume_RequiresSharedSecret(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/internal/resume/1", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleProcessNext_WithValidSecretRunsSweepAndTick(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/internal/process-next", nil)
	req.Header.Set("X-Internal-Secret", "shared-secret")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
}
