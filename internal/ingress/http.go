// Package ingress is the external interface of spec.md §6: a plain
// net/http server exposing Submit, Status, and the two internal,
// shared-secret-gated routes (Resume, ProcessNext) that back the
// cascade and any asynchronous external completion callback.
//
// Grounded on ignatij-goflow's internal/http/server.go (stdlib
// net/http, no router dependency in the pack for this concern),
// generalized from its FormValue-based single-resource handlers to
// JSON request/response bodies over Go 1.22's method+pattern ServeMux
// routing.
package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AnEntrypoint/tasker-wrapped-services/internal/cache"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/dispatcher"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/errs"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/logger"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/registry"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/scheduler"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/store"
)

// Server wires the Durable Store, Scheduler, read cache, and Task
// registry into the HTTP surface spec.md §6 names.
type Server struct {
	store        store.Store
	sched        *scheduler.Scheduler
	cache        *cache.Cache
	registry     *registry.Registry
	sharedSecret string
	log          logger.Logger

	mux *http.ServeMux
}

func New(st store.Store, sched *scheduler.Scheduler, c *cache.Cache, reg *registry.Registry, sharedSecret string, log logger.Logger) *Server {
	if log == nil {
		log = logger.Noop()
	}
	s := &Server{store: st, sched: sched, cache: c, registry: reg, sharedSecret: sharedSecret, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks", s.handleSubmit)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleStatus)
	mux.HandleFunc("POST /v1/internal/resume/{stackRunId}", s.requireSecret(s.handleResume))
	mux.HandleFunc("POST /v1/internal/process-next", s.requireSecret(s.handleProcessNext))
	s.mux = mux
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// requireSecret gates the two internal routes on the X-Internal-Secret
// header spec.md §6 requires — the same header HTTPCascade sends on
// its self-trigger POST.
func (s *Server) requireSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if subtleEqual(r.Header.Get("X-Internal-Secret"), s.sharedSecret) {
			next(w, r)
			return
		}
		writeError(w, http.StatusUnauthorized, errs.New(errs.KindValidation, "missing or invalid internal secret"))
	}
}

func subtleEqual(a, b string) bool {
	return a != "" && b != "" && a == b
}

type submitRequest struct {
	TaskName string          `json:"task_name"`
	Input    json.RawMessage `json:"input"`
}

type submitResponse struct {
	TaskRunID int64 `json:"task_run_id"`
}

// handleSubmit implements Submit(taskName, input) -> taskRunId
// (spec.md §6): it validates the task name against the registry,
// inserts the TaskRun row, and seeds the chain's root StackRun
// (service "code", the sandbox re-entry point of dispatcher.Dispatch)
// so the very next Tick picks it up.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errs.Wrap(errs.KindValidation, err, "invalid request body"))
		return
	}
	if strings.TrimSpace(req.TaskName) == "" {
		writeError(w, http.StatusBadRequest, errs.New(errs.KindValidation, "task_name is required"))
		return
	}
	if _, err := s.registry.Lookup(req.TaskName); err != nil {
		writeError(w, http.StatusBadRequest, errs.Wrap(errs.KindValidation, err, "unknown task_name"))
		return
	}
	if req.Input == nil {
		req.Input = json.RawMessage(`{}`)
	}

	ctx := r.Context()
	task, err := s.store.TaskRuns().Create(ctx, req.TaskName, req.Input)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errs.Wrap(errs.KindStorage, err, "failed to create task run"))
		return
	}
	_, err = s.store.StackRuns().Create(ctx, &store.StackRun{
		ParentTaskRunID: task.ID,
		ServiceName:     dispatcher.CodeServiceName,
		MethodName:      req.TaskName,
		Args:            req.Input,
		Status:          store.StackRunPending,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, errs.Wrap(errs.KindStorage, err, "failed to create root stack run"))
		return
	}

	s.sched.TriggerCascade()
	writeJSON(w, http.StatusAccepted, submitResponse{TaskRunID: task.ID})
}

type statusResponse struct {
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
	WaitingOn *int64          `json:"waiting_on,omitempty"`
}

// handleStatus implements Status(taskRunId) (spec.md §6), served from
// the read cache and falling back to the Durable Store on a miss.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errs.New(errs.KindValidation, "id must be an integer"))
		return
	}

	if cached, err := s.cache.Get(id); err == nil && cached != nil {
		writeJSON(w, http.StatusOK, statusResponse{
			Status: cached.Status,
			Result: cached.Result,
			Error:  cached.Error,
		})
		return
	}

	task, err := s.store.TaskRuns().Get(r.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, errs.New(errs.KindValidation, "task run not found"))
			return
		}
		writeError(w, http.StatusInternalServerError, errs.Wrap(errs.KindStorage, err, "failed to load task run"))
		return
	}
	_ = s.cache.Put(task)
	writeJSON(w, http.StatusOK, statusResponse{
		Status:    string(task.Status),
		Result:    task.Result,
		Error:     task.Error,
		WaitingOn: task.WaitingOnStackRunID,
	})
}

type resumeRequest struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *errs.Error     `json:"error,omitempty"`
}

// handleResume implements the internal Resume(stackRunId, result)
// route: an asynchronous external completion callback for a step
// dispatched but not synchronously answered (spec.md §6, resolving
// the open question of why an "invoked by the core only" operation is
// also an HTTP route — see DESIGN.md).
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("stackRunId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errs.New(errs.KindValidation, "stackRunId must be an integer"))
		return
	}
	var req resumeRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			writeError(w, http.StatusBadRequest, errs.Wrap(errs.KindValidation, err, "invalid request body"))
			return
		}
	}

	if err := s.sched.CompleteExternally(r.Context(), id, req.Result, req.Error); err != nil {
		writeError(w, http.StatusInternalServerError, errs.Wrap(errs.KindStorage, err, "failed to complete stack run"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleProcessNext implements ProcessNext(), the cascade target: one
// Sweep pass followed by one Tick, exactly what an externally-triggered
// call is supposed to do per spec.md §4.7/§5 (no background timer).
func (s *Server) handleProcessNext(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if _, err := s.sched.Sweep(ctx); err != nil {
		s.log.Warn(ctx, "ingress: sweep failed", "error", err)
	}
	if err := s.sched.Tick(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, errs.Wrap(errs.KindStorage, err, "tick failed"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, e *errs.Error) {
	writeJSON(w, status, e)
}
