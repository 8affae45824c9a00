// Command taskfabricd is the fabric's process entrypoint: it loads
// configuration, wires every component together, and serves the
// ingress HTTP surface of spec.md §6.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/AnEntrypoint/tasker-wrapped-services/internal/cache"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/capture"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/config"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/dispatcher"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/ingress"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/logger"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/registry"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/sandbox"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/scheduler"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/store"
)

func init() {
	// Matches the teacher's own use of automaxprocs
	// (playground/fsm/refactor-tempolite/tempolite.go's init()) —
	// GOMAXPROCS tracks the container's cgroup CPU quota instead of the
	// host's full core count.
	if _, err := maxprocs.Set(); err != nil {
		// Non-fatal: the process still runs, just without the adjustment.
		slog.Warn("taskfabricd: failed to set GOMAXPROCS", "error", err)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("taskfabricd: configuration failed", "error", err)
		os.Exit(1)
	}

	log := logger.New(slog.LevelInfo, logger.JSONFormat)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var storeOpts []store.Option
	if cfg.StorePath == "" {
		storeOpts = append(storeOpts, store.WithMemory())
	} else {
		storeOpts = append(storeOpts, store.WithFilePath(cfg.StorePath))
	}
	storeOpts = append(storeOpts, store.WithLogger(log))

	st, err := store.Open(ctx, storeOpts...)
	if err != nil {
		log.Error(ctx, "taskfabricd: failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	sb := sandbox.New(log)

	// Service endpoints are the fabric's outward-facing integrations;
	// operators add entries here per deployment. None are wired by
	// default since spec.md makes no assumption about what a given
	// deployment's external services are.
	endpoints := map[string]dispatcher.Endpoint{}
	reshapers := map[string]dispatcher.ReshapeFunc{}
	disp := dispatcher.New(sb, endpoints, reshapers, log)

	capt := capture.New(st.StackRuns(), st.TaskRuns())
	// Task code is registered here per deployment (reg.Register(name,
	// registry.Entry{TaskCode: ...})); the core ships with none.
	reg := registry.New()

	schedCfg := scheduler.Config{
		PoolSize:       cfg.PoolSize,
		RetryAttempts:  uint64(cfg.RetryAttLock),
		RetryDelayLock: cfg.RetryDelay,
		LockStale:      cfg.LockStale,
		StepStale:      cfg.StepStale,
		SelectionBatch: 32,
	}
	c, err := cache.New()
	if err != nil {
		log.Error(ctx, "taskfabricd: failed to build cache", "error", err)
		os.Exit(1)
	}

	cascade := scheduler.NewHTTPCascade(cfg.CascadeAddr+"/v1/internal/process-next", cfg.SharedSecret, log)
	sched := scheduler.New(ctx, st, disp, capt, reg, schedCfg, log, cascade, c)

	srv := ingress.New(st, sched, c, reg, cfg.SharedSecret, log)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info(ctx, "taskfabricd: listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(ctx, "taskfabricd: server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info(ctx, "taskfabricd: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
}
