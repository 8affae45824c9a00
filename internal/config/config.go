// Package config loads and validates the configuration keys enumerated in
// spec.md §6. Missing required keys are a *Configuration error*: the
// process refuses to start rather than silently falling back to a zero
// value (spec.md §7).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/AnEntrypoint/tasker-wrapped-services/internal/errs"
)

// Config holds every tunable named in spec.md §6, plus the process-level
// settings needed to actually run (listen address, store path).
type Config struct {
	// Durable Store
	StorePath string // empty means in-memory (tests, ephemeral runs)

	// Ingress / cascade
	ListenAddr   string
	CascadeAddr  string // where ProcessNext self-triggers are sent; defaults to ListenAddr
	SharedSecret string // required for internal routes (Resume, ProcessNext)

	// §6 thresholds
	LockStale    time.Duration // T_lock_stale, default 5m
	StepStale    time.Duration // T_step_stale, default 2m
	DispatchTO   time.Duration // T_dispatch, default 30s
	RetryAttLock int           // retry_attempts_lock, default 3
	RetryDelay   time.Duration // retry_delay_lock_ms, default 100ms
	PoolSize     int           // pool_size_store, default 10
}

// Load reads configuration from the process environment, optionally primed
// by a local .env file (godotenv, ignored if absent — local dev
// convenience only, never required in production).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		StorePath:    os.Getenv("TASKFABRIC_STORE_PATH"),
		ListenAddr:   getDefault("TASKFABRIC_LISTEN_ADDR", ":8080"),
		CascadeAddr:  os.Getenv("TASKFABRIC_CASCADE_ADDR"),
		SharedSecret: os.Getenv("TASKFABRIC_SHARED_SECRET"),
	}

	var err error
	if cfg.LockStale, err = getDuration("TASKFABRIC_T_LOCK_STALE", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.StepStale, err = getDuration("TASKFABRIC_T_STEP_STALE", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.DispatchTO, err = getDuration("TASKFABRIC_T_DISPATCH", 30*time.Second); err != nil {
		return nil, err
	}
	retryDelayMS, err := getInt("TASKFABRIC_RETRY_DELAY_LOCK_MS", 100)
	if err != nil {
		return nil, err
	}
	cfg.RetryDelay = time.Duration(retryDelayMS) * time.Millisecond
	if cfg.RetryAttLock, err = getInt("TASKFABRIC_RETRY_ATTEMPTS_LOCK", 3); err != nil {
		return nil, err
	}
	if cfg.PoolSize, err = getInt("TASKFABRIC_POOL_SIZE_STORE", 10); err != nil {
		return nil, err
	}

	if cfg.CascadeAddr == "" {
		cfg.CascadeAddr = cfg.ListenAddr
	}

	if cfg.SharedSecret == "" {
		return nil, errs.New(errs.KindConfiguration, "TASKFABRIC_SHARED_SECRET is required to authenticate internal routes")
	}

	return cfg, nil
}

func getDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errs.Wrap(errs.KindConfiguration, err, fmt.Sprintf("invalid duration for %s", key))
	}
	return d, nil
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errs.Wrap(errs.KindConfiguration, err, fmt.Sprintf("invalid integer for %s", key))
	}
	return n, nil
}
