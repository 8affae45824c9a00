// Package registry is the SUPPLEMENTED Handler/version registry: a
// process-local map from task_name (and optional saga compensation
// path) to the Lua source the Task Sandbox should run for it. Task
// code is supplied out-of-band (at process startup, from disk or an
// embedded bundle) rather than carried in the database, matching
// spec.md §2's model of a durable core that is agnostic to where task
// code comes from.
//
// Grounded on the teacher's sync.Map-based handler tables
// (tempolite.go's workflows/activities/sagas fields, tempolite_registry.go's
// registration helpers) and its versionCache field, generalized from
// reflection-bound Go handlers to named Lua source strings.
package registry

import (
	"fmt"
	"sync"
)

// Entry is one registered task definition.
type Entry struct {
	TaskCode string
	// CompensationPath is stored with the entry for operator tooling;
	// the Scheduler does not read it. Saga compensation uses each
	// step's own CompensationMethodPath, set through hostcall's fourth
	// argument.
	CompensationPath string
	Version          int
}

// Registry is a concurrent-safe task_name -> Entry table.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func New() *Registry {
	return &Registry{entries: map[string]Entry{}}
}

// Register adds or replaces the definition for taskName.
func (r *Registry) Register(taskName string, e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[taskName] = e
}

// Lookup returns the registered definition for taskName.
func (r *Registry) Lookup(taskName string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[taskName]
	if !ok {
		return Entry{}, fmt.Errorf("registry: no task registered with name %q", taskName)
	}
	return e, nil
}

// Names returns every registered task name, for operator tooling.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}
