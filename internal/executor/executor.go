// Package executor defines the pluggable execution boundary. The core
// treats executors as opaque, replaceable backends with only
// success/failure/timeout semantics.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrCapacityExhausted marks a provider reporting rate-limit or quota
// exhaustion. The pool fails over to an alternate provider instead of
// busy-retrying.
var ErrCapacityExhausted = errors.New("provider capacity exhausted")

// Request is the unit handed to an executor.
type Request struct {
	TaskID    string
	SessionID string
	Model     string
	Payload   string // opaque instruction for the backend
	WorkDir   string
}

// Result is everything the orchestration core knows about an execution.
type Result struct {
	Success  bool
	Output   string
	Error    string
	Duration time.Duration
}

// Executor runs one request to completion or failure. Implementations must
// honor ctx cancellation, including forced termination on deadline.
type Executor interface {
	Name() string
	Execute(ctx context.Context, req Request) (Result, error)
}

// Registry maps provider names to executors. Selection happens by name,
// not by string-branching inside the scheduler.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor under its name. Re-registering a name replaces
// the previous executor.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Name()] = e
}

// Get returns the executor for a provider name.
func (r *Registry) Get(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[name]
	if !ok {
		return nil, fmt.Errorf("no executor registered for provider %q", name)
	}
	return e, nil
}

// Names returns all registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
