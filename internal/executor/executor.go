package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aristath/infraplan/internal/scheduler"
)

// Executor performs one attempt of a task. Returning an error is equivalent
// to a failed, retryable outcome; per-attempt timeouts are the executor's own
// business and should surface the same way.
type Executor interface {
	Execute(ctx context.Context, task *scheduler.Task) (Outcome, error)
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, task *scheduler.Task) (Outcome, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, task *scheduler.Task) (Outcome, error) {
	return f(ctx, task)
}

// Registry maps executor tags to executors. It is filled once at startup and
// read concurrently afterwards.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates a registry, optionally seeded with executors.
func NewRegistry(executors map[string]Executor) *Registry {
	r := &Registry{executors: make(map[string]Executor, len(executors))}
	for tag, e := range executors {
		r.executors[tag] = e
	}
	return r
}

// Register adds an executor under tag. Registering a tag twice is an error.
func (r *Registry) Register(tag string, e Executor) error {
	if tag == "" {
		return fmt.Errorf("executor tag must not be empty")
	}
	if e == nil {
		return fmt.Errorf("executor %q is nil", tag)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[tag]; exists {
		return fmt.Errorf("executor %q already registered", tag)
	}
	r.executors[tag] = e
	return nil
}

// Lookup returns the executor for tag.
func (r *Registry) Lookup(tag string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[tag]
	return e, ok
}

// Tags returns the registered tags in sorted order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.executors))
	for tag := range r.executors {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
