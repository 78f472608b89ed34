// Package memory records the outcome of every task attempt and mines that
// history for parameter suggestions and recurring failures.
package memory

import (
	"context"
	"time"

	"github.com/aristath/infraplan/internal/executor"
	"github.com/aristath/infraplan/internal/scheduler"
)

// Record is one remembered attempt. Records are append-only.
type Record struct {
	ID          int64
	TaskID      string
	Description string
	ExecutorTag string
	Parameters  map[string]any
	Success     bool
	Confidence  float64
	Duration    time.Duration
	Output      string
	Error       string
	Solution    string
	Context     map[string]any
	Timestamp   time.Time
}

// Failure describes a failed attempt to remember. Solution is set when a
// later attempt found a fix.
type Failure struct {
	Error      string
	Solution   string
	Confidence float64
	Duration   time.Duration
	Output     string
	Context    map[string]any
}

// FailureWarning is a failure seen repeatedly for similar tasks, together
// with the fix that was recorded for it.
type FailureWarning struct {
	Error       string
	Occurrences int
	Solution    string
}

// Suggestions summarizes what history says about a task.
type Suggestions struct {
	// Parameters of the highest-confidence similar success, nil when none.
	Parameters map[string]any
	// Confidence of that success.
	Confidence   float64
	SuccessRate  float64
	TotalMatches int
	Warnings     []FailureWarning
}

// HasParameters reports whether a parameter set was found.
func (s *Suggestions) HasParameters() bool {
	return s != nil && len(s.Parameters) > 0
}

// Statistics aggregates the outcomes of similar tasks.
type Statistics struct {
	Total             int
	Successes         int
	Failures          int
	SuccessRate       float64
	AverageDuration   time.Duration // successful attempts only
	AverageConfidence float64       // successful attempts only
}

// Memory is what the feedback loop needs from execution history.
type Memory interface {
	RememberSuccess(ctx context.Context, task *scheduler.Task, outcome executor.Outcome, details map[string]any) error
	RememberFailure(ctx context.Context, task *scheduler.Task, failure Failure) error
	FindSimilar(ctx context.Context, task *scheduler.Task, limit int) ([]*Record, error)
	SuggestImprovements(ctx context.Context, task *scheduler.Task) (*Suggestions, error)
}

// Store persists records. MemoriesByExecutor pages through the records for
// the tag, newest first, skipping offset records and returning at most limit.
type Store interface {
	InsertMemory(ctx context.Context, rec *Record) error
	MemoriesByExecutor(ctx context.Context, executorTag string, offset, limit int) ([]*Record, error)
	DeleteMemoriesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteAllMemories(ctx context.Context) (int64, error)
}

// Noop remembers nothing and never suggests anything.
type Noop struct{}

var _ Memory = Noop{}

func (Noop) RememberSuccess(context.Context, *scheduler.Task, executor.Outcome, map[string]any) error {
	return nil
}

func (Noop) RememberFailure(context.Context, *scheduler.Task, Failure) error { return nil }

func (Noop) FindSimilar(context.Context, *scheduler.Task, int) ([]*Record, error) { return nil, nil }

func (Noop) SuggestImprovements(context.Context, *scheduler.Task) (*Suggestions, error) {
	return &Suggestions{}, nil
}
