package orchestrator

import (
	"time"

	"github.com/aristath/infraplan/internal/executor"
	"github.com/aristath/infraplan/internal/scheduler"
)

// TaskResult is the final report for one task of a plan.
type TaskResult struct {
	TaskID      string
	ExecutorTag string
	Status      scheduler.TaskStatus // succeeded, failed or skipped
	Critical    bool
	// Degraded marks a failed non-critical task whose dependents still ran.
	Degraded   bool
	Attempts   int
	Confidence float64
	Output     string
	Kind       executor.ErrorKind
	Error      string
	Feedback   []executor.Feedback
	ResourceID string // recorded ledger entry, "" if none
	BlockedBy  string // failing critical ancestor of a skipped task
	Duration   time.Duration
}

// SkippedTask names a task that never ran and the critical failure behind it.
type SkippedTask struct {
	TaskID    string
	BlockedBy string
}

// PlanResult reports a whole run.
type PlanResult struct {
	RunID string
	// Tasks holds every task exactly once, in stage order and input order
	// within a stage.
	Tasks []TaskResult
	// Success is false iff a critical task failed.
	Success      bool
	Skipped      []SkippedTask
	CheckpointID string // set when a checkpoint was taken before the run
	Stages       int
	Duration     time.Duration
}

// Task returns the result for id, or nil.
func (r *PlanResult) Task(id string) *TaskResult {
	for i := range r.Tasks {
		if r.Tasks[i].TaskID == id {
			return &r.Tasks[i]
		}
	}
	return nil
}

// Failed returns the failed tasks, degraded ones included.
func (r *PlanResult) Failed() []TaskResult {
	var out []TaskResult
	for _, t := range r.Tasks {
		if t.Status == scheduler.TaskFailed {
			out = append(out, t)
		}
	}
	return out
}
