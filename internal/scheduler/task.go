package scheduler

// TaskStatus represents the final or in-flight state of a task within a run.
type TaskStatus int

const (
	TaskPending   TaskStatus = iota // Not dispatched yet
	TaskRunning                     // Inside the feedback loop
	TaskSucceeded                   // Accepted outcome
	TaskFailed                      // Exhausted, stopped or otherwise failed
	TaskSkipped                     // Blocked by a failed critical ancestor
)

// String returns the lowercase name used in logs, events and the tasks table.
func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskSucceeded:
		return "succeeded"
	case TaskFailed:
		return "failed"
	case TaskSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// ResourceSpec marks a task as infrastructure-mutating. A task carrying one
// is recorded in the state ledger after it succeeds.
type ResourceSpec struct {
	ID       string         // Explicit resource ID; the task ID is used when empty
	Type     string         // e.g. "docker_container", "k8s_deployment"
	Name     string         // Human-readable name
	Metadata map[string]any // Merged with the executor's outcome metadata
}

// Task is one unit of work in a plan.
type Task struct {
	ID          string         // Unique within the plan
	Description string         // Free text, used for memory similarity
	ExecutorTag string         // Key into the executor registry
	Params      map[string]any // Executor parameters
	DependsOn   []string       // Prerequisite task IDs, ordered
	Critical    bool           // Failure blocks every transitive dependent
	Resource    *ResourceSpec  // Non-nil for infrastructure-mutating tasks
}

// Mutating reports whether a successful run of the task changes infrastructure.
func (t *Task) Mutating() bool {
	return t.Resource != nil
}

// ResourceID returns the ledger ID of the resource the task deploys, or ""
// for non-mutating tasks.
func (t *Task) ResourceID() string {
	if t.Resource == nil {
		return ""
	}
	if t.Resource.ID != "" {
		return t.Resource.ID
	}
	return t.ID
}

// Clone returns a copy that can be modified without touching the submitted
// task. Params and metadata maps are copied one level deep.
func (t *Task) Clone() *Task {
	clone := *t
	clone.Params = CloneParams(t.Params)
	if t.DependsOn != nil {
		clone.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Resource != nil {
		res := *t.Resource
		res.Metadata = CloneParams(t.Resource.Metadata)
		clone.Resource = &res
	}
	return &clone
}

// CloneParams copies a parameter map. A nil map yields an empty one so callers
// can assign into the result.
func CloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
