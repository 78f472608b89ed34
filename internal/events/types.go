package events

import (
	"strings"
	"time"
)

// Event is anything published on the bus.
type Event interface {
	EventType() string
	TaskID() string
}

// Topics. An event's topic is the part of its type before the first dot,
// except stage events which travel with plan events.
const (
	TopicTask     = "task"
	TopicResource = "resource"
	TopicPlan     = "plan"
)

const (
	EventTypeTaskStarted      = "task.started"
	EventTypeTaskRetrying     = "task.retrying"
	EventTypeTaskCompleted    = "task.completed"
	EventTypeTaskFailed       = "task.failed"
	EventTypeTaskSkipped      = "task.skipped"
	EventTypeResourceRecorded = "resource.recorded"
	EventTypeStageCompleted   = "stage.completed"
	EventTypePlanCompleted    = "plan.completed"
)

// TopicOf returns the topic an event is published on.
func TopicOf(e Event) string {
	t := e.EventType()
	if strings.HasPrefix(t, "stage.") {
		return TopicPlan
	}
	if i := strings.IndexByte(t, '.'); i > 0 {
		return t[:i]
	}
	return t
}

type TaskStartedEvent struct {
	RunID       string
	ID          string
	ExecutorTag string
	Stage       int
	Timestamp   time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskRetryingEvent is published before every attempt after the first.
type TaskRetryingEvent struct {
	RunID     string
	ID        string
	Attempt   int    // the attempt that was rejected
	Feedback  string // feedback kind
	Message   string
	Timestamp time.Time
}

func (e TaskRetryingEvent) EventType() string { return EventTypeTaskRetrying }
func (e TaskRetryingEvent) TaskID() string    { return e.ID }

type TaskCompletedEvent struct {
	RunID      string
	ID         string
	Attempts   int
	Confidence float64
	Duration   time.Duration
	Timestamp  time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published for every failed task. Degraded is set when
// the task was not critical and its dependents keep running.
type TaskFailedEvent struct {
	RunID     string
	ID        string
	Kind      string
	Err       string
	Attempts  int
	Degraded  bool
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

type TaskSkippedEvent struct {
	RunID     string
	ID        string
	BlockedBy string
	Timestamp time.Time
}

func (e TaskSkippedEvent) EventType() string { return EventTypeTaskSkipped }
func (e TaskSkippedEvent) TaskID() string    { return e.ID }

// ResourceRecordedEvent is published after a deployment lands in the ledger.
type ResourceRecordedEvent struct {
	RunID        string
	ID           string // task that deployed the resource
	ResourceID   string
	ResourceType string
	DependsOn    []string
	Timestamp    time.Time
}

func (e ResourceRecordedEvent) EventType() string { return EventTypeResourceRecorded }
func (e ResourceRecordedEvent) TaskID() string    { return e.ID }

type StageCompletedEvent struct {
	RunID     string
	Index     int
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
	Duration  time.Duration
	Timestamp time.Time
}

func (e StageCompletedEvent) EventType() string { return EventTypeStageCompleted }
func (e StageCompletedEvent) TaskID() string    { return "" }

type PlanCompletedEvent struct {
	RunID        string
	Success      bool
	Tasks        int
	Failed       int
	Skipped      int
	CheckpointID string
	Duration     time.Duration
	Timestamp    time.Time
}

func (e PlanCompletedEvent) EventType() string { return EventTypePlanCompleted }
func (e PlanCompletedEvent) TaskID() string    { return "" }
