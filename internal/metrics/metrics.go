// Package metrics exposes Prometheus instruments for plan execution and
// rollback. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "infraplan"

// Metrics holds the instruments registered by New.
type Metrics struct {
	TasksTotal        *prometheus.CounterVec
	AttemptsPerTask   *prometheus.HistogramVec
	StageDuration     prometheus.Histogram
	PlanDuration      prometheus.Histogram
	ResourcesRecorded *prometheus.CounterVec
	RollbackRemovals  prometheus.Counter
	RollbackBlocked   prometheus.Counter
	BreakerOpen       *prometheus.CounterVec
}

// New registers the instruments on reg. Passing a fresh registry per test
// avoids duplicate registration panics.
//
//   - infraplan_tasks_total{executor,status}
//   - infraplan_task_attempts{executor}
//   - infraplan_stage_duration_seconds
//   - infraplan_plan_duration_seconds
//   - infraplan_resources_recorded_total{type}
//   - infraplan_rollback_removals_total
//   - infraplan_rollback_blocked_total
//   - infraplan_breaker_open_total{executor}
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Tasks finished, by executor tag and final status.",
		}, []string{"executor", "status"}),
		AttemptsPerTask: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_attempts",
			Help:      "Attempts made per task by the feedback loop.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 13},
		}, []string{"executor"}),
		StageDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of a stage from dispatch to barrier.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		PlanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plan_duration_seconds",
			Help:      "Wall time of a whole plan run.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		ResourcesRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resources_recorded_total",
			Help:      "Deployments written to the state ledger, by resource type.",
		}, []string{"type"}),
		RollbackRemovals: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollback_removals_total",
			Help:      "Resources marked removed by rollback.",
		}),
		RollbackBlocked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollback_blocked_total",
			Help:      "Removals skipped because a live dependent remained.",
		}),
		BreakerOpen: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_open_total",
			Help:      "Attempts rejected by an open circuit breaker.",
		}, []string{"executor"}),
	}
}

// ObserveTask records a finished task.
func (m *Metrics) ObserveTask(executorTag, status string, attempts int) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(executorTag, status).Inc()
	if attempts > 0 {
		m.AttemptsPerTask.WithLabelValues(executorTag).Observe(float64(attempts))
	}
}

// ObserveStage records the duration of one stage.
func (m *Metrics) ObserveStage(d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.Observe(d.Seconds())
}

// ObservePlan records the duration of a plan run.
func (m *Metrics) ObservePlan(d time.Duration) {
	if m == nil {
		return
	}
	m.PlanDuration.Observe(d.Seconds())
}

// ResourceRecorded counts a ledger write.
func (m *Metrics) ResourceRecorded(resourceType string) {
	if m == nil {
		return
	}
	m.ResourcesRecorded.WithLabelValues(resourceType).Inc()
}

// ObserveRollback records the removals and blocked removals of one rollback.
func (m *Metrics) ObserveRollback(removed, blocked int) {
	if m == nil {
		return
	}
	m.RollbackRemovals.Add(float64(removed))
	m.RollbackBlocked.Add(float64(blocked))
}

// BreakerRejected counts an attempt refused by an open breaker.
func (m *Metrics) BreakerRejected(executorTag string) {
	if m == nil {
		return
	}
	m.BreakerOpen.WithLabelValues(executorTag).Inc()
}
