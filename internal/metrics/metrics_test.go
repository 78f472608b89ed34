package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveTask("docker", "succeeded", 2)
	m.ObserveTask("docker", "succeeded", 1)
	m.ObserveTask("kubernetes", "failed", 3)
	m.ResourceRecorded("docker_container")
	m.ObserveRollback(3, 1)
	m.BreakerRejected("terraform")
	m.ObserveStage(150 * time.Millisecond)
	m.ObservePlan(time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TasksTotal.WithLabelValues("docker", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksTotal.WithLabelValues("kubernetes", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResourcesRecorded.WithLabelValues("docker_container")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RollbackRemovals))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RollbackBlocked))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerOpen.WithLabelValues("terraform")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.AttemptsPerTask))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveTask("docker", "failed", 1)
		m.ObserveStage(time.Second)
		m.ObservePlan(time.Second)
		m.ResourceRecorded("x")
		m.ObserveRollback(1, 1)
		m.BreakerRejected("x")
	})
}
