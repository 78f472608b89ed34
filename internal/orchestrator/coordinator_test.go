package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/aristath/infraplan/internal/events"
	"github.com/aristath/infraplan/internal/executor"
	"github.com/aristath/infraplan/internal/feedback"
	"github.com/aristath/infraplan/internal/ledger"
	"github.com/aristath/infraplan/internal/metrics"
	"github.com/aristath/infraplan/internal/persistence"
	"github.com/aristath/infraplan/internal/scheduler"
)

// fakeExecutor returns a fixed outcome per task ID and succeeds otherwise.
type fakeExecutor struct {
	mu       sync.Mutex
	outcomes map[string]executor.Outcome
	calls    []string
}

func (f *fakeExecutor) Execute(_ context.Context, task *scheduler.Task) (executor.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, task.ID)
	if o, ok := f.outcomes[task.ID]; ok {
		return o, nil
	}
	return executor.Outcome{Success: true, Confidence: 0.9, Output: "ok " + task.ID}, nil
}

func (f *fakeExecutor) called(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == id {
			return true
		}
	}
	return false
}

func failing(msg string) executor.Outcome {
	return executor.Outcome{Success: false, Error: msg}
}

func task(id string, deps ...string) *scheduler.Task {
	return &scheduler.Task{ID: id, Description: "step " + id, ExecutorTag: "docker", DependsOn: deps}
}

func critical(t *scheduler.Task) *scheduler.Task {
	t.Critical = true
	return t
}

func resource(t *scheduler.Task, typ string) *scheduler.Task {
	t.Resource = &scheduler.ResourceSpec{Type: typ}
	return t
}

func newCoordinator(t *testing.T, cfg Config, deps Deps, exec executor.Executor) *Coordinator {
	t.Helper()
	if deps.Executors == nil {
		deps.Executors = executor.NewRegistry(map[string]executor.Executor{"docker": exec})
	}
	c, err := New(cfg, deps)
	require.NoError(t, err)
	return c
}

func newLedger(t *testing.T) (*ledger.Ledger, *persistence.SQLiteStore) {
	t.Helper()
	store, err := persistence.NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	l, err := ledger.New(store, ledger.Config{})
	require.NoError(t, err)
	return l, store
}

func statuses(res *PlanResult) map[string]scheduler.TaskStatus {
	out := make(map[string]scheduler.TaskStatus, len(res.Tasks))
	for _, tr := range res.Tasks {
		out[tr.TaskID] = tr.Status
	}
	return out
}

func TestNew_RequiresExecutors(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}

func TestExecute_TwoRootsThenJoin(t *testing.T) {
	exec := &fakeExecutor{}
	c := newCoordinator(t, Config{}, Deps{}, exec)

	res, err := c.Execute(context.Background(), []*scheduler.Task{task("A"), task("B"), task("C", "A", "B")})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Stages)
	require.Len(t, res.Tasks, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{res.Tasks[0].TaskID, res.Tasks[1].TaskID, res.Tasks[2].TaskID})
	for _, tr := range res.Tasks {
		assert.Equal(t, scheduler.TaskSucceeded, tr.Status, tr.TaskID)
		assert.Equal(t, 1, tr.Attempts)
		assert.InDelta(t, 0.9, tr.Confidence, 1e-9)
	}
	assert.Equal(t, "C", exec.calls[2], "C runs after both prerequisites")
	assert.Empty(t, res.Skipped)
	assert.NotEmpty(t, res.RunID)
}

func TestExecute_CycleRunsNothing(t *testing.T) {
	exec := &fakeExecutor{}
	c := newCoordinator(t, Config{}, Deps{}, exec)

	res, err := c.Execute(context.Background(), []*scheduler.Task{task("a"), task("X", "X")})
	assert.Nil(t, res)
	require.ErrorIs(t, err, scheduler.ErrCycleDetected)
	assert.Empty(t, exec.calls)
}

func TestRun_CriticalFailureSkipsDescendantsOnly(t *testing.T) {
	exec := &fakeExecutor{outcomes: map[string]executor.Outcome{"db": failing("disk full")}}
	c := newCoordinator(t, Config{}, Deps{}, exec)

	res, err := c.Execute(context.Background(), []*scheduler.Task{
		critical(task("db")),
		task("cache"),
		task("svc", "db"),
		task("worker", "cache"),
		task("lb", "svc"),
	})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, map[string]scheduler.TaskStatus{
		"db":     scheduler.TaskFailed,
		"cache":  scheduler.TaskSucceeded,
		"svc":    scheduler.TaskSkipped,
		"worker": scheduler.TaskSucceeded,
		"lb":     scheduler.TaskSkipped,
	}, statuses(res))
	assert.Equal(t, []SkippedTask{{TaskID: "svc", BlockedBy: "db"}, {TaskID: "lb", BlockedBy: "db"}}, res.Skipped)
	assert.False(t, exec.called("svc"))
	assert.False(t, exec.called("lb"))

	db := res.Task("db")
	require.NotNil(t, db)
	assert.Equal(t, executor.KindExecutorFailure, db.Kind)
	assert.Equal(t, "disk full", db.Error)
	assert.False(t, db.Degraded)
	assert.Equal(t, "blocked by failed critical task db", res.Task("lb").Error)
}

func TestRun_NonCriticalFailureDegrades(t *testing.T) {
	exec := &fakeExecutor{outcomes: map[string]executor.Outcome{"monitoring": failing("exporter crashed")}}
	core, logs := observer.New(zapcore.WarnLevel)
	c := newCoordinator(t, Config{}, Deps{Logger: zap.New(core)}, exec)

	res, err := c.Execute(context.Background(), []*scheduler.Task{task("monitoring"), task("dashboard", "monitoring")})
	require.NoError(t, err)

	assert.True(t, res.Success)
	mon := res.Task("monitoring")
	assert.Equal(t, scheduler.TaskFailed, mon.Status)
	assert.True(t, mon.Degraded)
	assert.Equal(t, scheduler.TaskSucceeded, res.Task("dashboard").Status)
	assert.Len(t, res.Failed(), 1)
	assert.Equal(t, 1, logs.FilterMessage("non-critical task failed, continuing").Len())
}

func TestRun_UnknownExecutorTag(t *testing.T) {
	exec := &fakeExecutor{}
	c := newCoordinator(t, Config{}, Deps{}, exec)

	orphan := critical(task("orphan"))
	orphan.ExecutorTag = "terraform"
	res, err := c.Execute(context.Background(), []*scheduler.Task{orphan, task("after", "orphan")})
	require.NoError(t, err)

	tr := res.Task("orphan")
	assert.Equal(t, scheduler.TaskFailed, tr.Status)
	assert.Equal(t, executor.KindExecutorFailure, tr.Kind)
	assert.Contains(t, tr.Error, `"terraform"`)
	assert.Equal(t, scheduler.TaskSkipped, res.Task("after").Status)
}

func TestRun_RecordsDeploymentsWithPassThroughDependencies(t *testing.T) {
	l, _ := newLedger(t)
	exec := &fakeExecutor{outcomes: map[string]executor.Outcome{
		"app": {Success: true, Confidence: 0.95, Metadata: map[string]any{"container_id": "c0ffee"}},
	}}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	c := newCoordinator(t, Config{}, Deps{Ledger: l, Metrics: m}, exec)

	app := resource(task("app", "config"), "docker_container")
	app.Resource.Name = "web app"
	app.Resource.Metadata = map[string]any{"image": "nginx"}
	res, err := c.Execute(context.Background(), []*scheduler.Task{
		resource(task("net"), "docker_network"),
		task("config", "net"),
		app,
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	ctx := context.Background()
	net, err := l.Get(ctx, "net")
	require.NoError(t, err)
	assert.Empty(t, net.DependsOn)
	assert.Equal(t, "net", net.Name)

	got, err := l.Get(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, []string{"net"}, got.DependsOn)
	assert.Equal(t, "docker_container", got.Type)
	assert.Equal(t, "web app", got.Name)
	assert.Equal(t, "docker", got.ExecutorTag)
	assert.Equal(t, "nginx", got.Metadata["image"])
	assert.Equal(t, "c0ffee", got.Metadata["container_id"])

	assert.Equal(t, "app", res.Task("app").ResourceID)
	assert.Empty(t, res.Task("config").ResourceID)

	_, err = l.Get(ctx, "config")
	require.ErrorIs(t, err, ledger.ErrResourceNotFound)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.TasksTotal.WithLabelValues("docker", "succeeded")))
}

func TestRun_DanglingDependencyFailsTask(t *testing.T) {
	l, _ := newLedger(t)
	exec := &fakeExecutor{}
	c := newCoordinator(t, Config{}, Deps{Ledger: l}, exec)

	first := resource(task("first"), "volume")
	first.Resource.ID = "vol"
	second := resource(task("second", "first"), "volume")
	second.Resource.ID = "vol"

	res, err := c.Execute(context.Background(), []*scheduler.Task{first, second})
	require.NoError(t, err)

	tr := res.Task("second")
	assert.Equal(t, scheduler.TaskFailed, tr.Status)
	assert.Equal(t, executor.KindDanglingDependency, tr.Kind)
	assert.True(t, tr.Degraded)
	assert.Empty(t, tr.ResourceID)
}

func TestRun_CheckpointBeforeRun(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	require.NoError(t, l.RecordDeployment(ctx, ledger.ResourceState{ID: "legacy", Type: "vm", Name: "legacy"}))

	c := newCoordinator(t, Config{CheckpointBeforeRun: true}, Deps{Ledger: l}, &fakeExecutor{})
	res, err := c.Execute(ctx, []*scheduler.Task{
		resource(task("net"), "docker_network"),
		resource(task("app", "net"), "docker_container"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.CheckpointID)

	plan, err := l.GetRollbackPlan(ctx, res.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, []string{"app", "net"}, plan.ToRemove)
	assert.Equal(t, []string{"legacy"}, plan.Unchanged)
	assert.Empty(t, plan.ToAdd)
}

func TestRun_CheckpointFailureReportsEveryTask(t *testing.T) {
	l, store := newLedger(t)
	require.NoError(t, store.Close())

	exec := &fakeExecutor{}
	c := newCoordinator(t, Config{CheckpointBeforeRun: true}, Deps{Ledger: l}, exec)
	res, err := c.Execute(context.Background(), []*scheduler.Task{task("net"), task("app", "net")})
	require.ErrorContains(t, err, "checkpoint before run")

	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Empty(t, res.CheckpointID)
	require.Len(t, res.Tasks, 2)
	for _, tr := range res.Tasks {
		assert.Equal(t, scheduler.TaskFailed, tr.Status, tr.TaskID)
		assert.Equal(t, executor.KindLedgerWrite, tr.Kind)
		assert.Contains(t, tr.Error, "not started")
	}
	assert.Empty(t, exec.calls)
}

func TestRun_RecorderPersistsFinalStatuses(t *testing.T) {
	store, err := persistence.NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	exec := &fakeExecutor{outcomes: map[string]executor.Outcome{"b": failing("nope")}}
	c := newCoordinator(t, Config{}, Deps{Recorder: store}, exec)

	res, err := c.Execute(context.Background(), []*scheduler.Task{task("a"), critical(task("b")), task("c", "b")})
	require.NoError(t, err)

	records, err := store.RunTasks(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Len(t, records, 3)

	got := make(map[string]*persistence.TaskRecord)
	for _, r := range records {
		got[r.TaskID] = r
	}
	assert.Equal(t, scheduler.TaskSucceeded, got["a"].Status)
	assert.Equal(t, "ok a", got["a"].Output)
	assert.Equal(t, 1, got["a"].Attempts)
	assert.Equal(t, scheduler.TaskFailed, got["b"].Status)
	assert.Equal(t, "nope", got["b"].Error)
	assert.Equal(t, scheduler.TaskSkipped, got["c"].Status)
	assert.Equal(t, []string{"b"}, got["c"].DependsOn)
}

func TestRun_CancellationReportsUnstartedTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := executor.Func(func(_ context.Context, task *scheduler.Task) (executor.Outcome, error) {
		if task.ID == "first" {
			cancel()
		}
		return executor.Outcome{Success: true, Confidence: 1}, nil
	})
	c := newCoordinator(t, Config{}, Deps{}, exec)

	res, err := c.Execute(ctx, []*scheduler.Task{task("first"), task("second", "first"), task("third", "second")})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	require.Len(t, res.Tasks, 3)

	assert.Equal(t, scheduler.TaskSucceeded, res.Task("first").Status)
	for _, id := range []string{"second", "third"} {
		tr := res.Task(id)
		assert.Equal(t, scheduler.TaskFailed, tr.Status, id)
		assert.Equal(t, executor.KindCanceled, tr.Kind, id)
		assert.Contains(t, tr.Error, "context canceled")
	}
}

func TestRun_RespectsConcurrencyLimit(t *testing.T) {
	var inflight, peak atomic.Int32
	exec := executor.Func(func(context.Context, *scheduler.Task) (executor.Outcome, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inflight.Add(-1)
		return executor.Outcome{Success: true, Confidence: 1}, nil
	})
	c := newCoordinator(t, Config{ConcurrencyLimit: 2}, Deps{}, exec)

	var tasks []*scheduler.Task
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		tasks = append(tasks, task(id))
	}
	res, err := c.Execute(context.Background(), tasks)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestRun_SameResourceIsSerialized(t *testing.T) {
	var inflight, overlaps atomic.Int32
	exec := executor.Func(func(context.Context, *scheduler.Task) (executor.Outcome, error) {
		if inflight.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(10 * time.Millisecond)
		inflight.Add(-1)
		return executor.Outcome{Success: true, Confidence: 1}, nil
	})
	c := newCoordinator(t, Config{ConcurrencyLimit: 4}, Deps{}, exec)

	a := resource(task("scale-up"), "k8s_deployment")
	a.Resource.ID = "api"
	b := resource(task("patch-env"), "k8s_deployment")
	b.Resource.ID = "api"

	res, err := c.Execute(context.Background(), []*scheduler.Task{a, b})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, overlaps.Load())
}

func TestRun_PublishesLifecycleEvents(t *testing.T) {
	bus := events.NewEventBus()
	all := bus.SubscribeAll(64)

	var calls atomic.Int32
	flaky := executor.Func(func(context.Context, *scheduler.Task) (executor.Outcome, error) {
		if calls.Add(1) == 1 {
			return executor.Outcome{Success: true, Confidence: 0.4}, nil
		}
		return executor.Outcome{Success: true, Confidence: 0.9}, nil
	})
	c := newCoordinator(t, Config{}, Deps{Bus: bus}, flaky)

	res, err := c.Execute(context.Background(), []*scheduler.Task{task("web")})
	require.NoError(t, err)
	require.Equal(t, 2, res.Task("web").Attempts)
	bus.Close()

	var types []string
	for e := range all {
		types = append(types, e.EventType())
	}
	assert.Equal(t, []string{
		events.EventTypeTaskStarted,
		events.EventTypeTaskRetrying,
		events.EventTypeTaskCompleted,
		events.EventTypeStageCompleted,
		events.EventTypePlanCompleted,
	}, types)
}

// timedExecutor sleeps per task and records when each call started and ended.
type timedExecutor struct {
	mu     sync.Mutex
	delay  map[string]time.Duration
	starts map[string]time.Time
	ends   map[string]time.Time
}

func (e *timedExecutor) Execute(ctx context.Context, task *scheduler.Task) (executor.Outcome, error) {
	e.mu.Lock()
	e.starts[task.ID] = time.Now()
	d := e.delay[task.ID]
	e.mu.Unlock()

	select {
	case <-time.After(d):
	case <-ctx.Done():
		return executor.Outcome{}, ctx.Err()
	}

	e.mu.Lock()
	e.ends[task.ID] = time.Now()
	e.mu.Unlock()
	return executor.Outcome{Success: true, Confidence: 0.9}, nil
}

func TestRun_StageWaitsForUnrelatedSlowTask(t *testing.T) {
	exec := &timedExecutor{
		delay:  map[string]time.Duration{"slow": 50 * time.Millisecond},
		starts: make(map[string]time.Time),
		ends:   make(map[string]time.Time),
	}
	c := newCoordinator(t, Config{}, Deps{}, exec)

	res, err := c.Execute(context.Background(), []*scheduler.Task{
		task("slow"),
		task("fast"),
		task("d", "fast"),
		task("e", "d"),
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 3, res.Stages)

	// d depends only on fast, yet starts after slow because slow shares
	// the stage before it.
	assert.False(t, exec.starts["d"].Before(exec.ends["slow"]), "d started before slow finished")
	assert.False(t, exec.starts["e"].Before(exec.ends["d"]))
}

func TestRun_OpenBreakerDoesNotFailIndependentTask(t *testing.T) {
	down := executor.Outcome{Success: false, Error: "daemon not running", Retryable: true}
	exec := &fakeExecutor{outcomes: map[string]executor.Outcome{"A": down, "B": down}}
	loop := feedback.NewLoop(feedback.Config{
		Breakers: feedback.NewBreakerRegistry(feedback.BreakerConfig{
			ConsecutiveFailures: 2,
			OpenTimeout:         20 * time.Millisecond,
			HalfOpenRequests:    1,
		}, nil),
	})
	c := newCoordinator(t, Config{ConcurrencyLimit: 1}, Deps{Loop: loop}, exec)

	res, err := c.Execute(context.Background(), []*scheduler.Task{
		critical(task("A")),
		critical(task("B")),
		critical(task("X")),
		task("C", "X"),
	})
	require.NoError(t, err)

	st := statuses(res)
	assert.Equal(t, scheduler.TaskFailed, st["A"])
	assert.Equal(t, scheduler.TaskFailed, st["B"])
	assert.Equal(t, scheduler.TaskSucceeded, st["X"])
	assert.Equal(t, scheduler.TaskSucceeded, st["C"])
	assert.Empty(t, res.Skipped)
	assert.True(t, exec.called("X"))

	assert.Equal(t, 1, res.Task("X").Attempts)
	assert.Equal(t, 3, res.Task("B").Attempts)
	assert.Equal(t, executor.KindMaxRetriesExceeded, res.Task("B").Kind)
}
