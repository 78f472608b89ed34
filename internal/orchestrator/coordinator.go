// Package orchestrator runs a resolved plan stage by stage, feeding each
// task through the feedback loop and recording what it deploys.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/infraplan/internal/events"
	"github.com/aristath/infraplan/internal/executor"
	"github.com/aristath/infraplan/internal/feedback"
	"github.com/aristath/infraplan/internal/ledger"
	"github.com/aristath/infraplan/internal/metrics"
	"github.com/aristath/infraplan/internal/scheduler"
)

const (
	DefaultConcurrencyLimit = 4
	instrumentationName     = "github.com/aristath/infraplan/internal/orchestrator"
)

// Config tunes a Coordinator.
type Config struct {
	ConcurrencyLimit    int     // max concurrent tasks per stage (default 4)
	MaxRetries          int     // per-task attempt budget (feedback default when 0)
	ConfidenceThreshold float64 // acceptance threshold (feedback default when 0)
	CheckpointBeforeRun bool    // snapshot the ledger before the first stage
}

// TaskRecorder persists per-run task state. persistence.SQLiteStore
// implements it.
type TaskRecorder interface {
	StartRun(ctx context.Context, runID string, tasks []*scheduler.Task) error
	UpdateTaskStatus(ctx context.Context, runID, taskID string, status scheduler.TaskStatus, attempts int, output, errText string) error
	FinishRun(ctx context.Context, runID string, success bool, checkpointID string) error
}

// Deps holds everything a Coordinator talks to. Only Executors is required.
type Deps struct {
	Executors *executor.Registry
	Loop      *feedback.Loop
	Ledger    *ledger.Ledger // mutating tasks are not recorded when nil
	Recorder  TaskRecorder
	Bus       *events.EventBus
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Locks     *scheduler.ResourceLockManager
	Tracer    trace.Tracer
}

// Coordinator executes plans. One Coordinator may run several plans
// concurrently; runs share the resource locks.
type Coordinator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	tracer trace.Tracer
}

// New creates a Coordinator.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Executors == nil {
		return nil, errors.New("orchestrator: executor registry is required")
	}
	if cfg.ConcurrencyLimit <= 0 {
		cfg.ConcurrencyLimit = DefaultConcurrencyLimit
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Loop == nil {
		deps.Loop = feedback.NewLoop(feedback.Config{Logger: deps.Logger, Metrics: deps.Metrics})
	}
	if deps.Locks == nil {
		deps.Locks = scheduler.NewResourceLockManager()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(instrumentationName)
	}
	return &Coordinator{cfg: cfg, deps: deps, logger: deps.Logger, tracer: deps.Tracer}, nil
}

// run is the mutable state of one plan execution.
type run struct {
	id          string
	descendants map[string][]string
	recording   bool

	mu        sync.Mutex
	results   map[string]*TaskResult
	blockedBy map[string]string
	resources map[string][]string // task ID -> resource IDs visible to its dependents
}

func (r *run) store(tr *TaskResult, visible []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[tr.TaskID] = tr
	r.resources[tr.TaskID] = visible
}

func (r *run) block(failed string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.descendants[failed] {
		if _, ok := r.blockedBy[id]; !ok {
			r.blockedBy[id] = failed
		}
	}
}

func (r *run) blocker(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	by, ok := r.blockedBy[id]
	return by, ok
}

// upstream returns the resource IDs recorded by task's prerequisites, in
// prerequisite order without duplicates.
func (r *run) upstream(task *scheduler.Task) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	seen := make(map[string]bool)
	for _, dep := range task.DependsOn {
		for _, id := range r.resources[dep] {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// Execute resolves tasks into stages and runs them. A graph error is
// returned before anything is executed.
func (c *Coordinator) Execute(ctx context.Context, tasks []*scheduler.Task) (*PlanResult, error) {
	stages, err := scheduler.Resolve(tasks)
	if err != nil {
		return nil, err
	}
	return c.Run(ctx, stages)
}

// Run executes already resolved stages. Each stage completes before the
// next starts. On cancellation Run returns the partial result together
// with ctx.Err(); tasks that never started are reported failed. When the
// checkpoint before the run cannot be taken, nothing runs and every task
// is reported failed alongside the error.
func (c *Coordinator) Run(ctx context.Context, stages []scheduler.Stage) (*PlanResult, error) {
	start := time.Now()
	r := &run{
		id:          uuid.NewString(),
		descendants: scheduler.Descendants(stages),
		results:     make(map[string]*TaskResult),
		blockedBy:   make(map[string]string),
		resources:   make(map[string][]string),
	}

	var all []*scheduler.Task
	for _, stage := range stages {
		all = append(all, stage...)
	}

	ctx, span := c.tracer.Start(ctx, "plan.run", trace.WithAttributes(
		attribute.String("run_id", r.id),
		attribute.Int("stages", len(stages)),
		attribute.Int("tasks", len(all))))
	defer span.End()

	log := c.logger.With(zap.String("run_id", r.id))
	res := &PlanResult{RunID: r.id, Stages: len(stages)}

	if c.cfg.CheckpointBeforeRun && c.deps.Ledger != nil {
		id, err := c.deps.Ledger.CreateCheckpoint(ctx, "before run "+r.id)
		if err != nil {
			err = fmt.Errorf("checkpoint before run: %w", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "checkpoint failed")
			for _, task := range all {
				tr := newResult(task)
				tr.Status = scheduler.TaskFailed
				tr.Kind = executor.KindLedgerWrite
				tr.Error = fmt.Sprintf("not started: %v", err)
				res.Tasks = append(res.Tasks, *tr)
			}
			res.Duration = time.Since(start)
			log.Error("checkpoint failed, no task was started", zap.Error(err))
			return res, err
		}
		res.CheckpointID = id
	}

	if c.deps.Recorder != nil {
		if err := c.deps.Recorder.StartRun(ctx, r.id, all); err != nil {
			log.Warn("failed to record run start, continuing without task records", zap.Error(err))
		} else {
			r.recording = true
		}
	}

	log.Info("starting plan", zap.Int("stages", len(stages)), zap.Int("tasks", len(all)))
	for i, stage := range stages {
		if ctx.Err() != nil {
			break
		}
		c.runStage(ctx, r, i, stage)
	}

	res.Success = true
	for _, stage := range stages {
		for _, task := range stage {
			tr := r.results[task.ID]
			if tr == nil {
				tr = c.unfinished(ctx, r, task)
			}
			if tr.Status == scheduler.TaskSkipped {
				res.Skipped = append(res.Skipped, SkippedTask{TaskID: tr.TaskID, BlockedBy: tr.BlockedBy})
			}
			if tr.Status == scheduler.TaskFailed && tr.Critical {
				res.Success = false
			}
			res.Tasks = append(res.Tasks, *tr)
		}
	}
	res.Duration = time.Since(start)

	if r.recording {
		if err := c.deps.Recorder.FinishRun(context.WithoutCancel(ctx), r.id, res.Success, res.CheckpointID); err != nil {
			log.Warn("failed to record run completion", zap.Error(err))
		}
	}
	c.deps.Metrics.ObservePlan(res.Duration)
	c.deps.Bus.Publish(events.PlanCompletedEvent{
		RunID:        r.id,
		Success:      res.Success,
		Tasks:        len(res.Tasks),
		Failed:       len(res.Failed()),
		Skipped:      len(res.Skipped),
		CheckpointID: res.CheckpointID,
		Duration:     res.Duration,
		Timestamp:    time.Now(),
	})

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "canceled")
		log.Warn("plan canceled", zap.Error(err))
		return res, err
	}
	if !res.Success {
		span.SetStatus(codes.Error, "critical task failed")
	}
	log.Info("plan finished",
		zap.Bool("success", res.Success),
		zap.Int("failed", len(res.Failed())),
		zap.Int("skipped", len(res.Skipped)),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// unfinished reports a task the run never reached.
func (c *Coordinator) unfinished(ctx context.Context, r *run, task *scheduler.Task) *TaskResult {
	if by, ok := r.blocker(task.ID); ok {
		return c.skip(ctx, r, task, by)
	}
	err := ctx.Err()
	if err == nil {
		err = context.Canceled
	}
	tr := newResult(task)
	c.fail(r, tr, executor.KindCanceled, fmt.Sprintf("not started: %v", err))
	c.finish(ctx, r, task, tr, nil)
	return tr
}

func (c *Coordinator) runStage(ctx context.Context, r *run, index int, stage scheduler.Stage) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "stage.run", trace.WithAttributes(
		attribute.String("run_id", r.id),
		attribute.Int("stage", index),
		attribute.Int("tasks", len(stage))))
	defer span.End()

	var g errgroup.Group
	g.SetLimit(c.cfg.ConcurrencyLimit)
	for _, task := range stage {
		if by, blocked := r.blocker(task.ID); blocked {
			c.skip(ctx, r, task, by)
			continue
		}
		g.Go(func() error {
			c.executeTask(ctx, r, index, task)
			return nil
		})
	}
	_ = g.Wait()

	ev := events.StageCompletedEvent{RunID: r.id, Index: index, Total: len(stage), Duration: time.Since(start), Timestamp: time.Now()}
	r.mu.Lock()
	for _, task := range stage {
		if tr, ok := r.results[task.ID]; ok {
			switch tr.Status {
			case scheduler.TaskSucceeded:
				ev.Succeeded++
			case scheduler.TaskFailed:
				ev.Failed++
			case scheduler.TaskSkipped:
				ev.Skipped++
			}
		}
	}
	r.mu.Unlock()

	c.deps.Metrics.ObserveStage(ev.Duration)
	c.deps.Bus.Publish(ev)
	c.logger.Debug("stage completed",
		zap.String("run_id", r.id),
		zap.Int("stage", index),
		zap.Int("succeeded", ev.Succeeded),
		zap.Int("failed", ev.Failed),
		zap.Int("skipped", ev.Skipped))
}

func newResult(task *scheduler.Task) *TaskResult {
	return &TaskResult{TaskID: task.ID, ExecutorTag: task.ExecutorTag, Critical: task.Critical}
}

func (c *Coordinator) executeTask(ctx context.Context, r *run, stage int, task *scheduler.Task) {
	start := time.Now()
	tr := newResult(task)
	log := c.logger.With(zap.String("run_id", r.id), zap.String("task_id", task.ID), zap.String("executor", task.ExecutorTag))

	if err := ctx.Err(); err != nil {
		c.fail(r, tr, executor.KindCanceled, fmt.Sprintf("not started: %v", err))
		c.finish(ctx, r, task, tr, nil)
		return
	}

	ctx, span := c.tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("task_id", task.ID),
		attribute.String("executor", task.ExecutorTag),
		attribute.Bool("critical", task.Critical)))
	defer span.End()

	c.deps.Bus.Publish(events.TaskStartedEvent{RunID: r.id, ID: task.ID, ExecutorTag: task.ExecutorTag, Stage: stage, Timestamp: start})
	c.recordStatus(ctx, r, task.ID, scheduler.TaskRunning, 0, "", "")

	var visible []string
	defer func() {
		tr.Duration = time.Since(start)
		if tr.Status == scheduler.TaskFailed {
			span.SetStatus(codes.Error, tr.Error)
		}
		span.SetAttributes(attribute.Int("attempts", tr.Attempts))
		c.finish(ctx, r, task, tr, visible)
	}()

	exec, ok := c.deps.Executors.Lookup(task.ExecutorTag)
	if !ok {
		c.fail(r, tr, executor.KindExecutorFailure, fmt.Sprintf("no executor registered for tag %q", task.ExecutorTag))
		visible = r.upstream(task)
		return
	}

	if task.Mutating() {
		rid := task.ResourceID()
		c.deps.Locks.Lock(rid)
		defer c.deps.Locks.Unlock(rid)
	}

	result := c.deps.Loop.Execute(ctx, exec, task, feedback.Options{
		MaxRetries:          c.cfg.MaxRetries,
		ConfidenceThreshold: c.cfg.ConfidenceThreshold,
		OnRetry: func(_ *scheduler.Task, prev feedback.Attempt) {
			ev := events.TaskRetryingEvent{RunID: r.id, ID: task.ID, Attempt: prev.Number, Timestamp: time.Now()}
			if prev.Feedback != nil {
				ev.Feedback = string(prev.Feedback.Kind)
				ev.Message = prev.Feedback.Message
			}
			c.deps.Bus.Publish(ev)
		},
	})
	tr.Attempts = len(result.Attempts)
	tr.Confidence = result.Outcome.Confidence
	tr.Output = result.Outcome.Output
	tr.Feedback = result.Feedback

	if !result.Succeeded() {
		c.fail(r, tr, result.Kind, result.Outcome.Error)
		visible = r.upstream(task)
		log.Debug("feedback loop gave up", zap.String("state", result.State.String()), zap.Int("attempts", tr.Attempts))
		return
	}

	if !task.Mutating() {
		tr.Status = scheduler.TaskSucceeded
		visible = r.upstream(task)
		return
	}

	rid, err := c.recordDeployment(ctx, r, task, result)
	if err != nil {
		kind := executor.KindLedgerWrite
		if errors.Is(err, ledger.ErrDanglingDependency) {
			kind = executor.KindDanglingDependency
		}
		c.fail(r, tr, kind, err.Error())
		visible = r.upstream(task)
		return
	}
	tr.Status = scheduler.TaskSucceeded
	tr.ResourceID = rid
	if rid != "" {
		visible = []string{rid}
	} else {
		visible = r.upstream(task)
	}
}

// recordDeployment writes the task's resource to the ledger with the
// resources of its prerequisites as dependencies. It returns "" when no
// ledger is configured.
func (c *Coordinator) recordDeployment(ctx context.Context, r *run, task *scheduler.Task, result *feedback.Result) (string, error) {
	if c.deps.Ledger == nil {
		return "", nil
	}
	spec := task.Resource
	metadata := scheduler.CloneParams(spec.Metadata)
	for k, v := range result.Outcome.Metadata {
		metadata[k] = v
	}
	state := ledger.ResourceState{
		ID:          task.ResourceID(),
		Type:        spec.Type,
		Name:        spec.Name,
		Metadata:    metadata,
		ExecutorTag: task.ExecutorTag,
		DependsOn:   r.upstream(task),
	}
	if state.Name == "" {
		state.Name = state.ID
	}
	if err := c.deps.Ledger.RecordDeployment(ctx, state); err != nil {
		return "", err
	}
	c.deps.Bus.Publish(events.ResourceRecordedEvent{
		RunID:        r.id,
		ID:           task.ID,
		ResourceID:   state.ID,
		ResourceType: state.Type,
		DependsOn:    state.DependsOn,
		Timestamp:    time.Now(),
	})
	return state.ID, nil
}

// fail marks tr failed. A critical failure blocks every transitive
// dependent; a non-critical one only degrades the plan.
func (c *Coordinator) fail(r *run, tr *TaskResult, kind executor.ErrorKind, msg string) {
	tr.Status = scheduler.TaskFailed
	tr.Kind = kind
	tr.Error = msg
	fields := []zap.Field{
		zap.String("run_id", r.id),
		zap.String("task_id", tr.TaskID),
		zap.String("executor", tr.ExecutorTag),
		zap.String("kind", string(kind)),
		zap.String("error", msg),
	}
	if tr.Critical {
		r.block(tr.TaskID)
		c.logger.Error("critical task failed, skipping its dependents", fields...)
		return
	}
	tr.Degraded = true
	c.logger.Warn("non-critical task failed, continuing", fields...)
}

func (c *Coordinator) skip(ctx context.Context, r *run, task *scheduler.Task, blockedBy string) *TaskResult {
	tr := newResult(task)
	tr.Status = scheduler.TaskSkipped
	tr.BlockedBy = blockedBy
	tr.Error = fmt.Sprintf("blocked by failed critical task %s", blockedBy)
	c.finish(ctx, r, task, tr, nil)
	return tr
}

// finish stores the result and reports it to metrics, the recorder and the bus.
func (c *Coordinator) finish(ctx context.Context, r *run, task *scheduler.Task, tr *TaskResult, visible []string) {
	r.store(tr, visible)
	c.deps.Metrics.ObserveTask(task.ExecutorTag, tr.Status.String(), tr.Attempts)
	c.recordStatus(ctx, r, task.ID, tr.Status, tr.Attempts, tr.Output, tr.Error)

	now := time.Now()
	switch tr.Status {
	case scheduler.TaskSucceeded:
		c.deps.Bus.Publish(events.TaskCompletedEvent{RunID: r.id, ID: task.ID, Attempts: tr.Attempts, Confidence: tr.Confidence, Duration: tr.Duration, Timestamp: now})
	case scheduler.TaskFailed:
		c.deps.Bus.Publish(events.TaskFailedEvent{RunID: r.id, ID: task.ID, Kind: string(tr.Kind), Err: tr.Error, Attempts: tr.Attempts, Degraded: tr.Degraded, Duration: tr.Duration, Timestamp: now})
	case scheduler.TaskSkipped:
		c.deps.Bus.Publish(events.TaskSkippedEvent{RunID: r.id, ID: task.ID, BlockedBy: tr.BlockedBy, Timestamp: now})
	}
}

func (c *Coordinator) recordStatus(ctx context.Context, r *run, taskID string, status scheduler.TaskStatus, attempts int, output, errText string) {
	if !r.recording {
		return
	}
	err := c.deps.Recorder.UpdateTaskStatus(context.WithoutCancel(ctx), r.id, taskID, status, attempts, output, errText)
	if err != nil {
		c.logger.Warn("failed to record task status",
			zap.String("run_id", r.id),
			zap.String("task_id", taskID),
			zap.String("status", status.String()),
			zap.Error(err))
	}
}
