// Package feedback runs a task attempt by attempt until an outcome is good
// enough, the attempt budget is spent, or nothing more can be done.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/aristath/infraplan/internal/executor"
	"github.com/aristath/infraplan/internal/memory"
	"github.com/aristath/infraplan/internal/metrics"
	"github.com/aristath/infraplan/internal/scheduler"
)

const (
	DefaultMaxRetries          = 3
	DefaultConfidenceThreshold = 0.75
)

// Options bound a single Execute call.
type Options struct {
	MaxRetries          int     // total attempts, including the first
	ConfidenceThreshold float64 // minimum confidence for an accepted success
	// OnRetry is called before every attempt after the first.
	OnRetry func(task *scheduler.Task, previous Attempt)
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.ConfidenceThreshold <= 0 {
		o.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	return o
}

// Attempt is one executor call.
type Attempt struct {
	Number   int
	Params   map[string]any
	Outcome  executor.Outcome
	Feedback *executor.Feedback // nil for the accepted attempt
	Accepted bool
}

// Result is the loop's verdict on a task.
type Result struct {
	Task     *scheduler.Task // the task as last attempted
	Outcome  executor.Outcome
	State    State
	Kind     executor.ErrorKind
	Attempts []Attempt
	Feedback []executor.Feedback
	Seeded   bool // parameters were pre-filled from memory
}

// Succeeded reports whether an attempt was accepted.
func (r *Result) Succeeded() bool {
	return r.State == StateSucceeded
}

// Config wires a Loop.
type Config struct {
	Memory   memory.Memory    // memory.Noop{} when nil
	Breakers *BreakerRegistry // no breaker when nil
	Retry    RetryConfig
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Loop executes tasks with retry and feedback. It is safe for concurrent use.
type Loop struct {
	cfg    Config
	memory memory.Memory
	logger *zap.Logger
}

// NewLoop creates a Loop.
func NewLoop(cfg Config) *Loop {
	l := &Loop{cfg: cfg, memory: cfg.Memory, logger: cfg.Logger}
	if l.memory == nil {
		l.memory = memory.Noop{}
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	return l
}

type pendingFailure struct {
	task       *scheduler.Task
	attempt    Attempt
	adjustment map[string]any
}

var errFailedOutcome = errors.New("executor reported failure")

// Execute runs task through exec. The submitted task is never modified.
func (l *Loop) Execute(ctx context.Context, exec executor.Executor, task *scheduler.Task, opts Options) *Result {
	opts = opts.withDefaults()
	current := task.Clone()
	res := &Result{}
	res.Seeded = l.seed(ctx, current, opts.ConfidenceThreshold)

	log := l.logger.With(zap.String("task_id", task.ID), zap.String("executor", task.ExecutorTag))
	policy := l.cfg.Retry.newBackOff(ctx)
	state := StatePending
	var pending *pendingFailure

	for n := 1; ; n++ {
		if n > 1 {
			if err := wait(ctx, policy); err != nil {
				res.Outcome = executor.Outcome{Error: fmt.Sprintf("canceled before attempt %d: %v", n, err)}
				res.Kind = executor.KindCanceled
				state = state.advance(StateStopped)
				break
			}
		}

		params := scheduler.CloneParams(current.Params)
		outcome, err := l.invoke(ctx, exec, current)
		if err != nil {
			res.Outcome = executor.Outcome{Error: fmt.Sprintf("canceled waiting for executor %s: %v", task.ExecutorTag, err)}
			res.Kind = executor.KindCanceled
			state = state.advance(StateStopped)
			break
		}

		if pending != nil {
			l.rememberFailure(ctx, pending, outcome.Success)
			pending = nil
		}
		if outcome.Success {
			l.rememberSuccess(ctx, current, outcome, n, res.Seeded)
		}

		res.Outcome = outcome
		if outcome.Success && outcome.Confidence >= opts.ConfidenceThreshold {
			res.Attempts = append(res.Attempts, Attempt{Number: n, Params: params, Outcome: outcome, Accepted: true})
			res.Kind = executor.KindNone
			state = state.advance(StateSucceeded)
			break
		}

		fb, kind := derive(outcome, opts.ConfidenceThreshold)
		attempt := Attempt{Number: n, Params: params, Outcome: outcome, Feedback: &fb}
		res.Attempts = append(res.Attempts, attempt)
		res.Feedback = append(res.Feedback, fb)
		res.Kind = kind
		if !outcome.Success {
			pending = &pendingFailure{task: current.Clone(), attempt: attempt}
		}

		if n >= opts.MaxRetries {
			state = state.advance(StateExhausted)
			break
		}
		if !shouldRetry(outcome, fb) {
			state = state.advance(StateStopped)
			break
		}

		adjustment := applySuggestion(current, fb.Suggestion)
		if pending != nil {
			pending.adjustment = adjustment
		}
		state = state.advance(StateRetrying)
		log.Info("retrying task",
			zap.Int("attempt", n),
			zap.String("feedback", string(fb.Kind)),
			zap.String("message", fb.Message),
			zap.Any("adjustment", adjustment))
		if opts.OnRetry != nil {
			opts.OnRetry(current, attempt)
		}
	}

	// A failure with no later attempt is remembered without a solution.
	if pending != nil {
		l.rememberFailure(ctx, pending, false)
	}

	switch state {
	case StateExhausted:
		last := res.Feedback[len(res.Feedback)-1]
		notes := make([]string, 0, len(res.Feedback))
		for _, f := range res.Feedback {
			notes = append(notes, f.Message)
		}
		marker := executor.Feedback{
			Kind:     executor.FeedbackMaxRetriesExceeded,
			Severity: executor.SeverityHigh,
			Message:  fmt.Sprintf("max retries (%d) exceeded: %s", opts.MaxRetries, last.Message),
			Notes:    notes,
		}
		res.Feedback = append(res.Feedback, marker)
		res.Outcome.Success = false
		res.Outcome.Feedback = &marker
		if res.Outcome.Error == "" {
			res.Outcome.Error = marker.Message
		}
		res.Kind = executor.KindMaxRetriesExceeded
		log.Warn("task exhausted its attempts", zap.Int("attempts", len(res.Attempts)), zap.String("last_feedback", last.Message))
	case StateStopped:
		if res.Outcome.Error == "" && len(res.Feedback) > 0 {
			res.Outcome.Error = res.Feedback[len(res.Feedback)-1].Message
		}
		log.Warn("task stopped without a fix", zap.Int("attempts", len(res.Attempts)), zap.String("error", res.Outcome.Error))
	}

	res.State = state
	res.Task = current
	return res
}

// seed fills parameters the caller left unset from the most confident
// similar success. Caller-supplied values always win.
func (l *Loop) seed(ctx context.Context, task *scheduler.Task, threshold float64) bool {
	sugg, err := l.memory.SuggestImprovements(ctx, task)
	if err != nil {
		l.logger.Warn("memory unavailable, running without suggestions",
			zap.String("task_id", task.ID), zap.Error(err))
		return false
	}
	if !sugg.HasParameters() || sugg.Confidence < threshold {
		return false
	}

	var filled []string
	for k, v := range sugg.Parameters {
		if _, set := task.Params[k]; !set {
			task.Params[k] = v
			filled = append(filled, k)
		}
	}
	if len(filled) == 0 {
		return false
	}
	sort.Strings(filled)
	l.logger.Info("pre-filled parameters from memory",
		zap.String("task_id", task.ID),
		zap.Strings("params", filled),
		zap.Float64("confidence", sugg.Confidence))
	return true
}

// invoke makes one executor call through the tag's circuit breaker. While
// the breaker refuses calls the attempt waits for it instead of failing, so
// a task is never judged on a call its executor did not see. The error is
// non-nil only when ctx ends during that wait.
func (l *Loop) invoke(ctx context.Context, exec executor.Executor, task *scheduler.Task) (executor.Outcome, error) {
	call := func() (executor.Outcome, error) { return exec.Execute(ctx, task) }

	start := time.Now()
	var outcome executor.Outcome
	var err error
	if l.cfg.Breakers == nil {
		outcome, err = call()
	} else {
		cb := l.cfg.Breakers.Get(task.ExecutorTag)
		deferred := false
		for {
			outcome, err = l.throughBreaker(cb, call)
			if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
				break
			}
			if !deferred {
				deferred = true
				l.cfg.Metrics.BreakerRejected(task.ExecutorTag)
				l.logger.Info("executor breaker open, deferring attempt",
					zap.String("task_id", task.ID),
					zap.String("executor", task.ExecutorTag))
			}
			if werr := l.cfg.Breakers.await(ctx, cb); werr != nil {
				return executor.Outcome{}, werr
			}
			start = time.Now()
		}
	}
	if err != nil {
		outcome = executor.Failed(err)
	}
	if outcome.Duration == 0 {
		outcome.Duration = time.Since(start)
	}
	return outcome.Normalized(), nil
}

func (l *Loop) throughBreaker(cb *gobreaker.CircuitBreaker, call func() (executor.Outcome, error)) (executor.Outcome, error) {
	v, err := cb.Execute(func() (interface{}, error) {
		out, err := call()
		if err != nil {
			return out, err
		}
		if !out.Success {
			// Counted against the breaker but still returned as an outcome.
			return out, errFailedOutcome
		}
		return out, nil
	})
	if errors.Is(err, errFailedOutcome) {
		return v.(executor.Outcome), nil
	}
	if err != nil {
		return executor.Outcome{}, err
	}
	return v.(executor.Outcome), nil
}

func (l *Loop) rememberSuccess(ctx context.Context, task *scheduler.Task, outcome executor.Outcome, attempt int, seeded bool) {
	details := map[string]any{"attempt": attempt, "seeded": seeded}
	if err := l.memory.RememberSuccess(context.WithoutCancel(ctx), task, outcome, details); err != nil {
		l.logger.Warn("failed to remember success", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (l *Loop) rememberFailure(ctx context.Context, p *pendingFailure, fixedByNext bool) {
	failure := memory.Failure{
		Error:      p.attempt.Outcome.Error,
		Confidence: p.attempt.Outcome.Confidence,
		Duration:   p.attempt.Outcome.Duration,
		Output:     p.attempt.Outcome.Output,
		Context:    map[string]any{"attempt": p.attempt.Number},
	}
	if failure.Error == "" && p.attempt.Feedback != nil {
		failure.Error = p.attempt.Feedback.Message
	}
	if p.attempt.Feedback != nil {
		failure.Context["feedback"] = string(p.attempt.Feedback.Kind)
	}
	if fixedByNext {
		failure.Solution = describeAdjustment(p.adjustment)
	}
	// Recorded even after ctx is canceled.
	if err := l.memory.RememberFailure(context.WithoutCancel(ctx), p.task, failure); err != nil {
		l.logger.Warn("failed to remember failure", zap.String("task_id", p.task.ID), zap.Error(err))
	}
}

// derive turns an unaccepted outcome into feedback and an error kind.
func derive(o executor.Outcome, threshold float64) (executor.Feedback, executor.ErrorKind) {
	fb := executor.Feedback{Kind: executor.FeedbackLowConfidence}
	if o.Feedback != nil {
		fb.Suggestion = o.Feedback.Suggestion
		fb.Notes = o.Feedback.Notes
	}

	switch {
	case o.Feedback != nil && o.Feedback.Kind == executor.FeedbackValidationError:
		fb.Kind = executor.FeedbackValidationError
		fb.Severity = executor.SeverityHigh
		fb.Message = o.Feedback.Message
		if fb.Message == "" {
			fb.Message = o.Error
		}
		return fb, executor.KindValidationError
	case !o.Success:
		fb.Severity = executor.SeverityHigh
		fb.Message = "execution failed"
		if o.Error != "" {
			fb.Message += ": " + o.Error
		}
		return fb, executor.KindExecutorFailure
	default:
		fb.Severity = executor.SeverityMedium
		fb.Message = fmt.Sprintf("confidence %.2f below threshold %.2f", o.Confidence, threshold)
		return fb, executor.KindLowConfidence
	}
}

func shouldRetry(o executor.Outcome, fb executor.Feedback) bool {
	return fb.HasSuggestion() || o.Success || o.Retryable
}

// applySuggestion overwrites task parameters with suggested values and
// returns the ones that actually changed.
func applySuggestion(task *scheduler.Task, suggestion map[string]any) map[string]any {
	changed := make(map[string]any)
	for k, v := range suggestion {
		if old, ok := task.Params[k]; ok && reflect.DeepEqual(old, v) {
			continue
		}
		task.Params[k] = v
		changed[k] = v
	}
	return changed
}

func describeAdjustment(adjustment map[string]any) string {
	if len(adjustment) == 0 {
		return "succeeded on retry without parameter changes"
	}
	keys := make([]string, 0, len(adjustment))
	for k := range adjustment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, adjustment[k])
	}
	return "retried with " + strings.Join(parts, ", ")
}
