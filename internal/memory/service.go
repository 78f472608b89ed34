package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/infraplan/internal/executor"
	"github.com/aristath/infraplan/internal/scheduler"
)

const (
	// DefaultRetention is how long records are kept by Cleanup.
	DefaultRetention = 90 * 24 * time.Hour

	suggestionWindow = 20
	statisticsWindow = 50
	// scanPage is how many records per executor tag are read at a time when
	// looking for similar descriptions.
	scanPage = 500
	// recurringFailure is how often an error must repeat to be warned about.
	recurringFailure = 2
)

// Config configures a Service.
type Config struct {
	Logger    *zap.Logger
	Now       func() time.Time // clock for timestamps and retention
	Retention time.Duration    // default for Cleanup; DefaultRetention when zero
}

// Service implements Memory on top of a Store.
type Service struct {
	store     Store
	logger    *zap.Logger
	now       func() time.Time
	retention time.Duration
}

var _ Memory = (*Service)(nil)

// NewService creates a Service.
func NewService(store Store, cfg Config) (*Service, error) {
	if store == nil {
		return nil, errors.New("memory: store is required")
	}
	s := &Service{store: store, logger: cfg.Logger, now: cfg.Now, retention: cfg.Retention}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.retention <= 0 {
		s.retention = DefaultRetention
	}
	return s, nil
}

// RememberSuccess stores a successful attempt with the parameters it ran with.
func (s *Service) RememberSuccess(ctx context.Context, task *scheduler.Task, outcome executor.Outcome, details map[string]any) error {
	rec := s.record(task)
	rec.Success = true
	rec.Confidence = outcome.Confidence
	rec.Duration = outcome.Duration
	rec.Output = outcome.Output
	rec.Context = details
	if err := s.store.InsertMemory(ctx, rec); err != nil {
		return fmt.Errorf("remember success of %s: %w", task.ID, err)
	}
	s.logger.Debug("remembered success",
		zap.String("task_id", task.ID),
		zap.String("executor", task.ExecutorTag),
		zap.Float64("confidence", outcome.Confidence))
	return nil
}

// RememberFailure stores a failed attempt.
func (s *Service) RememberFailure(ctx context.Context, task *scheduler.Task, failure Failure) error {
	rec := s.record(task)
	rec.Success = false
	rec.Confidence = failure.Confidence
	rec.Duration = failure.Duration
	rec.Output = failure.Output
	rec.Error = failure.Error
	rec.Solution = failure.Solution
	rec.Context = failure.Context
	if err := s.store.InsertMemory(ctx, rec); err != nil {
		return fmt.Errorf("remember failure of %s: %w", task.ID, err)
	}
	s.logger.Debug("remembered failure",
		zap.String("task_id", task.ID),
		zap.String("executor", task.ExecutorTag),
		zap.Bool("has_solution", failure.Solution != ""))
	return nil
}

func (s *Service) record(task *scheduler.Task) *Record {
	return &Record{
		TaskID:      task.ID,
		Description: task.Description,
		ExecutorTag: task.ExecutorTag,
		Parameters:  scheduler.CloneParams(task.Params),
		Timestamp:   s.now().UTC(),
	}
}

// FindSimilar returns up to limit records for the same executor tag whose
// description resembles the task's, newest first.
func (s *Service) FindSimilar(ctx context.Context, task *scheduler.Task, limit int) ([]*Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []*Record
	seen := make(map[int64]bool)
	for offset := 0; ; offset += scanPage {
		page, err := s.store.MemoriesByExecutor(ctx, task.ExecutorTag, offset, scanPage)
		if err != nil {
			return nil, fmt.Errorf("find similar to %s: %w", task.ID, err)
		}
		for _, rec := range page {
			// A record inserted mid-scan shifts the pages by one.
			if seen[rec.ID] {
				continue
			}
			seen[rec.ID] = true
			if similarDescriptions(task.Description, rec.Description) {
				out = append(out, rec)
				if len(out) == limit {
					return out, nil
				}
			}
		}
		if len(page) < scanPage {
			return out, nil
		}
	}
}

// SuggestImprovements looks at the most recent similar records and returns
// the parameters of the most confident success, the overall success rate and
// warnings for failures that keep recurring and have a known fix.
func (s *Service) SuggestImprovements(ctx context.Context, task *scheduler.Task) (*Suggestions, error) {
	similar, err := s.FindSimilar(ctx, task, suggestionWindow)
	if err != nil {
		return nil, err
	}
	sugg := &Suggestions{TotalMatches: len(similar)}
	if len(similar) == 0 {
		return sugg, nil
	}

	var best *Record
	successes := 0
	type failureGroup struct {
		count    int
		solution string
	}
	groups := make(map[string]*failureGroup)
	var errorOrder []string

	for _, rec := range similar {
		if rec.Success {
			successes++
			// Records are newest first, so strict comparison keeps the newest
			// of equally confident successes.
			if best == nil || rec.Confidence > best.Confidence {
				best = rec
			}
			continue
		}
		g, ok := groups[rec.Error]
		if !ok {
			g = &failureGroup{}
			groups[rec.Error] = g
			errorOrder = append(errorOrder, rec.Error)
		}
		g.count++
		if g.solution == "" {
			g.solution = rec.Solution
		}
	}

	if best != nil {
		sugg.Parameters = scheduler.CloneParams(best.Parameters)
		sugg.Confidence = best.Confidence
	}
	sugg.SuccessRate = float64(successes) / float64(len(similar))
	for _, e := range errorOrder {
		g := groups[e]
		if g.count >= recurringFailure && g.solution != "" {
			sugg.Warnings = append(sugg.Warnings, FailureWarning{Error: e, Occurrences: g.count, Solution: g.solution})
		}
	}
	return sugg, nil
}

// Statistics aggregates the most recent similar records.
func (s *Service) Statistics(ctx context.Context, task *scheduler.Task) (*Statistics, error) {
	similar, err := s.FindSimilar(ctx, task, statisticsWindow)
	if err != nil {
		return nil, err
	}
	st := &Statistics{Total: len(similar)}
	var totalDuration time.Duration
	var totalConfidence float64
	for _, rec := range similar {
		if !rec.Success {
			st.Failures++
			continue
		}
		st.Successes++
		totalDuration += rec.Duration
		totalConfidence += rec.Confidence
	}
	if st.Total > 0 {
		st.SuccessRate = float64(st.Successes) / float64(st.Total)
	}
	if st.Successes > 0 {
		st.AverageDuration = totalDuration / time.Duration(st.Successes)
		st.AverageConfidence = totalConfidence / float64(st.Successes)
	}
	return st, nil
}

// Cleanup deletes records older than retention (the configured default when
// retention is not positive) and returns how many were removed.
func (s *Service) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = s.retention
	}
	cutoff := s.now().Add(-retention)
	n, err := s.store.DeleteMemoriesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup memories: %w", err)
	}
	s.logger.Info("pruned execution memory", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	return n, nil
}

// Clear deletes every record.
func (s *Service) Clear(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteAllMemories(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear memories: %w", err)
	}
	s.logger.Info("cleared execution memory", zap.Int64("deleted", n))
	return n, nil
}
