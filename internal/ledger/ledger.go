package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/infraplan/internal/metrics"
)

// Config configures a Ledger.
type Config struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Ledger is the state ledger service.
type Ledger struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a Ledger over store.
func New(store Store, cfg Config) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("ledger: store is required")
	}
	l := &Ledger{store: store, logger: cfg.Logger, metrics: cfg.Metrics, now: cfg.Now}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l, nil
}

// RecordDeployment writes res as deployed. Every dependency must already be in
// the ledger; re-recording an existing ID brings it back to deployed.
func (l *Ledger) RecordDeployment(ctx context.Context, res ResourceState) error {
	if res.ID == "" {
		return errors.New("record deployment: resource ID is required")
	}

	deps := make([]string, 0, len(res.DependsOn))
	seen := make(map[string]bool, len(res.DependsOn))
	for _, dep := range res.DependsOn {
		if seen[dep] {
			continue
		}
		seen[dep] = true
		if dep == res.ID {
			return fmt.Errorf("record deployment %s: %w: resource depends on itself", res.ID, ErrDanglingDependency)
		}
		if _, err := l.store.GetResource(ctx, dep); err != nil {
			if errors.Is(err, ErrResourceNotFound) {
				return fmt.Errorf("record deployment %s: %w: %s is not in the ledger", res.ID, ErrDanglingDependency, dep)
			}
			return fmt.Errorf("record deployment %s: %w", res.ID, err)
		}
		deps = append(deps, dep)
	}
	if err := l.checkAcyclic(ctx, res.ID, deps); err != nil {
		return err
	}

	res.DependsOn = deps
	res.Status = StatusDeployed
	if res.DeployedAt.IsZero() {
		res.DeployedAt = l.now().UTC()
	}
	if err := l.store.UpsertResource(ctx, &res); err != nil {
		return fmt.Errorf("record deployment %s: %w", res.ID, err)
	}

	l.metrics.ResourceRecorded(res.Type)
	l.logger.Info("recorded deployment",
		zap.String("resource_id", res.ID),
		zap.String("type", res.Type),
		zap.String("executor", res.ExecutorTag),
		zap.Strings("depends_on", res.DependsOn))
	return nil
}

// checkAcyclic rejects dependencies that already depend on id, directly or
// through other entries. Such an edge would leave both resources blocked on
// each other during rollback.
func (l *Ledger) checkAcyclic(ctx context.Context, id string, deps []string) error {
	if len(deps) == 0 {
		return nil
	}
	all, err := l.store.ListResources(ctx, Filter{})
	if err != nil {
		return fmt.Errorf("record deployment %s: %w", id, err)
	}
	edges := make(map[string][]string, len(all))
	for _, r := range all {
		edges[r.ID] = r.DependsOn
	}

	for _, dep := range deps {
		visited := make(map[string]bool)
		stack := []string{dep}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if cur == id {
				return fmt.Errorf("record deployment %s: %w: %s already depends on %s", id, ErrDanglingDependency, dep, id)
			}
			if visited[cur] {
				continue
			}
			visited[cur] = true
			stack = append(stack, edges[cur]...)
		}
	}
	return nil
}

// Get returns the ledger entry for id, or ErrResourceNotFound.
func (l *Ledger) Get(ctx context.Context, id string) (*ResourceState, error) {
	return l.store.GetResource(ctx, id)
}

// List returns entries matching filter in insertion order.
func (l *Ledger) List(ctx context.Context, filter Filter) ([]*ResourceState, error) {
	return l.store.ListResources(ctx, filter)
}

// Timeline returns deployed resources ordered by deployment time.
func (l *Ledger) Timeline(ctx context.Context) ([]*ResourceState, error) {
	live, err := l.store.ListResources(ctx, Filter{Status: StatusDeployed})
	if err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}
	sort.SliceStable(live, func(i, j int) bool { return live[i].DeployedAt.Before(live[j].DeployedAt) })
	return live, nil
}

// GetDependents returns every entry, deployed or not, that lists id as a
// dependency.
func (l *Ledger) GetDependents(ctx context.Context, id string) ([]*ResourceState, error) {
	return l.dependents(ctx, id, Filter{})
}

func (l *Ledger) dependents(ctx context.Context, id string, filter Filter) ([]*ResourceState, error) {
	all, err := l.store.ListResources(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("dependents of %s: %w", id, err)
	}
	var out []*ResourceState
	for _, r := range all {
		for _, dep := range r.DependsOn {
			if dep == id {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}

// CreateCheckpoint snapshots every deployed resource and returns the new
// checkpoint's ID.
func (l *Ledger) CreateCheckpoint(ctx context.Context, description string) (string, error) {
	live, err := l.store.ListResources(ctx, Filter{Status: StatusDeployed})
	if err != nil {
		return "", fmt.Errorf("create checkpoint: %w", err)
	}
	cp := &Checkpoint{
		ID:            uuid.NewString(),
		Description:   description,
		Timestamp:     l.now().UTC(),
		ResourceCount: len(live),
		Resources:     make([]ResourceState, len(live)),
	}
	for i, r := range live {
		cp.Resources[i] = *r
	}
	if err := l.store.InsertCheckpoint(ctx, cp); err != nil {
		return "", fmt.Errorf("create checkpoint: %w", err)
	}
	l.logger.Info("created checkpoint",
		zap.String("checkpoint_id", cp.ID),
		zap.String("description", description),
		zap.Int("resources", cp.ResourceCount))
	return cp.ID, nil
}

// GetCheckpoint returns a checkpoint with its snapshot.
func (l *Ledger) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	return l.store.GetCheckpoint(ctx, id)
}

// ListCheckpoints returns checkpoints newest first, without snapshots.
func (l *Ledger) ListCheckpoints(ctx context.Context) ([]*Checkpoint, error) {
	return l.store.ListCheckpoints(ctx)
}

func joinIDs(ids []string) string {
	return strings.Join(ids, ", ")
}
