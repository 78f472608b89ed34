package ledger

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// GetRollbackPlan compares the live ledger with a checkpoint.
func (l *Ledger) GetRollbackPlan(ctx context.Context, checkpointID string) (*RollbackPlan, error) {
	cp, err := l.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("rollback plan: %w", err)
	}
	all, err := l.store.ListResources(ctx, Filter{})
	if err != nil {
		return nil, fmt.Errorf("rollback plan: %w", err)
	}

	inCheckpoint := make(map[string]bool, len(cp.Resources))
	for _, r := range cp.Resources {
		inCheckpoint[r.ID] = true
	}
	status := make(map[string]Status, len(all))
	var extra []*ResourceState
	for _, r := range all {
		status[r.ID] = r.Status
		if r.Status == StatusDeployed && !inCheckpoint[r.ID] {
			extra = append(extra, r)
		}
	}

	plan := &RollbackPlan{CheckpointID: cp.ID, ToRemove: removalOrder(extra)}
	for _, r := range cp.Resources {
		if _, known := status[r.ID]; known {
			// Still deployed, or already removed since the checkpoint. Either
			// way there is nothing for the rollback to do.
			plan.Unchanged = append(plan.Unchanged, r.ID)
		} else {
			plan.ToAdd = append(plan.ToAdd, r.ID)
		}
	}
	return plan, nil
}

// RollbackToCheckpoint removes every resource deployed after the checkpoint.
// Resources the checkpoint knew about but the ledger does not are reported
// in Missing; re-creating them is out of the ledger's hands.
func (l *Ledger) RollbackToCheckpoint(ctx context.Context, checkpointID string) (*RollbackResult, error) {
	plan, err := l.GetRollbackPlan(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	l.logger.Info("rolling back to checkpoint",
		zap.String("checkpoint_id", checkpointID),
		zap.Strings("to_remove", plan.ToRemove),
		zap.Strings("missing", plan.ToAdd))

	res, err := l.remove(ctx, plan.ToRemove)
	if res != nil {
		res.Missing = plan.ToAdd
	}
	return res, err
}

// RollbackResources removes the given resources, dependents first. Unknown
// and already removed IDs are reported rather than treated as errors.
func (l *Ledger) RollbackResources(ctx context.Context, ids []string) (*RollbackResult, error) {
	requested := make(map[string]bool, len(ids))
	result := &RollbackResult{}
	for _, id := range ids {
		if requested[id] {
			continue
		}
		requested[id] = true
		r, err := l.store.GetResource(ctx, id)
		switch {
		case isNotFound(err):
			result.NotFound = append(result.NotFound, id)
			delete(requested, id)
		case err != nil:
			return nil, fmt.Errorf("rollback %s: %w", id, err)
		case r.Status == StatusRemoved:
			result.AlreadyRemoved = append(result.AlreadyRemoved, id)
			delete(requested, id)
		}
	}

	// Re-read in insertion order so ties break the same way as checkpoint
	// rollbacks.
	live, err := l.store.ListResources(ctx, Filter{Status: StatusDeployed})
	if err != nil {
		return nil, fmt.Errorf("rollback: %w", err)
	}
	var set []*ResourceState
	for _, r := range live {
		if requested[r.ID] {
			set = append(set, r)
		}
	}

	removed, err := l.remove(ctx, removalOrder(set))
	if removed != nil {
		removed.NotFound = result.NotFound
		removed.AlreadyRemoved = result.AlreadyRemoved
	}
	return removed, err
}

// remove marks resources removed in the given order. A resource that still
// has a deployed dependent is skipped and reported as blocked; the walk
// continues with the rest.
func (l *Ledger) remove(ctx context.Context, order []string) (*RollbackResult, error) {
	result := &RollbackResult{}
	defer func() { l.metrics.ObserveRollback(len(result.Removed), len(result.Blocked)) }()

	for _, id := range order {
		live, err := l.dependents(ctx, id, Filter{Status: StatusDeployed})
		if err != nil {
			return result, err
		}
		if len(live) > 0 {
			ids := make([]string, len(live))
			for i, r := range live {
				ids[i] = r.ID
			}
			result.Blocked = append(result.Blocked, BlockedRemoval{ResourceID: id, Dependents: ids})
			l.logger.Warn("rollback blocked by live dependents",
				zap.String("resource_id", id),
				zap.Strings("dependents", ids))
			continue
		}

		if err := l.store.MarkResourceRemoved(ctx, id); err != nil {
			return result, fmt.Errorf("remove %s: %w", id, err)
		}
		result.Removed = append(result.Removed, id)
		l.logger.Info("marked resource removed", zap.String("resource_id", id))
	}
	return result, nil
}

// removalOrder orders resources so that every resource comes after all of its
// dependents within the set. It walks the reverse dependency graph depth
// first and emits each resource after its dependents (post-order); roots and
// dependents are visited in insertion order.
func removalOrder(resources []*ResourceState) []string {
	inSet := make(map[string]bool, len(resources))
	for _, r := range resources {
		inSet[r.ID] = true
	}
	dependents := make(map[string][]string, len(resources))
	for _, r := range resources {
		for _, dep := range r.DependsOn {
			if inSet[dep] {
				dependents[dep] = append(dependents[dep], r.ID)
			}
		}
	}

	visited := make(map[string]bool, len(resources))
	order := make([]string, 0, len(resources))
	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, d := range dependents[id] {
			visit(d)
		}
		order = append(order, id)
	}
	for _, r := range resources {
		visit(r.ID)
	}
	return order
}
