// Package ledger records every infrastructure resource a plan deploys and
// reverses deployments in an order that never orphans a dependent.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDanglingDependency = errors.New("dangling dependency")
	ErrRollbackBlocked    = errors.New("rollback blocked")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrResourceNotFound   = errors.New("resource not found")
)

// Status of a ledger entry.
type Status string

const (
	StatusDeployed Status = "deployed"
	StatusRemoved  Status = "removed"
)

// ResourceState is one ledger entry. Entries are never physically deleted;
// rollback flips them to StatusRemoved.
type ResourceState struct {
	ID          string         `json:"resource_id"`
	Type        string         `json:"resource_type"`
	Name        string         `json:"name"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ExecutorTag string         `json:"executor"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	Status      Status         `json:"status"`
	DeployedAt  time.Time      `json:"deployed_at"`
}

// Checkpoint is a named snapshot of every deployed resource.
type Checkpoint struct {
	ID            string
	Description   string
	Timestamp     time.Time
	ResourceCount int
	Resources     []ResourceState // empty in ListCheckpoints results
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Type        string
	ExecutorTag string
	Status      Status
}

// RollbackPlan is the difference between the live ledger and a checkpoint.
type RollbackPlan struct {
	CheckpointID string
	// ToRemove lists resources deployed after the checkpoint, dependents
	// before the resources they depend on.
	ToRemove []string
	// ToAdd lists checkpoint resources the ledger no longer knows about.
	ToAdd []string
	// Unchanged lists checkpoint resources that are still deployed or were
	// already removed.
	Unchanged []string
}

// BlockedRemoval is a resource that was kept because something outside the
// removal set still depends on it.
type BlockedRemoval struct {
	ResourceID string
	Dependents []string
}

// RollbackResult reports what a rollback did.
type RollbackResult struct {
	Removed        []string
	Blocked        []BlockedRemoval
	NotFound       []string
	AlreadyRemoved []string
	// Missing carries the plan's ToAdd list; re-deploying is the caller's job.
	Missing []string
}

// Complete reports whether every requested removal happened.
func (r *RollbackResult) Complete() bool {
	return len(r.Blocked) == 0
}

// Err returns an error wrapping ErrRollbackBlocked when any removal was
// blocked, nil otherwise.
func (r *RollbackResult) Err() error {
	if r.Complete() {
		return nil
	}
	errs := make([]error, 0, len(r.Blocked))
	for _, b := range r.Blocked {
		errs = append(errs, &BlockedError{ResourceID: b.ResourceID, Dependents: b.Dependents})
	}
	return errors.Join(errs...)
}

// BlockedError is the error form of a BlockedRemoval.
type BlockedError struct {
	ResourceID string
	Dependents []string
}

func (e *BlockedError) Error() string {
	return "rollback blocked: " + e.ResourceID + " is still required by " + joinIDs(e.Dependents)
}

func (e *BlockedError) Unwrap() error { return ErrRollbackBlocked }

// Store persists ledger entries and checkpoints. ListResources returns
// entries in insertion order; re-recording an ID keeps its original position.
type Store interface {
	UpsertResource(ctx context.Context, res *ResourceState) error
	GetResource(ctx context.Context, id string) (*ResourceState, error)
	ListResources(ctx context.Context, filter Filter) ([]*ResourceState, error)
	MarkResourceRemoved(ctx context.Context, id string) error
	InsertCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context) ([]*Checkpoint, error)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrResourceNotFound)
}
