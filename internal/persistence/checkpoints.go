package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aristath/infraplan/internal/ledger"
)

// InsertCheckpoint stores a checkpoint and its snapshot.
func (s *SQLiteStore) InsertCheckpoint(ctx context.Context, cp *ledger.Checkpoint) error {
	snapshot, err := json.Marshal(cp.Resources)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints (checkpoint_id, description, timestamp, resource_count, snapshot)
			VALUES (?, ?, ?, ?, ?)
		`, cp.ID, cp.Description, formatTime(cp.Timestamp), cp.ResourceCount, string(snapshot))
		if err != nil {
			return fmt.Errorf("insert checkpoint %s: %w", cp.ID, err)
		}
		return nil
	})
}

// GetCheckpoint loads a checkpoint with its snapshot, or returns an error
// wrapping ledger.ErrCheckpointNotFound.
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, id string) (*ledger.Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var cp ledger.Checkpoint
	var ts, snapshot string
	err := s.db.QueryRowContext(ctx, `
		SELECT checkpoint_id, description, timestamp, resource_count, snapshot
		FROM checkpoints
		WHERE checkpoint_id = ?
	`, id).Scan(&cp.ID, &cp.Description, &ts, &cp.ResourceCount, &snapshot)
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrCheckpointNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query checkpoint %s: %w", id, err)
	}

	if cp.Timestamp, err = parseTime(ts); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(snapshot), &cp.Resources); err != nil {
		return nil, fmt.Errorf("decode snapshot of %s: %w", id, err)
	}
	return &cp, nil
}

// ListCheckpoints returns checkpoints newest first, without snapshots.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context) ([]*ledger.Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT checkpoint_id, description, timestamp, resource_count
		FROM checkpoints
		ORDER BY timestamp DESC, rowid DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Checkpoint
	for rows.Next() {
		var cp ledger.Checkpoint
		var ts string
		if err := rows.Scan(&cp.ID, &cp.Description, &ts, &cp.ResourceCount); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		if cp.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, &cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}
