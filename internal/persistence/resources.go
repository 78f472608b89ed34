package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aristath/infraplan/internal/ledger"
)

// UpsertResource inserts or replaces a ledger entry. An existing row keeps its
// rowid, and with it its place in insertion order.
func (s *SQLiteStore) UpsertResource(ctx context.Context, res *ledger.ResourceState) error {
	metadata, err := marshalMap(res.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	deps, err := json.Marshal(nonNil(res.DependsOn))
	if err != nil {
		return fmt.Errorf("encode dependencies: %w", err)
	}
	now := formatTime(res.DeployedAt)

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO resources (
				resource_id, resource_type, name, metadata, executor_tag,
				depends_on, status, deployed_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(resource_id) DO UPDATE SET
				resource_type = excluded.resource_type,
				name = excluded.name,
				metadata = excluded.metadata,
				executor_tag = excluded.executor_tag,
				depends_on = excluded.depends_on,
				status = excluded.status,
				deployed_at = excluded.deployed_at,
				updated_at = excluded.updated_at
		`, res.ID, res.Type, res.Name, metadata, res.ExecutorTag, string(deps),
			string(res.Status), now, now)
		if err != nil {
			return fmt.Errorf("upsert resource %s: %w", res.ID, err)
		}
		return nil
	})
}

// GetResource returns the entry for id or an error wrapping
// ledger.ErrResourceNotFound.
func (s *SQLiteStore) GetResource(ctx context.Context, id string) (*ledger.ResourceState, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT resource_id, resource_type, name, metadata, executor_tag, depends_on, status, deployed_at
		FROM resources
		WHERE resource_id = ?
	`, id)
	res, err := scanResource(row)
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrResourceNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ListResources returns matching entries in insertion order.
func (s *SQLiteStore) ListResources(ctx context.Context, filter ledger.Filter) ([]*ledger.ResourceState, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var where []string
	var args []any
	if filter.Type != "" {
		where = append(where, "resource_type = ?")
		args = append(args, filter.Type)
	}
	if filter.ExecutorTag != "" {
		where = append(where, "executor_tag = ?")
		args = append(args, filter.ExecutorTag)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT resource_id, resource_type, name, metadata, executor_tag, depends_on, status, deployed_at FROM resources`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY rowid"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query resources: %w", err)
	}
	defer rows.Close()

	var out []*ledger.ResourceState
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resources: %w", err)
	}
	return out, nil
}

// MarkResourceRemoved flips an entry to removed.
func (s *SQLiteStore) MarkResourceRemoved(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE resources SET status = ?, updated_at = ?
			WHERE resource_id = ?
		`, string(ledger.StatusRemoved), formatTime(timeNow()), id)
		if err != nil {
			return fmt.Errorf("mark %s removed: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ledger.ErrResourceNotFound, id)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResource(row rowScanner) (*ledger.ResourceState, error) {
	var (
		res                ledger.ResourceState
		metadata, deps     sql.NullString
		status, deployedAt string
	)
	if err := row.Scan(&res.ID, &res.Type, &res.Name, &metadata, &res.ExecutorTag, &deps, &status, &deployedAt); err != nil {
		if isNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("scan resource: %w", err)
	}

	var err error
	if res.Metadata, err = unmarshalMap(metadata.String); err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", res.ID, err)
	}
	if deps.String != "" {
		if err := json.Unmarshal([]byte(deps.String), &res.DependsOn); err != nil {
			return nil, fmt.Errorf("decode dependencies of %s: %w", res.ID, err)
		}
	}
	if len(res.DependsOn) == 0 {
		res.DependsOn = nil
	}
	if res.DeployedAt, err = parseTime(deployedAt); err != nil {
		return nil, err
	}
	res.Status = ledger.Status(status)
	return &res, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
