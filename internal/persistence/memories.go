package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/infraplan/internal/memory"
)

// InsertMemory appends a memory record and sets rec.ID.
func (s *SQLiteStore) InsertMemory(ctx context.Context, rec *memory.Record) error {
	params, err := marshalMap(rec.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	details, err := marshalMap(rec.Context)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO memories (
				task_id, description, executor_tag, parameters, success, confidence,
				duration_ns, output, error, solution, context, timestamp
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.TaskID, rec.Description, rec.ExecutorTag, params, rec.Success, rec.Confidence,
			int64(rec.Duration), nullString(rec.Output), nullString(rec.Error), nullString(rec.Solution),
			nullString(details), formatTime(rec.Timestamp))
		if err != nil {
			return fmt.Errorf("insert memory: %w", err)
		}
		rec.ID, err = res.LastInsertId()
		return err
	})
}

// MemoriesByExecutor returns up to limit records for executorTag, newest
// first, after skipping offset of them.
func (s *SQLiteStore) MemoriesByExecutor(ctx context.Context, executorTag string, offset, limit int) ([]*memory.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, description, executor_tag, parameters, success, confidence,
			duration_ns, output, error, solution, context, timestamp
		FROM memories
		WHERE executor_tag = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, executorTag, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []*memory.Record
	for rows.Next() {
		rec, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return out, nil
}

// DeleteMemoriesBefore removes records older than cutoff.
func (s *SQLiteStore) DeleteMemoriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE timestamp < ?`, formatTime(cutoff))
		if err != nil {
			return fmt.Errorf("delete memories: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// DeleteAllMemories removes every record.
func (s *SQLiteStore) DeleteAllMemories(ctx context.Context) (int64, error) {
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM memories`)
		if err != nil {
			return fmt.Errorf("delete memories: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func scanMemory(rows *sql.Rows) (*memory.Record, error) {
	var (
		rec                             memory.Record
		params, ts                      string
		durationNS                      int64
		output, errText, solution, ctxt sql.NullString
	)
	if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.Description, &rec.ExecutorTag, &params,
		&rec.Success, &rec.Confidence, &durationNS, &output, &errText, &solution, &ctxt, &ts); err != nil {
		return nil, fmt.Errorf("scan memory: %w", err)
	}

	var err error
	if rec.Parameters, err = unmarshalMap(params); err != nil {
		return nil, fmt.Errorf("decode parameters of memory %d: %w", rec.ID, err)
	}
	if rec.Context, err = unmarshalMap(ctxt.String); err != nil {
		return nil, fmt.Errorf("decode context of memory %d: %w", rec.ID, err)
	}
	if rec.Timestamp, err = parseTime(ts); err != nil {
		return nil, err
	}
	rec.Duration = time.Duration(durationNS)
	rec.Output = output.String
	rec.Error = errText.String
	rec.Solution = solution.String
	return &rec, nil
}

func marshalMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMap(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
