package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aristath/infraplan/internal/scheduler"
)

// TaskRecord is the persisted view of one task in one run.
type TaskRecord struct {
	RunID       string
	TaskID      string
	Description string
	ExecutorTag string
	Params      map[string]any
	Critical    bool
	ResourceID  string
	DependsOn   []string
	Status      scheduler.TaskStatus
	Attempts    int
	Output      string
	Error       string
}

// StartRun records a new run and saves its tasks as pending. Tasks are
// written prerequisites first so the dependency foreign keys hold.
func (s *SQLiteStore) StartRun(ctx context.Context, runID string, tasks []*scheduler.Task) error {
	order, err := scheduler.Order(tasks)
	if err != nil {
		return fmt.Errorf("start run %s: %w", runID, err)
	}
	byID := make(map[string]*scheduler.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	now := formatTime(timeNow())
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO runs (id, started_at) VALUES (?, ?)`, runID, now); err != nil {
			return fmt.Errorf("insert run %s: %w", runID, err)
		}

		for _, id := range order {
			t := byID[id]
			params, err := marshalMap(t.Params)
			if err != nil {
				return fmt.Errorf("encode params of %s: %w", t.ID, err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO tasks (run_id, id, description, executor_tag, params, critical, resource_id, status, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, runID, t.ID, t.Description, t.ExecutorTag, params, t.Critical,
				nullString(t.ResourceID()), scheduler.TaskPending, now)
			if err != nil {
				return fmt.Errorf("insert task %s: %w", t.ID, err)
			}

			seen := make(map[string]bool, len(t.DependsOn))
			for _, dep := range t.DependsOn {
				if seen[dep] {
					continue
				}
				seen[dep] = true
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO task_dependencies (run_id, task_id, depends_on_id) VALUES (?, ?, ?)
				`, runID, t.ID, dep); err != nil {
					return fmt.Errorf("insert dependency %s -> %s: %w", t.ID, dep, err)
				}
			}
		}
		return nil
	})
}

// UpdateTaskStatus stores the latest state of a task.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, runID, taskID string, status scheduler.TaskStatus, attempts int, output, errText string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, attempts = ?, output = ?, error = ?, updated_at = ?
			WHERE run_id = ? AND id = ?
		`, status, attempts, nullString(output), nullString(errText), formatTime(timeNow()), runID, taskID)
		if err != nil {
			return fmt.Errorf("update task %s: %w", taskID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("task not found: %s/%s", runID, taskID)
		}
		return nil
	})
}

// FinishRun marks a run complete.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, success bool, checkpointID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE runs SET finished_at = ?, success = ?, checkpoint_id = ? WHERE id = ?
		`, formatTime(timeNow()), success, nullString(checkpointID), runID)
		if err != nil {
			return fmt.Errorf("finish run %s: %w", runID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("run not found: %s", runID)
		}
		return nil
	})
}

// RunTasks returns the tasks of a run in the order they were saved.
func (s *SQLiteStore) RunTasks(ctx context.Context, runID string) ([]*TaskRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, executor_tag, params, critical, resource_id, status, attempts, output, error
		FROM tasks
		WHERE run_id = ?
		ORDER BY rowid
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}

	var out []*TaskRecord
	index := make(map[string]*TaskRecord)
	for rows.Next() {
		rec := &TaskRecord{RunID: runID}
		var params string
		var resourceID, output, errText sql.NullString
		if err := rows.Scan(&rec.TaskID, &rec.Description, &rec.ExecutorTag, &params, &rec.Critical,
			&resourceID, &rec.Status, &rec.Attempts, &output, &errText); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if rec.Params, err = unmarshalMap(params); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode params of %s: %w", rec.TaskID, err)
		}
		rec.ResourceID = resourceID.String
		rec.Output = output.String
		rec.Error = errText.String
		out = append(out, rec)
		index[rec.TaskID] = rec
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	rows.Close()

	// Dependencies are read only after the task rows are closed; in-memory
	// stores have a single connection.
	deps, err := s.db.QueryContext(ctx, `
		SELECT task_id, depends_on_id FROM task_dependencies WHERE run_id = ? ORDER BY rowid
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer deps.Close()
	for deps.Next() {
		var taskID, depID string
		if err := deps.Scan(&taskID, &depID); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		if rec, ok := index[taskID]; ok {
			rec.DependsOn = append(rec.DependsOn, depID)
		}
	}
	if err := deps.Err(); err != nil {
		return nil, fmt.Errorf("iterate dependencies: %w", err)
	}
	return out, nil
}
