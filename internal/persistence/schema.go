package persistence

import "context"

// initSchema creates all tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		description TEXT NOT NULL,
		executor_tag TEXT NOT NULL,
		parameters TEXT NOT NULL,
		success INTEGER NOT NULL,
		confidence REAL NOT NULL,
		duration_ns INTEGER NOT NULL,
		output TEXT,
		error TEXT,
		solution TEXT,
		context TEXT,
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_memories_executor_timestamp ON memories(executor_tag, timestamp);
	CREATE INDEX IF NOT EXISTS idx_memories_timestamp ON memories(timestamp);

	CREATE TABLE IF NOT EXISTS resources (
		resource_id TEXT PRIMARY KEY,
		resource_type TEXT NOT NULL,
		name TEXT NOT NULL,
		metadata TEXT,
		executor_tag TEXT NOT NULL,
		depends_on TEXT,
		status TEXT NOT NULL,
		deployed_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_resources_status ON resources(status);

	CREATE TABLE IF NOT EXISTS checkpoints (
		checkpoint_id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		resource_count INTEGER NOT NULL,
		snapshot TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		success INTEGER,
		checkpoint_id TEXT
	);

	CREATE TABLE IF NOT EXISTS tasks (
		run_id TEXT NOT NULL,
		id TEXT NOT NULL,
		description TEXT NOT NULL,
		executor_tag TEXT NOT NULL,
		params TEXT NOT NULL,
		critical INTEGER NOT NULL,
		resource_id TEXT,
		status INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		output TEXT,
		error TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (run_id, id),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (run_id, task_id, depends_on_id),
		FOREIGN KEY (run_id, task_id) REFERENCES tasks(run_id, id) ON DELETE CASCADE,
		FOREIGN KEY (run_id, depends_on_id) REFERENCES tasks(run_id, id) ON DELETE CASCADE
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
