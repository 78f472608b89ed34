// Package persistence stores execution memory, the state ledger and run
// records in SQLite.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/infraplan/internal/ledger"
	"github.com/aristath/infraplan/internal/memory"
)

// opTimeout bounds every single statement or transaction.
const opTimeout = 5 * time.Second

// timeLayout is fixed-width so that stored timestamps sort and compare
// lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var timeNow = time.Now

// SQLiteStore implements memory.Store, ledger.Store and the run recorder.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ memory.Store = (*SQLiteStore)(nil)
	_ ledger.Store = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (creating if needed) the database at dbPath with WAL
// journaling, a busy timeout and foreign keys enabled.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// WAL allows readers alongside the single writer.
	db.SetMaxOpenConns(4)

	return newStore(ctx, db)
}

// NewMemoryStore creates a private in-memory store. Each call gets its own
// database, so tests do not share state.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}
	// One connection: shared-cache databases report table locks under
	// concurrent writers, and the database lives as long as the connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	return newStore(ctx, db)
}

func newStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// inTx runs fn in a serializable transaction bounded by opTimeout.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
