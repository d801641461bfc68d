// Package store persists the active reminder table in SQLite.
//
// Each tracked task occupies one row keyed by its Pyrus task id, carrying the
// deadline, the next scheduled run, the processing flag that serializes
// workers, the lock timestamp used for stale-lock recovery, and the
// escalation step counter.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const schema = `
CREATE TABLE IF NOT EXISTS active_tasks (
    task_id     INTEGER PRIMARY KEY,
    due         TEXT NOT NULL,
    next_run_at TEXT NOT NULL,
    processing  INTEGER DEFAULT 0,
    locked_at   TEXT,
    step        INTEGER DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_next_run ON active_tasks (next_run_at, processing);
`

// TaskRecord is one row of the active task table. Timestamps are kept as
// canonical UTC ISO-8601 text, the same form they have in the database.
type TaskRecord struct {
	TaskID     uint64
	Due        string
	NextRunAt  string
	Processing bool
	LockedAt   *string // nil while unlocked
	Step       int
}

// Store wraps the SQLite handle for the active task table.
type Store struct {
	db     *sql.DB
	dbPath string
	tz     string // zone for the daily reschedule slot
	log    *slog.Logger

	now func() time.Time // test override
}

// Open opens (creating if needed) the task database at path and initializes
// the schema. scheduleTZ names the zone used when computing the next daily
// run slot. Initialization is idempotent; an existing table is left as is.
func Open(ctx context.Context, path, scheduleTZ string, logger *slog.Logger) (*Store, error) {
	// :memory: needs shared cache and a single connection so every query
	// sees the same database. WAL does not apply to in-memory databases.
	var connStr string
	isInMemory := path == ":memory:" || (strings.HasPrefix(path, "file:") && strings.Contains(path, "mode=memory"))
	if path == ":memory:" {
		connStr = "file:memdb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)"
	} else if strings.HasPrefix(path, "file:") {
		connStr = path
		if !strings.Contains(path, "_pragma=busy_timeout") {
			connStr += "&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)"
		}
	} else {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		connStr = "file:" + path + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if isInMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL supports one writer plus concurrent readers; cap the pool so
		// write-lock contention doesn't pile up goroutines.
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)
	}

	if !isInMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		db:     db,
		dbPath: path,
		tz:     scheduleTZ,
		log:    logger,
		now:    time.Now,
	}, nil
}

// Close checkpoints the WAL and closes the database. Without the checkpoint,
// writes can be stranded in the WAL file when the process exits.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Path returns the path the store was opened with.
func (s *Store) Path() string {
	return s.dbPath
}
