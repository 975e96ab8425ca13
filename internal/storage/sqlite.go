// Package storage opens the SQLite database behind the run history.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := CheckLocalFilesystem(path); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single connection: concurrent API runs queue their inserts here.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
  id                 TEXT PRIMARY KEY,
  status             TEXT NOT NULL,
  final_state        TEXT NOT NULL,
  failed_stage       TEXT,
  kind               TEXT,
  reason             TEXT,
  exit_code          INTEGER NOT NULL,
  source_dir         TEXT,
  bundle_fingerprint TEXT,
  workspace          TEXT,
  retained           INTEGER NOT NULL DEFAULT 0,
  artifacts          JSON NOT NULL DEFAULT '[]',
  started_at         TEXT NOT NULL,
  finished_at        TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS stage_results (
  run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
  seq         INTEGER NOT NULL,
  stage       TEXT NOT NULL,
  ok          INTEGER NOT NULL,
  skipped     INTEGER NOT NULL DEFAULT 0,
  error       TEXT,
  notes       JSON NOT NULL DEFAULT '[]',
  artifacts   JSON NOT NULL DEFAULT '[]',
  processes   BLOB,
  started_at  TEXT NOT NULL,
  duration_ns INTEGER NOT NULL,
  PRIMARY KEY (run_id, seq)
);`,
		`CREATE INDEX IF NOT EXISTS runs_started_at_idx ON runs(started_at);`,
		`CREATE INDEX IF NOT EXISTS runs_status_idx ON runs(status);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
