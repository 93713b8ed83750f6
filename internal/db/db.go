// Package db provides the sqlite-backed run store. All state transitions
// on protocol runs and step runs go through compare-and-swap updates so
// that concurrent writers cannot double-apply a transition.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/glebarez/go-sqlite"
)

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and prepares the schema.
// Pragmas ride in the DSN so every pooled connection gets them, not just
// the one a plain Exec happens to land on.
func New(path string) (*Store, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for callers that need transactions spanning
// multiple store operations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// InitSchema creates all tables if they do not exist.
func (s *Store) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		git_url TEXT NOT NULL,
		base_branch TEXT NOT NULL DEFAULT 'main',
		ci_provider TEXT NOT NULL DEFAULT '',
		secrets TEXT,
		default_models TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS protocol_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id INTEGER NOT NULL REFERENCES projects(id),
		protocol_name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		base_branch TEXT NOT NULL DEFAULT '',
		worktree_path TEXT,
		protocol_root TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		plan TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS step_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		protocol_run_id INTEGER NOT NULL REFERENCES protocol_runs(id),
		step_index INTEGER NOT NULL,
		step_name TEXT NOT NULL,
		step_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		retries INTEGER NOT NULL DEFAULT 0,
		model TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		job_reference TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(protocol_run_id, step_index)
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		protocol_run_id INTEGER NOT NULL REFERENCES protocol_runs(id),
		step_run_id INTEGER NOT NULL DEFAULT 0,
		event_type TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_assignments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id INTEGER NOT NULL DEFAULT 0,
		process_key TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		prompt_id TEXT NOT NULL DEFAULT '',
		model_override TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		metadata TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(project_id, process_key)
	);

	CREATE TABLE IF NOT EXISTS agent_overrides (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id INTEGER NOT NULL,
		agent_id TEXT NOT NULL,
		overrides TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(project_id, agent_id)
	);

	CREATE TABLE IF NOT EXISTS agent_assignment_settings (
		project_id INTEGER PRIMARY KEY,
		inherit_global INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS budgets (
		scope TEXT NOT NULL,
		scope_id INTEGER NOT NULL,
		consumed INTEGER NOT NULL DEFAULT 0,
		ceiling INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY(scope, scope_id)
	);

	CREATE INDEX IF NOT EXISTS idx_step_runs_run ON step_runs(protocol_run_id);
	CREATE INDEX IF NOT EXISTS idx_events_run ON events(protocol_run_id, id);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON protocol_runs(status);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}
