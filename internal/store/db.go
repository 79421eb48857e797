// Package store is the SQLite persistence layer shared by the schedule
// dispatcher and the task queue. All cross-process coordination goes
// through this database; there is no shared in-memory state.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens the database and applies the schema. Callers should keep a
// single writer connection (SQLite has one).
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// EnsureSchema creates tables if they don't exist. Run/schedule/expiry
// instants are stored as unix seconds so comparisons stay exact.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS schedules (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  site_id INTEGER NOT NULL,
  project_id INTEGER NOT NULL,
  workflow_id INTEGER NOT NULL,
  workflow_name TEXT NOT NULL,
  rule_type TEXT NOT NULL,
  rule_expr TEXT NOT NULL,
  timezone TEXT NOT NULL DEFAULT 'UTC',
  start_date TEXT NOT NULL DEFAULT '',
  end_date TEXT NOT NULL DEFAULT '',
  next_run_time INTEGER NOT NULL,
  next_schedule_time INTEGER NOT NULL,
  last_session_time INTEGER,
  disabled_at INTEGER,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(project_id, workflow_name)
);
CREATE INDEX IF NOT EXISTS idx_schedules_ready ON schedules(next_run_time) WHERE disabled_at IS NULL;
CREATE TABLE IF NOT EXISTS queued_tasks (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  site_id INTEGER NOT NULL,
  account_id INTEGER NOT NULL,
  unique_name TEXT NOT NULL,
  priority INTEGER NOT NULL DEFAULT 0,
  data BLOB,
  retry_count INTEGER NOT NULL DEFAULT 0,
  lock_id TEXT,
  lock_agent_id TEXT,
  lock_expire_at INTEGER,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(site_id, unique_name)
);
CREATE INDEX IF NOT EXISTS idx_queued_tasks_ready ON queued_tasks(site_id, priority, id) WHERE lock_id IS NULL;
CREATE INDEX IF NOT EXISTS idx_queued_tasks_leased ON queued_tasks(lock_expire_at) WHERE lock_expire_at IS NOT NULL;
`
	_, err := db.Exec(schema)
	return err
}
