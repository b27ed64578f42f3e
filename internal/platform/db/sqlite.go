// Package db opens and migrates the agent's on-device SQLite database.
// A single database file holds screening results, child profiles, the sync
// queue, and the offline response cache, so one transaction can span the
// result store and the queue.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Open opens (creating if needed) the SQLite database at path and applies
// pragmas suitable for a single-device agent: WAL journaling so a reader
// never blocks the sync engine's writes, and a busy timeout instead of
// immediate SQLITE_BUSY errors. The pragmas ride in the DSN so that every
// connection database/sql opens gets them, not just the first.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return db, nil
}

// Migration is a single schema change applied exactly once, in version order.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrations is the ordered schema history for the agent database.
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "create_child_profiles",
		SQL: `CREATE TABLE IF NOT EXISTS child_profiles (
			child_id     TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			date_of_birth TEXT NOT NULL,
			school_code  TEXT,
			grade_level  TEXT,
			parent_email TEXT,
			synced_at    TIMESTAMP,
			created_at   TIMESTAMP NOT NULL,
			updated_at   TIMESTAMP NOT NULL
		)`,
	},
	{
		Version: 2,
		Name:    "create_screening_results",
		SQL: `CREATE TABLE IF NOT EXISTS screening_results (
			id           TEXT PRIMARY KEY,
			child_id     TEXT NOT NULL,
			profile_json TEXT NOT NULL,
			vision_json  TEXT,
			hearing_json TEXT,
			pass_status  TEXT NOT NULL,
			referral_needed INTEGER NOT NULL,
			offline_mode INTEGER NOT NULL,
			screened_at  TIMESTAMP NOT NULL,
			synced_at    TIMESTAMP,
			created_at   TIMESTAMP NOT NULL
		)`,
	},
	{
		Version: 3,
		Name:    "index_results_by_child",
		SQL:     `CREATE INDEX IF NOT EXISTS idx_results_child ON screening_results(child_id, screened_at)`,
	},
	{
		Version: 4,
		Name:    "create_sync_queue",
		SQL: `CREATE TABLE IF NOT EXISTS sync_queue (
			id           TEXT PRIMARY KEY,
			type         TEXT NOT NULL,
			child_id     TEXT,
			data         TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'pending',
			attempts     INTEGER NOT NULL DEFAULT 0,
			error        TEXT,
			created_at   TIMESTAMP NOT NULL,
			last_attempt TIMESTAMP,
			next_eligible TIMESTAMP
		)`,
	},
	{
		Version: 5,
		Name:    "index_queue_claim_order",
		SQL:     `CREATE INDEX IF NOT EXISTS idx_queue_claim ON sync_queue(status, created_at)`,
	},
	{
		Version: 6,
		Name:    "create_response_cache",
		SQL: `CREATE TABLE IF NOT EXISTS response_cache (
			generation   TEXT NOT NULL,
			url          TEXT NOT NULL,
			status_code  INTEGER NOT NULL,
			content_type TEXT NOT NULL,
			body         BLOB NOT NULL,
			fetched_at   TIMESTAMP NOT NULL,
			PRIMARY KEY (generation, url)
		)`,
	},
}

// Migrate applies all pending migrations and returns how many ran.
func Migrate(ctx context.Context, db *sql.DB) (int, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[int]bool{}
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return 0, fmt.Errorf("select schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	count := 0
	for _, m := range Migrations {
		if applied[m.Version] {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return count, err
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return count, fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
			tx.Rollback()
			return count, fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
