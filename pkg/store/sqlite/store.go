// Fleetd - multi-agent fleet coordination server
// License: MIT
//
// Copyright (c) 2026 Fleetd contributors

// Package sqlite is the reference storage backend. It implements every
// capability interface in pkg/store on a single database handle.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store implements store.Backend on SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and applies the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// The scheduler is the single writer; readers come from HTTP handlers.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS users (
			uid TEXT PRIMARY KEY,
			handle TEXT NOT NULL,
			team_name TEXT NOT NULL,
			agent_type TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			team_name TEXT NOT NULL,
			owner_handle TEXT NOT NULL,
			owner_uid TEXT NOT NULL,
			created_by_handle TEXT NOT NULL,
			created_by_uid TEXT NOT NULL,
			subject TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL,
			blocked_by TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS work_items (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL,
			assigned_to TEXT,
			batch_id TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS work_item_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			work_item_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			actor TEXT,
			details TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS batches (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mail (
			id TEXT PRIMARY KEY,
			from_handle TEXT NOT NULL,
			to_handle TEXT NOT NULL,
			subject TEXT,
			body TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			read_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS handoffs (
			id TEXT PRIMARY KEY,
			from_handle TEXT NOT NULL,
			to_handle TEXT NOT NULL,
			reason TEXT,
			context TEXT,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS blackboard_messages (
			id TEXT PRIMARY KEY,
			swarm_id TEXT NOT NULL,
			sender_handle TEXT NOT NULL,
			message_type TEXT NOT NULL,
			priority TEXT NOT NULL,
			target_handle TEXT,
			payload TEXT,
			created_at INTEGER NOT NULL,
			read_by TEXT,
			archived INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blackboard_swarm ON blackboard_messages(swarm_id, created_at, id)`,
		`CREATE TABLE IF NOT EXISTS spawn_requests (
			id TEXT PRIMARY KEY,
			requester_handle TEXT NOT NULL,
			target_agent_type TEXT NOT NULL,
			task TEXT NOT NULL,
			swarm_id TEXT,
			priority TEXT NOT NULL,
			depth_level INTEGER NOT NULL,
			parent_handle TEXT,
			depends_on TEXT,
			status TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL,
			decided_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS workers (
			handle TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			team_name TEXT NOT NULL,
			swarm_id TEXT,
			state TEXT NOT NULL,
			health TEXT NOT NULL,
			spawn_mode TEXT NOT NULL,
			depth_level INTEGER NOT NULL,
			parent_handle TEXT,
			pid INTEGER,
			restart_count INTEGER NOT NULL DEFAULT 0,
			last_heartbeat DATETIME NOT NULL,
			spawned_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			to_handle TEXT NOT NULL,
			summary TEXT,
			payload TEXT,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			decided_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			version INTEGER NOT NULL,
			definition TEXT NOT NULL,
			is_template INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			swarm_id TEXT,
			status TEXT NOT NULL,
			context TEXT,
			started_at DATETIME,
			completed_at DATETIME,
			error TEXT,
			created_at DATETIME NOT NULL,
			created_by TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			step_key TEXT NOT NULL,
			step_type TEXT NOT NULL,
			status TEXT NOT NULL,
			config TEXT,
			depends_on TEXT,
			blocked_by_count INTEGER NOT NULL,
			output TEXT,
			assigned_to TEXT,
			ref_id TEXT,
			started_at DATETIME,
			completed_at DATETIME,
			error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			timeout_ms INTEGER NOT NULL DEFAULT 0,
			on_failure TEXT,
			guard TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_execution ON steps(execution_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS triggers (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			config TEXT,
			is_enabled INTEGER NOT NULL DEFAULT 1,
			last_fired_at DATETIME,
			fire_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
