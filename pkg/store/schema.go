package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

const currentSchemaVersion = 1

// migrations[i] upgrades the schema from version i to i+1. Statements use
// types understood by both SQLite and Postgres.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			onboarded_at BIGINT,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			hint TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			UNIQUE (user_id, hint)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			idempotency_key TEXT NOT NULL UNIQUE,
			external_message_id TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL,
			kind TEXT NOT NULL,
			body TEXT,
			media_ref TEXT,
			mime_type TEXT NOT NULL DEFAULT '',
			received_at BIGINT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messaging_windows (
			user_id TEXT PRIMARY KEY,
			last_inbound_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_events (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			source_tag TEXT NOT NULL,
			input_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			idempotency_key TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			available_at BIGINT NOT NULL,
			claimed_at BIGINT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS agent_events_pending_idx ON agent_events (status, available_at, created_at)`,
		`CREATE TABLE IF NOT EXISTS agent_runs (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			finished_at BIGINT,
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS agent_runs_event_idx ON agent_runs (event_id)`,
		`CREATE TABLE IF NOT EXISTS agent_steps (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			node TEXT NOT NULL,
			status TEXT NOT NULL,
			input TEXT NOT NULL,
			output TEXT NOT NULL,
			latency_ms BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			UNIQUE (run_id, seq)
		)`,
	},
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return err
	}

	version, err := s.readSchemaVersion(ctx, tx)
	if err != nil {
		return err
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	for v := version; v < currentSchemaVersion; v++ {
		for _, stmt := range migrations[v] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migrate to version %d: %w", v+1, err)
			}
		}
	}

	if version != currentSchemaVersion {
		upsert := s.rebind(`INSERT INTO schema_meta (key, value) VALUES ('schema_version', ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`)
		if _, err := tx.ExecContext(ctx, upsert, strconv.Itoa(currentSchemaVersion)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLStore) readSchemaVersion(ctx context.Context, tx *sql.Tx) (int, error) {
	var text string
	err := tx.QueryRowContext(ctx, `SELECT value FROM schema_meta WHERE key = 'schema_version'`).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	version, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", text, err)
	}
	return version, nil
}
