package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// migrateBaseSchema creates the sessions and events tables: the append-only
// core of the event log (spec.md §3, §4.2). dedupe_key carries the UNIQUE
// constraint that makes Append idempotent; canonical_key is indexed but not
// unique, since several distinct dedupe_keys can share one canonical topic.
func migrateBaseSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id           TEXT PRIMARY KEY,
			started_at   TIMESTAMP NOT NULL,
			ended_at     TIMESTAMP,
			project_path TEXT NOT NULL DEFAULT '',
			summary      TEXT NOT NULL DEFAULT '',
			tags         TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_path)`,

		`CREATE TABLE IF NOT EXISTS events (
			id            TEXT PRIMARY KEY,
			event_type    TEXT NOT NULL,
			session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			turn_id       TEXT NOT NULL DEFAULT '',
			timestamp     TIMESTAMP NOT NULL,
			content       TEXT NOT NULL,
			canonical_key TEXT NOT NULL,
			dedupe_key    TEXT NOT NULL UNIQUE,
			metadata      TEXT NOT NULL DEFAULT '{}',
			access_count  INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_canonical ON events(canonical_key)`,
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}

	// Older logs predate turn_id; add it if missing so a read-only open
	// against that schema still succeeds (the column default covers writes).
	has, err := columnExists(ctx, db, "events", "turn_id")
	if err != nil {
		return fmt.Errorf("check events.turn_id: %w", err)
	}
	if !has {
		if _, err := db.ExecContext(ctx, `ALTER TABLE events ADD COLUMN turn_id TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("add events.turn_id: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_events_turn ON events(turn_id) WHERE turn_id != ''`); err != nil {
		return fmt.Errorf("create idx_events_turn: %w", err)
	}

	return nil
}
