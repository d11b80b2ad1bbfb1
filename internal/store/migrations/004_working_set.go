package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// migrateWorkingSet creates the bounded, TTL-gated active window (spec.md
// §4.8, C8) that the consolidator drains.
func migrateWorkingSet(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS working_set (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id   TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
			added_at   TIMESTAMP NOT NULL,
			relevance  REAL NOT NULL DEFAULT 0,
			topics     TEXT NOT NULL DEFAULT '[]',
			expires_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_working_set_expires ON working_set(expires_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_working_set_event ON working_set(event_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}
