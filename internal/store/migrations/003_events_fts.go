package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// migrateEventsFTS creates the FTS5 keyword index over events (spec.md §4.6,
// C6) as an external-content table so the indexed text lives once, in
// events.content, with triggers keeping events_fts synchronized on every
// insert/update/delete. Following the teacher's pattern, a fresh external-
// content table does not backfill existing rows, so any rows already present
// are picked up by an explicit 'rebuild' command.
func migrateEventsFTS(ctx context.Context, db *sql.DB) error {
	var exists int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='events_fts'`,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check events_fts existence: %w", err)
	}

	if exists == 0 {
		stmts := []string{
			`CREATE VIRTUAL TABLE events_fts USING fts5(
				content,
				canonical_key,
				content='events',
				content_rowid='rowid'
			)`,
			`CREATE TRIGGER events_ai AFTER INSERT ON events BEGIN
				INSERT INTO events_fts(rowid, content, canonical_key)
				VALUES (new.rowid, new.content, new.canonical_key);
			END`,
			`CREATE TRIGGER events_ad AFTER DELETE ON events BEGIN
				INSERT INTO events_fts(events_fts, rowid, content, canonical_key)
				VALUES ('delete', old.rowid, old.content, old.canonical_key);
			END`,
			`CREATE TRIGGER events_au AFTER UPDATE ON events BEGIN
				INSERT INTO events_fts(events_fts, rowid, content, canonical_key)
				VALUES ('delete', old.rowid, old.content, old.canonical_key);
				INSERT INTO events_fts(rowid, content, canonical_key)
				VALUES (new.rowid, new.content, new.canonical_key);
			END`,
		}
		for _, stmt := range stmts {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec %q: %w", stmt, err)
			}
		}
	}

	var eventCount int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&eventCount); err != nil {
		return fmt.Errorf("count events: %w", err)
	}
	if eventCount > 0 {
		var ftsCount int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events_fts`).Scan(&ftsCount); err != nil {
			return fmt.Errorf("count events_fts: %w", err)
		}
		if ftsCount != eventCount {
			if _, err := db.ExecContext(ctx, `INSERT INTO events_fts(events_fts) VALUES('rebuild')`); err != nil {
				return fmt.Errorf("rebuild events_fts: %w", err)
			}
		}
	}

	return nil
}
