package shared

import (
	"context"
	"database/sql"
	"fmt"
)

// ensureSchema creates the shared_entries table and its FTS5 keyword index,
// following the same external-content-plus-triggers pattern as the
// per-project event log's events_fts (internal/store/migrations).
func ensureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS shared_entries (
			id                   TEXT PRIMARY KEY,
			content              TEXT NOT NULL,
			canonical_key        TEXT NOT NULL DEFAULT '',
			source_project_hash  TEXT NOT NULL,
			tags                 TEXT NOT NULL DEFAULT '[]',
			usage_count          INTEGER NOT NULL DEFAULT 0,
			created_at           TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_shared_entries_source ON shared_entries(source_project_hash)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}

	var exists int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='shared_entries_fts'`,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check shared_entries_fts existence: %w", err)
	}
	if exists == 0 {
		ftsStmts := []string{
			`CREATE VIRTUAL TABLE shared_entries_fts USING fts5(
				content,
				content='shared_entries',
				content_rowid='rowid'
			)`,
			`CREATE TRIGGER shared_entries_ai AFTER INSERT ON shared_entries BEGIN
				INSERT INTO shared_entries_fts(rowid, content) VALUES (new.rowid, new.content);
			END`,
			`CREATE TRIGGER shared_entries_ad AFTER DELETE ON shared_entries BEGIN
				INSERT INTO shared_entries_fts(shared_entries_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
			END`,
			`CREATE TRIGGER shared_entries_au AFTER UPDATE ON shared_entries BEGIN
				INSERT INTO shared_entries_fts(shared_entries_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
				INSERT INTO shared_entries_fts(rowid, content) VALUES (new.rowid, new.content);
			END`,
		}
		for _, stmt := range ftsStmts {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec %q: %w", stmt, err)
			}
		}
	}
	return nil
}
