package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// migrateOutboxTable creates the transactional outbox (spec.md §4.3, C3):
// derivation jobs (embed an event, embed an entry, title a task) queued in
// the same transaction as the row that spawned them, and driven through
// pending -> processing -> {done | failed} -> pending by the embedding
// worker.
func migrateOutboxTable(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS outbox_jobs (
			job_id            INTEGER PRIMARY KEY AUTOINCREMENT,
			item_kind         TEXT NOT NULL,
			item_id           TEXT NOT NULL,
			embedding_version TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL DEFAULT 'pending',
			retry_count       INTEGER NOT NULL DEFAULT 0,
			error             TEXT NOT NULL DEFAULT '',
			created_at        TIMESTAMP NOT NULL,
			updated_at        TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox_jobs(status)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_item ON outbox_jobs(item_kind, item_id, embedding_version)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}
