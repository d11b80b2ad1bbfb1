package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// migrateOutboxBackoff adds the column the outbox's exponential backoff
// (spec.md §7: base 5s, factor 2, up to max_retries=3) needs to gate when a
// failed-then-reclaimed job becomes eligible again, instead of a failed job
// returning to pending immediately.
func migrateOutboxBackoff(ctx context.Context, db *sql.DB) error {
	exists, err := columnExists(ctx, db, "outbox_jobs", "next_attempt_at")
	if err != nil {
		return fmt.Errorf("check outbox_jobs.next_attempt_at: %w", err)
	}
	if !exists {
		if _, err := db.ExecContext(ctx,
			`ALTER TABLE outbox_jobs ADD COLUMN next_attempt_at TIMESTAMP NOT NULL DEFAULT '1970-01-01 00:00:00'`,
		); err != nil {
			return fmt.Errorf("add outbox_jobs.next_attempt_at: %w", err)
		}
	}
	return nil
}
