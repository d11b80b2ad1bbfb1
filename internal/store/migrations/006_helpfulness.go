package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// migrateHelpfulness creates the retrieval helpfulness ledger (spec.md §4.11,
// C11): one row per retrieval, updated after the fact with signals from the
// session that followed it, then reduced to a bounded [0,1] score.
func migrateHelpfulness(ctx context.Context, db *sql.DB) error {
	stmt := `CREATE TABLE IF NOT EXISTS helpfulness_records (
		id                  INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id            TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
		session_id          TEXT NOT NULL,
		retrieval_score     REAL NOT NULL DEFAULT 0,
		query_preview       TEXT NOT NULL DEFAULT '',
		session_continued   INTEGER NOT NULL DEFAULT 0,
		prompt_count_after  INTEGER NOT NULL DEFAULT 0,
		tool_success_ratio  REAL NOT NULL DEFAULT 0,
		was_reasked         INTEGER NOT NULL DEFAULT 0,
		helpfulness_score   REAL NOT NULL DEFAULT 0,
		measured_at         TIMESTAMP,
		recorded_at         TIMESTAMP NOT NULL
	)`
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("exec %q: %w", stmt, err)
	}
	if _, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_helpfulness_event ON helpfulness_records(event_id)`,
	); err != nil {
		return fmt.Errorf("create idx_helpfulness_event: %w", err)
	}
	return nil
}
