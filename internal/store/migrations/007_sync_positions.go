package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// migrateSyncPositions creates the replication cursor table (spec.md §4.9,
// C9): one row per named remote target, advanced only after that target
// confirms durability, so a crash mid-push replays rather than skips.
func migrateSyncPositions(ctx context.Context, db *sql.DB) error {
	stmt := `CREATE TABLE IF NOT EXISTS sync_positions (
		target_name       TEXT PRIMARY KEY,
		last_event_cursor INTEGER NOT NULL DEFAULT 0,
		last_timestamp    TIMESTAMP,
		updated_at        TIMESTAMP NOT NULL
	)`
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("exec %q: %w", stmt, err)
	}
	return nil
}
