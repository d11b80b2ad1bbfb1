// Package migrations holds the event log's idempotent schema migrations,
// one function per concern, applied in order. Every function must be safe
// to run against both a brand-new database and one already on the latest
// schema (spec.md §4.2: "schema migrations are idempotent; the log must
// open read-only successfully against an older schema"), following the
// teacher's numbered-function migration style.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is one named, idempotent schema step.
type Migration struct {
	Name string
	Func func(ctx context.Context, db *sql.DB) error
}

var all = []Migration{
	{"001_base_schema", migrateBaseSchema},
	{"002_outbox_table", migrateOutboxTable},
	{"003_events_fts", migrateEventsFTS},
	{"004_working_set", migrateWorkingSet},
	{"005_consolidated_memory", migrateConsolidatedMemory},
	{"006_helpfulness", migrateHelpfulness},
	{"007_sync_positions", migrateSyncPositions},
	{"008_outbox_backoff", migrateOutboxBackoff},
}

// Run applies every migration in order inside one EXCLUSIVE transaction,
// mirroring the teacher's RunMigrations: foreign keys must be toggled
// outside any transaction (a SQLite limitation), and EXCLUSIVE serializes
// concurrent first-opens across processes.
func Run(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		return fmt.Errorf("disable foreign keys for migrations: %w", err)
	}
	defer func() { _, _ = db.ExecContext(ctx, "PRAGMA foreign_keys = ON") }()

	if _, err := db.ExecContext(ctx, "BEGIN EXCLUSIVE"); err != nil {
		return fmt.Errorf("acquire exclusive lock for migrations: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = db.ExecContext(ctx, "ROLLBACK")
		}
	}()

	for _, m := range all {
		if err := m.Func(ctx, db); err != nil {
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
	}

	if _, err := db.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	committed = true
	return nil
}

// columnExists checks whether table has a column named col, for migrations
// that add a column only when it's missing (ALTER TABLE ... ADD COLUMN has
// no IF NOT EXISTS form in SQLite).
func columnExists(ctx context.Context, db *sql.DB, table, col string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == col {
			return true, nil
		}
	}
	return false, rows.Err()
}
