package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// migrateConsolidatedMemory creates consolidated_memories and the
// consolidated_rules promotion table (spec.md §4.8): a rule-based summary
// over a topically-grouped working-set batch, promoted to a stable rule once
// it crosses the confidence and source-count thresholds.
func migrateConsolidatedMemory(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS consolidated_memories (
			memory_id     TEXT PRIMARY KEY,
			summary       TEXT NOT NULL,
			topics        TEXT NOT NULL DEFAULT '[]',
			source_events TEXT NOT NULL DEFAULT '[]',
			confidence    REAL NOT NULL DEFAULT 0,
			created_at    TIMESTAMP NOT NULL,
			accessed_at   TIMESTAMP,
			access_count  INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS consolidated_rules (
			rule_id     TEXT PRIMARY KEY,
			memory_id   TEXT NOT NULL REFERENCES consolidated_memories(memory_id) ON DELETE CASCADE,
			summary     TEXT NOT NULL,
			topics      TEXT NOT NULL DEFAULT '[]',
			promoted_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_consolidated_rules_memory ON consolidated_rules(memory_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}
