package store

import (
	"context"
	"database/sql"
	"fmt"
)

// RecordAccess increments an event's access_count, used by the retriever
// (C7) so consolidation and eviction can weigh how often a memory actually
// gets surfaced, not just how recently it was written.
func (s *Store) RecordAccess(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE events SET access_count = access_count + 1 WHERE id = ?`, eventID)
	if err != nil {
		return fmt.Errorf("record access for event %s: %w", eventID, err)
	}
	return nil
}

// RecordAccessBatch increments access_count for every id inside one
// transaction, once per occurrence of the id.
func (s *Store) RecordAccessBatch(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range eventIDs {
			if _, err := tx.ExecContext(ctx, `UPDATE events SET access_count = access_count + 1 WHERE id = ?`, id); err != nil {
				return fmt.Errorf("record access for event %s: %w", id, err)
			}
		}
		return nil
	})
}
