package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cmemd/cmemd/internal/canon"
	"github.com/cmemd/cmemd/internal/cmemerr"
	"github.com/cmemd/cmemd/internal/model"
)

// AppendResult reports the outcome of Append, distinguishing a fresh write
// from a dedupe hit so callers never have to parse errors to tell them apart
// (spec.md §4.2: a duplicate append is not an error condition).
type AppendResult struct {
	Event       model.Event
	IsDuplicate bool
}

// Append inserts a new event, computing its canonical and dedupe keys, and
// queuing an embedding job in the outbox in the same transaction. A dedupe
// hit (same session, same content) returns the existing event with
// IsDuplicate set rather than an error.
func (s *Store) Append(ctx context.Context, ev model.Event, projectCtx *canon.Context) (AppendResult, error) {
	if !ev.EventType.Valid() {
		return AppendResult{}, cmemerr.New(cmemerr.KindInputInvalid, "unknown event_type: "+string(ev.EventType))
	}
	if ev.SessionID == "" {
		return AppendResult{}, cmemerr.New(cmemerr.KindInputInvalid, "session_id is required")
	}
	if ev.Content == "" {
		return AppendResult{}, cmemerr.New(cmemerr.KindInputInvalid, "content is required")
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now()
	}
	// Canonical and dedupe keys are globally stable and replicated verbatim
	// (spec.md §3): only derive them when the caller didn't already supply
	// one, so imported/replicated events keep their source node's keys.
	if ev.CanonicalKey == "" {
		ev.CanonicalKey = canon.Key(ev.Content, projectCtx)
	}
	if ev.DedupeKey == "" {
		ev.DedupeKey = canon.DedupeKey(ev.Content, ev.SessionID)
	}

	metaJSON, err := marshalMetadata(ev.Metadata)
	if err != nil {
		return AppendResult{}, cmemerr.Wrap(cmemerr.KindInputInvalid, "marshal event metadata", err)
	}

	result := AppendResult{Event: ev}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (id, event_type, session_id, turn_id, timestamp, content, canonical_key, dedupe_key, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING
			ON CONFLICT (dedupe_key) DO NOTHING
		`, ev.ID, string(ev.EventType), ev.SessionID, ev.TurnID, ev.Timestamp, ev.Content, ev.CanonicalKey, ev.DedupeKey, metaJSON)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			existing, err := scanEventByIDOrDedupeKey(ctx, tx, ev.ID, ev.DedupeKey)
			if err != nil {
				return err
			}
			result = AppendResult{Event: existing, IsDuplicate: true}
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO outbox_jobs (item_kind, item_id, status, created_at, updated_at)
			VALUES (?, ?, 'pending', ?, ?)
			ON CONFLICT (item_kind, item_id, embedding_version) DO NOTHING
		`, string(model.ItemKindEvent), ev.ID, ev.Timestamp, ev.Timestamp); err != nil {
			return fmt.Errorf("queue embedding job: %w", err)
		}

		return nil
	})
	if err != nil {
		return AppendResult{}, err
	}

	return result, nil
}

// ImportEvents appends a batch in one transaction, skipping duplicates
// without failing the batch (used for bulk backfill / replication replay).
func (s *Store) ImportEvents(ctx context.Context, events []model.Event, projectCtx *canon.Context) (imported, skipped int, err error) {
	for _, ev := range events {
		res, appendErr := s.Append(ctx, ev, projectCtx)
		if appendErr != nil {
			return imported, skipped, fmt.Errorf("import event %s: %w", ev.ID, appendErr)
		}
		if res.IsDuplicate {
			skipped++
		} else {
			imported++
		}
	}
	return imported, skipped, nil
}

// GetEvent fetches a single event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (model.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, event_type, session_id, turn_id, timestamp, content, canonical_key, dedupe_key, metadata, rowid, access_count
		FROM events WHERE id = ?
	`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, cmemerr.ErrEventNotFound
	}
	if err != nil {
		return model.Event{}, fmt.Errorf("get event %s: %w", id, err)
	}
	return ev, nil
}

// EventsBySession returns all events for a session in chronological order.
func (s *Store) EventsBySession(ctx context.Context, sessionID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, session_id, turn_id, timestamp, content, canonical_key, dedupe_key, metadata, rowid, access_count
		FROM events WHERE session_id = ? ORDER BY rowid ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query events by session: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// EventsSince returns events with rowid > cursor, ordered by rowid, bounded
// by limit. Used by the replicator (C9) to page through undelivered events.
func (s *Store) EventsSince(ctx context.Context, cursor int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		return nil, cmemerr.New(cmemerr.KindInputInvalid, "limit must be positive")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, session_id, turn_id, timestamp, content, canonical_key, dedupe_key, metadata, rowid, access_count
		FROM events WHERE rowid > ? ORDER BY rowid ASC LIMIT ?
	`, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("query events since %d: %w", cursor, err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// RecentEvents returns the most recently appended events, newest first,
// bounded by limit. Used by the retriever's summary fallback (spec.md §4.7),
// which needs a recency-biased scan rather than EventsSince's oldest-first
// cursor page.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]model.Event, error) {
	if limit <= 0 {
		return nil, cmemerr.New(cmemerr.KindInputInvalid, "limit must be positive")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, session_id, turn_id, timestamp, content, canonical_key, dedupe_key, metadata, rowid, access_count
		FROM events ORDER BY rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// scanEventByIDOrDedupeKey resolves the row an idempotent-skip INSERT
// collided with, whichever conflict arm (id or dedupe_key) fired.
func scanEventByIDOrDedupeKey(ctx context.Context, tx *sql.Tx, id, dedupeKey string) (model.Event, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, event_type, session_id, turn_id, timestamp, content, canonical_key, dedupe_key, metadata, rowid, access_count
		FROM events WHERE id = ? OR dedupe_key = ?
	`, id, dedupeKey)
	return scanEvent(row)
}

func scanEvent(row *sql.Row) (model.Event, error) {
	var (
		ev       model.Event
		evType   string
		metaJSON string
	)
	if err := row.Scan(&ev.ID, &evType, &ev.SessionID, &ev.TurnID, &ev.Timestamp, &ev.Content,
		&ev.CanonicalKey, &ev.DedupeKey, &metaJSON, &ev.Rowid, &ev.AccessCount); err != nil {
		return model.Event{}, err
	}
	ev.EventType = model.EventType(evType)
	meta, err := unmarshalMetadata(metaJSON)
	if err != nil {
		return model.Event{}, fmt.Errorf("unmarshal metadata for event %s: %w", ev.ID, err)
	}
	ev.Metadata = meta
	return ev, nil
}

func scanEvents(rows *sql.Rows) ([]model.Event, error) {
	var out []model.Event
	for rows.Next() {
		var (
			ev       model.Event
			evType   string
			metaJSON string
		)
		if err := rows.Scan(&ev.ID, &evType, &ev.SessionID, &ev.TurnID, &ev.Timestamp, &ev.Content,
			&ev.CanonicalKey, &ev.DedupeKey, &metaJSON, &ev.Rowid, &ev.AccessCount); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.EventType = model.EventType(evType)
		meta, err := unmarshalMetadata(metaJSON)
		if err != nil {
			return nil, fmt.Errorf("unmarshal metadata for event %s: %w", ev.ID, err)
		}
		ev.Metadata = meta
		out = append(out, ev)
	}
	return out, rows.Err()
}

func marshalMetadata(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMetadata(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
