// Package workingset implements C8's bounded, TTL-gated active window
// (spec.md §4.8): a small queue of recently-salient events that the
// consolidator periodically drains into topic-grouped summaries.
package workingset

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cmemd/cmemd/internal/cmemerr"
)

// Set wraps the working_set table.
type Set struct {
	db         *sql.DB
	windowHrs  time.Duration
	maxEvents  int
}

// Item mirrors a working_set row.
type Item struct {
	ID        int64
	EventID   string
	AddedAt   time.Time
	Relevance float64
	Topics    []string
	ExpiresAt time.Time
}

func New(db *sql.DB, windowHours time.Duration, maxEvents int) *Set {
	if windowHours <= 0 {
		windowHours = 24 * time.Hour
	}
	if maxEvents <= 0 {
		maxEvents = 200
	}
	return &Set{db: db, windowHrs: windowHours, maxEvents: maxEvents}
}

// Add inserts or refreshes an event in the working set, then expires stale
// rows and trims to maxEvents by dropping the lowest-relevance oldest
// entries first (spec.md §4.8).
func (s *Set) Add(ctx context.Context, eventID string, relevance float64, topics []string) error {
	if eventID == "" {
		return cmemerr.New(cmemerr.KindInputInvalid, "event_id is required")
	}
	now := time.Now()
	expiresAt := now.Add(s.windowHrs)
	topicsJSON, err := json.Marshal(topics)
	if err != nil {
		return cmemerr.Wrap(cmemerr.KindInputInvalid, "marshal topics", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO working_set (event_id, added_at, relevance, topics, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO UPDATE SET
			relevance = excluded.relevance, topics = excluded.topics, expires_at = excluded.expires_at
	`, eventID, now, relevance, string(topicsJSON), expiresAt)
	if err != nil {
		return fmt.Errorf("add %s to working set: %w", eventID, err)
	}

	return s.maintain(ctx)
}

// Refresh resets an item's TTL without changing relevance/topics
// (rehearsal, per spec.md §4.8).
func (s *Set) Refresh(ctx context.Context, eventID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE working_set SET expires_at = ? WHERE event_id = ?
	`, time.Now().Add(s.windowHrs), eventID)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", eventID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return cmemerr.ErrEventNotFound
	}
	return nil
}

// maintain expires stale rows, then trims over-capacity by relevance
// ascending, added_at ascending (oldest, least relevant go first).
func (s *Set) maintain(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM working_set WHERE expires_at < ?`, time.Now()); err != nil {
		return fmt.Errorf("expire working set rows: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM working_set`).Scan(&count); err != nil {
		return fmt.Errorf("count working set: %w", err)
	}
	if count <= s.maxEvents {
		return nil
	}
	overflow := count - s.maxEvents
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM working_set WHERE id IN (
			SELECT id FROM working_set ORDER BY relevance ASC, added_at ASC LIMIT ?
		)
	`, overflow)
	if err != nil {
		return fmt.Errorf("trim working set: %w", err)
	}
	return nil
}

// All returns every current (non-expired, already-maintained) item, most
// recently added first.
func (s *Set) All(ctx context.Context) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, added_at, relevance, topics, expires_at FROM working_set
		WHERE expires_at >= ? ORDER BY added_at DESC
	`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("list working set: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Item
	for rows.Next() {
		var (
			it         Item
			topicsJSON string
		)
		if err := rows.Scan(&it.ID, &it.EventID, &it.AddedAt, &it.Relevance, &topicsJSON, &it.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan working set row: %w", err)
		}
		if err := json.Unmarshal([]byte(topicsJSON), &it.Topics); err != nil {
			return nil, fmt.Errorf("unmarshal topics: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Count reports the current working set size.
func (s *Set) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM working_set`).Scan(&n)
	return n, err
}

// PruneOldestHalf removes the oldest half of the given event IDs from the
// working set, used by the consolidator after a group is summarized
// (spec.md §4.8: "prune from working set only the oldest half of each
// consolidated group").
func (s *Set) PruneOldestHalf(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	items, err := s.itemsFor(ctx, eventIDs)
	if err != nil {
		return err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].AddedAt.Before(items[j].AddedAt) })

	half := len(items) / 2
	for _, it := range items[:half] {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM working_set WHERE id = ?`, it.ID); err != nil {
			return fmt.Errorf("prune working set item %d: %w", it.ID, err)
		}
	}
	return nil
}

func (s *Set) itemsFor(ctx context.Context, eventIDs []string) ([]Item, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(eventIDs))
	for _, id := range eventIDs {
		want[id] = true
	}
	var out []Item
	for _, it := range all {
		if want[it.EventID] {
			out = append(out, it)
		}
	}
	return out, nil
}
