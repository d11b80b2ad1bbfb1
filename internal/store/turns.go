package store

import (
	"context"
	"fmt"

	"github.com/cmemd/cmemd/internal/model"
)

// EventsByTurn returns every event carrying the given turn_id, in
// chronological order (spec.md §4.10's getEventsByTurn).
func (s *Store) EventsByTurn(ctx context.Context, turnID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, session_id, turn_id, timestamp, content, canonical_key, dedupe_key, metadata, rowid, access_count
		FROM events WHERE turn_id = ? ORDER BY rowid ASC
	`, turnID)
	if err != nil {
		return nil, fmt.Errorf("query events by turn: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// SessionTurns groups a session's events by turn_id and reports each turn's
// event count and whether it observed an agent_response (spec.md §4.10's
// getSessionTurns). Turns are returned in the order their first event was
// appended; events with an empty turn_id are not grouped into any turn.
func (s *Store) SessionTurns(ctx context.Context, sessionID string) ([]model.TurnSummary, error) {
	events, err := s.EventsBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session events: %w", err)
	}

	index := make(map[string]int)
	var turns []model.TurnSummary
	for _, ev := range events {
		if ev.TurnID == "" {
			continue
		}
		i, ok := index[ev.TurnID]
		if !ok {
			index[ev.TurnID] = len(turns)
			turns = append(turns, model.TurnSummary{TurnID: ev.TurnID})
			i = len(turns) - 1
		}
		turns[i].EventCount++
		if ev.EventType == model.EventAgentResponse {
			turns[i].HasResponse = true
		}
	}
	return turns, nil
}
