// Package helpfulness implements C11: a post-hoc ledger of how useful each
// retrieval turned out to be, scored from what happened in the session
// afterwards (spec.md §4.11).
package helpfulness

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cmemd/cmemd/internal/model"
)

const reaskOverlapThreshold = 0.5

// Tracker records retrievals and, at session end, measures them against
// what followed.
type Tracker struct {
	db *sql.DB
}

func New(db *sql.DB) *Tracker {
	return &Tracker{db: db}
}

// RecordRetrieval appends an unmeasured ledger row at retrieval time
// (spec.md §4.11's record_retrieval).
func (t *Tracker) RecordRetrieval(ctx context.Context, eventID, sessionID, query string, score float64) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO helpfulness_records (event_id, session_id, retrieval_score, query_preview, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`, eventID, sessionID, score, previewOf(query), time.Now())
	if err != nil {
		return fmt.Errorf("record retrieval for event %s: %w", eventID, err)
	}
	return nil
}

// unmeasuredRecord is the subset of columns Measure needs per row.
type unmeasuredRecord struct {
	id             int64
	eventID        string
	retrievalScore float64
	queryPreview   string
	recordedAt     time.Time
}

// Measure evaluates every unmeasured retrieval record for a session against
// the events that followed it, computing the four signals and the blended
// helpfulness_score, then persists the result (spec.md §4.11).
func (t *Tracker) Measure(ctx context.Context, sessionID string, sessionEvents []model.Event) (int, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT id, event_id, retrieval_score, query_preview, recorded_at
		FROM helpfulness_records
		WHERE session_id = ? AND measured_at IS NULL
	`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("query unmeasured records: %w", err)
	}
	var records []unmeasuredRecord
	for rows.Next() {
		var r unmeasuredRecord
		if err := rows.Scan(&r.id, &r.eventID, &r.retrievalScore, &r.queryPreview, &r.recordedAt); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan unmeasured record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	_ = rows.Close()

	measured := 0
	for _, r := range records {
		after := eventsAfter(sessionEvents, r.eventID, r.recordedAt)

		continued := len(after) > 0
		promptCountAfter := countPrompts(after)
		toolSuccessRatio := toolSuccessRatioOf(after)
		wasReasked := reaskedAfter(r.queryPreview, after)

		score := helpfulnessScore(r.retrievalScore, continued, toolSuccessRatio, wasReasked)

		if err := t.persist(ctx, r.id, continued, promptCountAfter, toolSuccessRatio, wasReasked, score); err != nil {
			return measured, err
		}
		measured++
	}
	return measured, nil
}

// sessionLoader is the slice of *store.Store that Sweep needs, kept as an
// interface so this package doesn't import internal/store directly.
type sessionLoader interface {
	EventsBySession(ctx context.Context, sessionID string) ([]model.Event, error)
}

// Sweep measures every session with unmeasured retrievals recorded more
// than idleAfter ago, suitable as a workerctl.Task.Tick callback (spec.md
// §5's cooperative helpfulness evaluator).
func (t *Tracker) Sweep(ctx context.Context, events sessionLoader, idleAfter time.Duration) (int, error) {
	cutoff := time.Now().Add(-idleAfter)
	rows, err := t.db.QueryContext(ctx, `
		SELECT DISTINCT session_id FROM helpfulness_records
		WHERE measured_at IS NULL AND recorded_at <= ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("query idle sessions: %w", err)
	}
	var sessionIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan session id: %w", err)
		}
		sessionIDs = append(sessionIDs, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	_ = rows.Close()

	total := 0
	for _, sessionID := range sessionIDs {
		sessionEvents, err := events.EventsBySession(ctx, sessionID)
		if err != nil {
			return total, fmt.Errorf("load session %s: %w", sessionID, err)
		}
		measured, err := t.Measure(ctx, sessionID, sessionEvents)
		if err != nil {
			return total, err
		}
		total += measured
	}
	return total, nil
}

func (t *Tracker) persist(ctx context.Context, id int64, continued bool, promptCountAfter int, toolSuccessRatio float64, wasReasked bool, score float64) error {
	_, err := t.db.ExecContext(ctx, `
		UPDATE helpfulness_records SET
			session_continued = ?,
			prompt_count_after = ?,
			tool_success_ratio = ?,
			was_reasked = ?,
			helpfulness_score = ?,
			measured_at = ?
		WHERE id = ?
	`, continued, promptCountAfter, toolSuccessRatio, wasReasked, score, time.Now(), id)
	if err != nil {
		return fmt.Errorf("persist measurement for record %d: %w", id, err)
	}
	return nil
}

// helpfulnessScore implements spec.md §4.11's exact blend, bounded to
// [0,1] by construction since every term is already bounded.
func helpfulnessScore(retrievalScore float64, continued bool, toolSuccessRatio float64, wasReasked bool) float64 {
	if retrievalScore > 1 {
		retrievalScore = 1
	}
	if retrievalScore < 0 {
		retrievalScore = 0
	}
	continuedVal := 0.0
	if continued {
		continuedVal = 1.0
	}
	reaskedVal := 0.0
	if wasReasked {
		reaskedVal = 1.0
	}
	return 0.30*retrievalScore + 0.25*continuedVal + 0.25*toolSuccessRatio + 0.20*(1-reaskedVal)
}

// eventsAfter returns the events in a session strictly after the retrieved
// event's recorded timestamp, in chronological order.
func eventsAfter(sessionEvents []model.Event, eventID string, recordedAt time.Time) []model.Event {
	var out []model.Event
	for _, ev := range sessionEvents {
		if ev.ID == eventID {
			continue
		}
		if ev.Timestamp.After(recordedAt) {
			out = append(out, ev)
		}
	}
	return out
}

func countPrompts(events []model.Event) int {
	n := 0
	for _, ev := range events {
		if ev.EventType == model.EventUserPrompt {
			n++
		}
	}
	return n
}

// toolObservationPayload is the subset of a tool_observation event's JSON
// content this package cares about.
type toolObservationPayload struct {
	Success *bool `json:"success"`
}

// toolSuccessRatioOf parses each tool_observation's JSON `success` field,
// assuming true when the content isn't parseable JSON or omits the field
// (spec.md §4.11).
func toolSuccessRatioOf(events []model.Event) float64 {
	total, successes := 0, 0
	for _, ev := range events {
		if ev.EventType != model.EventToolObservation {
			continue
		}
		total++
		var payload toolObservationPayload
		if err := json.Unmarshal([]byte(ev.Content), &payload); err != nil || payload.Success == nil || *payload.Success {
			successes++
		}
	}
	if total == 0 {
		return 1
	}
	return float64(successes) / float64(total)
}

// reaskedAfter detects a re-ask: token overlap (tokens of length >= 3)
// between the original query and any subsequent user prompt exceeding 0.5
// (spec.md §4.11).
func reaskedAfter(originalQuery string, events []model.Event) bool {
	queryTokens := significantTokens(originalQuery)
	if len(queryTokens) == 0 {
		return false
	}
	for _, ev := range events {
		if ev.EventType != model.EventUserPrompt {
			continue
		}
		if tokenOverlapRatio(queryTokens, significantTokens(ev.Content)) > reaskOverlapThreshold {
			return true
		}
	}
	return false
}

func tokenOverlapRatio(a []string, b []string) float64 {
	if len(a) == 0 {
		return 0
	}
	bSet := make(map[string]bool, len(b))
	for _, t := range b {
		bSet[t] = true
	}
	matched := 0
	for _, t := range a {
		if bSet[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(a))
}

// significantTokens lowercases and splits on whitespace, keeping only
// tokens with length >= 3 (spec.md §4.11's re-ask token-length floor).
func significantTokens(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()[]{}")
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}

func previewOf(query string) string {
	const maxLen = 200
	if len(query) <= maxLen {
		return query
	}
	return query[:maxLen]
}
