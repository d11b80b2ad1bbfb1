package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/cmemd/cmemd/internal/cmemerr"
	"github.com/cmemd/cmemd/internal/model"
)

// KeywordHit is one BM25-ranked match from the FTS5 index (spec.md §4.6,
// C6), carrying the event it matched and a highlighted snippet.
type KeywordHit struct {
	Event   model.Event
	Snippet string
	// Score is the raw bm25() value: more negative is a better match. The
	// retriever (C7) normalizes this before blending with vector scores.
	Score float64
}

// KeywordSearchOptions controls matching strictness.
type KeywordSearchOptions struct {
	Query  string
	Limit  int
	// Strict disables the prefix-match convenience rewrite, passing Query
	// straight to FTS5 MATCH syntax (for callers issuing their own queries).
	Strict bool
}

// KeywordSearch runs a BM25-ranked match over events_fts and joins back to
// the source event.
func (s *Store) KeywordSearch(ctx context.Context, opts KeywordSearchOptions) ([]KeywordHit, error) {
	if strings.TrimSpace(opts.Query) == "" {
		return nil, cmemerr.New(cmemerr.KindInputInvalid, "query is required")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	matchQuery := opts.Query
	if !opts.Strict {
		matchQuery = prefixOrTokens(matchQuery)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.event_type, e.session_id, e.turn_id, e.timestamp, e.content,
		       e.canonical_key, e.dedupe_key, e.metadata, e.rowid, e.access_count,
		       snippet(events_fts, 0, '<b>', '</b>', '...', 32), bm25(events_fts)
		FROM events_fts
		JOIN events e ON events_fts.rowid = e.rowid
		WHERE events_fts MATCH ?
		ORDER BY bm25(events_fts)
		LIMIT ?
	`, matchQuery, limit)
	if err != nil {
		if isMissingFTSTable(err) {
			return s.keywordSearchSubstringFallback(ctx, opts.Query, limit)
		}
		return nil, cmemerr.Wrap(cmemerr.KindCorruption, "keyword search query", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []KeywordHit
	for rows.Next() {
		var (
			ev       model.Event
			evType   string
			metaJSON string
			hit      KeywordHit
		)
		if err := rows.Scan(&ev.ID, &evType, &ev.SessionID, &ev.TurnID, &ev.Timestamp, &ev.Content,
			&ev.CanonicalKey, &ev.DedupeKey, &metaJSON, &ev.Rowid, &ev.AccessCount,
			&hit.Snippet, &hit.Score); err != nil {
			return nil, fmt.Errorf("scan keyword hit: %w", err)
		}
		ev.EventType = model.EventType(evType)
		meta, err := unmarshalMetadata(metaJSON)
		if err != nil {
			return nil, fmt.Errorf("unmarshal metadata for event %s: %w", ev.ID, err)
		}
		ev.Metadata = meta
		hit.Event = ev
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// prefixOrTokens splits query into whitespace-separated tokens and rewrites
// it as an FTS5 MATCH expression ORing a prefix-wildcard over each token,
// rather than leaving FTS5's implicit AND to only prefix-match the last word
// (spec.md §4.6: independent prefix-wildcard treatment per token).
func prefixOrTokens(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return query
	}
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if strings.ContainsAny(f, `"*:()`) {
			tokens = append(tokens, f)
			continue
		}
		tokens = append(tokens, f+"*")
	}
	return strings.Join(tokens, " OR ")
}

// isMissingFTSTable reports whether err is sqlite reporting events_fts
// absent or unusable, the trigger for the substring-scan fallback path.
func isMissingFTSTable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such table") || strings.Contains(msg, "no such module") ||
		strings.Contains(msg, "malformed") || strings.Contains(msg, "database disk image is malformed")
}

// keywordSearchSubstringFallback answers a keyword search directly against
// events.content with LIKE when the FTS5 structure is absent or corrupted,
// so a missing index degrades search rather than failing it (spec.md §4.6).
func (s *Store) keywordSearchSubstringFallback(ctx context.Context, query string, limit int) ([]KeywordHit, error) {
	pattern := "%" + strings.ReplaceAll(query, "%", "") + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, session_id, turn_id, timestamp, content,
		       canonical_key, dedupe_key, metadata, rowid, access_count
		FROM events
		WHERE content LIKE ? ESCAPE '\'
		ORDER BY rowid DESC
		LIMIT ?
	`, pattern, limit)
	if err != nil {
		return nil, cmemerr.Wrap(cmemerr.KindCorruption, "keyword search substring fallback", err)
	}
	defer func() { _ = rows.Close() }()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	hits := make([]KeywordHit, 0, len(events))
	for _, ev := range events {
		hits = append(hits, KeywordHit{Event: ev, Snippet: previewSnippet(ev.Content)})
	}
	return hits, nil
}

func previewSnippet(content string) string {
	const maxLen = 160
	content = strings.ReplaceAll(content, "\n", " ")
	if len(content) <= maxLen {
		return content
	}
	return content[:maxLen] + "..."
}

// RepairFTS rebuilds the FTS5 index from the events table, used by the
// self-repair path when a corruption error surfaces from a MATCH query
// (spec.md §7: attempt self-repair before escalating to Fatal).
func (s *Store) RepairFTS(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO events_fts(events_fts) VALUES('rebuild')`); err != nil {
		return cmemerr.Wrap(cmemerr.KindFatal, "rebuild events_fts failed", err)
	}
	return nil
}
