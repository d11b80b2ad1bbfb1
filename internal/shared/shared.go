// Package shared implements C12: a second, home-directory-level event log
// and vector index that every project on the machine can promote
// troubleshooting knowledge into and search across, independent of any one
// project's own event log (spec.md §4.12).
package shared

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/cmemd/cmemd/internal/embedder"
	"github.com/cmemd/cmemd/internal/model"
	"github.com/cmemd/cmemd/internal/vectorindex"
)

// Store owns the shared-knowledge database and its vector index. Unlike
// internal/store's per-project log, there is exactly one Store per
// machine, opened at a well-known home-directory path.
type Store struct {
	db  *sql.DB
	vec *vectorindex.Index
	emb embedder.Embedder
}

// Open opens (creating if necessary) the shared knowledge database at
// path and loads its vector index into memory.
func Open(ctx context.Context, path string, emb embedder.Embedder) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open shared knowledge store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL on %s: %w", path, err)
	}

	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate shared knowledge store %s: %w", path, err)
	}

	vec, err := vectorindex.Open(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open shared vector index: %w", err)
	}

	return &Store{db: db, vec: vec, emb: emb}, nil
}

func (s *Store) Close() error { return s.db.Close() }

const sourceProjectHashKey = "source_project_hash"

// PromoteEntry inserts a SharedTroubleshootingEntry and embeds its content
// into the shared vector index, tagging it with the promoting project's
// hash so later searches can exclude self-matches (spec.md §4.12).
func (s *Store) PromoteEntry(ctx context.Context, entry model.SharedTroubleshootingEntry, sourceProjectHash string) (model.SharedTroubleshootingEntry, error) {
	if entry.Content == "" {
		return model.SharedTroubleshootingEntry{}, fmt.Errorf("promote entry: content is required")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.SourceProjectHash = sourceProjectHash

	tagsJSON, err := marshalTags(entry.Tags)
	if err != nil {
		return model.SharedTroubleshootingEntry{}, fmt.Errorf("marshal tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO shared_entries (id, content, canonical_key, source_project_hash, tags, usage_count, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
	`, entry.ID, entry.Content, entry.CanonicalKey, entry.SourceProjectHash, tagsJSON, entry.CreatedAt)
	if err != nil {
		return model.SharedTroubleshootingEntry{}, fmt.Errorf("insert shared entry: %w", err)
	}

	if s.emb != nil {
		if vec, embErr := s.emb.Embed(ctx, entry.Content); embErr == nil {
			_ = s.vec.Upsert(ctx, model.VectorRecord{
				ID:      entry.ID,
				EventID: entry.ID,
				Content: entry.Content,
				Vector:  vec,
				Metadata: map[string]string{
					sourceProjectHashKey: sourceProjectHash,
				},
			})
		}
		// Embedding failure here is best-effort: the entry is still
		// promoted and searchable via keyword search.
	}

	return entry, nil
}

// SharedHit is one result from SearchShared.
type SharedHit struct {
	Entry model.SharedTroubleshootingEntry
	Score float64
}

// SearchShared answers spec.md §4.12's search_shared: vector search when an
// embedder is configured and the index is non-empty, falling back to a
// BM25-ranked FTS5 keyword match otherwise. Results promoted by excludeProjectHash are
// never returned, and each returned entry's usage_count is incremented.
func (s *Store) SearchShared(ctx context.Context, query string, excludeProjectHash string, topK int) ([]SharedHit, error) {
	if query == "" {
		return nil, fmt.Errorf("search shared: query is required")
	}
	if topK <= 0 {
		topK = 10
	}

	var hits []SharedHit
	var err error
	if s.emb != nil && s.vec.Len() > 0 {
		hits, err = s.vectorSearch(ctx, query, excludeProjectHash, topK)
	} else {
		hits, err = s.keywordSearch(ctx, query, excludeProjectHash, topK)
	}
	if err != nil {
		return nil, err
	}

	for _, hit := range hits {
		if err := s.incrementUsage(ctx, hit.Entry.ID); err != nil {
			return nil, err
		}
	}
	return hits, nil
}

func (s *Store) vectorSearch(ctx context.Context, query, excludeProjectHash string, topK int) ([]SharedHit, error) {
	queryVec, err := s.emb.Embed(ctx, query)
	if err != nil {
		return s.keywordSearch(ctx, query, excludeProjectHash, topK)
	}

	neighbors, err := s.vec.Search(ctx, queryVec, topK*2)
	if err != nil {
		return nil, fmt.Errorf("shared vector search: %w", err)
	}

	var hits []SharedHit
	for _, n := range neighbors {
		if n.Record.Metadata[sourceProjectHashKey] == excludeProjectHash {
			continue
		}
		entry, err := s.getEntry(ctx, n.Record.EventID)
		if err != nil {
			continue
		}
		hits = append(hits, SharedHit{Entry: entry, Score: n.Similarity})
		if len(hits) >= topK {
			break
		}
	}
	return hits, nil
}

func (s *Store) keywordSearch(ctx context.Context, query, excludeProjectHash string, topK int) ([]SharedHit, error) {
	matchQuery := query
	if !strings.ContainsAny(matchQuery, ` "*:()`) {
		matchQuery += "*"
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT se.id, se.content, se.canonical_key, se.source_project_hash, se.tags, se.usage_count, se.created_at, bm25(shared_entries_fts)
		FROM shared_entries_fts
		JOIN shared_entries se ON shared_entries_fts.rowid = se.rowid
		WHERE shared_entries_fts MATCH ? AND se.source_project_hash != ?
		ORDER BY bm25(shared_entries_fts)
		LIMIT ?
	`, matchQuery, excludeProjectHash, topK)
	if err != nil {
		return nil, fmt.Errorf("shared keyword search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []SharedHit
	for rows.Next() {
		var entry model.SharedTroubleshootingEntry
		var tagsJSON string
		var bm25Score float64
		if err := rows.Scan(&entry.ID, &entry.Content, &entry.CanonicalKey, &entry.SourceProjectHash,
			&tagsJSON, &entry.UsageCount, &entry.CreatedAt, &bm25Score); err != nil {
			return nil, fmt.Errorf("scan shared entry row: %w", err)
		}
		tags, err := unmarshalTags(tagsJSON)
		if err != nil {
			return nil, err
		}
		entry.Tags = tags
		hits = append(hits, SharedHit{Entry: entry, Score: normalizeBM25(bm25Score)})
	}
	return hits, rows.Err()
}

// normalizeBM25 squashes the unbounded, more-negative-is-better bm25() raw
// score into (0,1), the same logistic transform internal/retriever uses.
func normalizeBM25(raw float64) float64 {
	return 1 / (1 + math.Exp(raw/4))
}

func (s *Store) getEntry(ctx context.Context, id string) (model.SharedTroubleshootingEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content, canonical_key, source_project_hash, tags, usage_count, created_at
		FROM shared_entries WHERE id = ?
	`, id)
	var entry model.SharedTroubleshootingEntry
	var tagsJSON string
	if err := row.Scan(&entry.ID, &entry.Content, &entry.CanonicalKey, &entry.SourceProjectHash,
		&tagsJSON, &entry.UsageCount, &entry.CreatedAt); err != nil {
		return model.SharedTroubleshootingEntry{}, fmt.Errorf("get shared entry %s: %w", id, err)
	}
	tags, err := unmarshalTags(tagsJSON)
	if err != nil {
		return model.SharedTroubleshootingEntry{}, err
	}
	entry.Tags = tags
	return entry, nil
}

func (s *Store) incrementUsage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE shared_entries SET usage_count = usage_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment usage for shared entry %s: %w", id, err)
	}
	return nil
}

func marshalTags(tags []string) (string, error) {
	if tags == nil {
		return "[]", nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalTags(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return []string{}, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(s), &tags); err != nil {
		return nil, err
	}
	return tags, nil
}
