// Package vectorindex implements C5, the approximate nearest-neighbor index
// over embedded events. No vector-database or ANN library appears anywhere
// in the retrieved example pack (grep across every go.mod came back empty),
// so this is built as a brute-force cosine-similarity scan over vectors
// held in memory and persisted to SQLite — the same justified-stdlib
// pattern the pack's own embedding tools use (other_examples' OpenAI
// embedding script scores candidates with a hand-rolled cosine() over
// math.Sqrt, not a library). At the event-log scale this engine targets
// (single project, thousands to low tens-of-thousands of events), a linear
// scan is fast enough that an ANN library would be premature.
package vectorindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/cmemd/cmemd/internal/cmemerr"
	"github.com/cmemd/cmemd/internal/model"
)

// Index holds vectors in memory, backed by a SQLite table for durability
// across restarts. Writes go to both; reads are served from memory.
type Index struct {
	db *sql.DB

	mu      sync.RWMutex
	vectors map[string]model.VectorRecord // keyed by EventID
}

// Open loads all persisted vectors into memory and returns a ready Index.
func Open(ctx context.Context, db *sql.DB) (*Index, error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS vector_records (
			id         TEXT PRIMARY KEY,
			event_id   TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			content    TEXT NOT NULL,
			vector     BLOB NOT NULL,
			timestamp  TIMESTAMP NOT NULL,
			metadata   TEXT NOT NULL DEFAULT '{}'
		)
	`); err != nil {
		return nil, fmt.Errorf("create vector_records table: %w", err)
	}

	idx := &Index{db: db, vectors: make(map[string]model.VectorRecord)}
	if err := idx.loadAll(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) loadAll(ctx context.Context) error {
	rows, err := idx.db.QueryContext(ctx, `
		SELECT id, event_id, session_id, event_type, content, vector, timestamp, metadata FROM vector_records
	`)
	if err != nil {
		return fmt.Errorf("load vector records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for rows.Next() {
		var (
			rec      model.VectorRecord
			evType   string
			vecBytes []byte
			metaJSON string
		)
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.SessionID, &evType, &rec.Content, &vecBytes, &rec.Timestamp, &metaJSON); err != nil {
			return fmt.Errorf("scan vector record: %w", err)
		}
		rec.EventType = model.EventType(evType)
		vec, err := decodeVector(vecBytes)
		if err != nil {
			return fmt.Errorf("decode vector for event %s: %w", rec.EventID, err)
		}
		rec.Vector = vec
		meta, err := decodeMetadata(metaJSON)
		if err != nil {
			return fmt.Errorf("decode metadata for event %s: %w", rec.EventID, err)
		}
		rec.Metadata = meta
		idx.vectors[rec.EventID] = rec
	}
	return rows.Err()
}

// Upsert stores or replaces the vector for an event, persisting to SQLite
// and updating the in-memory map.
func (idx *Index) Upsert(ctx context.Context, rec model.VectorRecord) error {
	if len(rec.Vector) == 0 {
		return cmemerr.New(cmemerr.KindInputInvalid, "vector must not be empty")
	}
	if rec.ID == "" {
		rec.ID = rec.EventID
	}

	vecBytes := encodeVector(rec.Vector)
	metaJSON, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return cmemerr.Wrap(cmemerr.KindInputInvalid, "marshal vector metadata", err)
	}

	_, err = idx.db.ExecContext(ctx, `
		INSERT INTO vector_records (id, event_id, session_id, event_type, content, vector, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO UPDATE SET
			vector = excluded.vector, content = excluded.content, metadata = excluded.metadata
	`, rec.ID, rec.EventID, rec.SessionID, string(rec.EventType), rec.Content, vecBytes, rec.Timestamp, metaJSON)
	if err != nil {
		return fmt.Errorf("upsert vector record for event %s: %w", rec.EventID, err)
	}

	idx.mu.Lock()
	idx.vectors[rec.EventID] = rec
	idx.mu.Unlock()
	return nil
}

// Delete removes a vector for an event, e.g. after a session-wipe.
func (idx *Index) Delete(ctx context.Context, eventID string) error {
	if _, err := idx.db.ExecContext(ctx, `DELETE FROM vector_records WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("delete vector record for event %s: %w", eventID, err)
	}
	idx.mu.Lock()
	delete(idx.vectors, eventID)
	idx.mu.Unlock()
	return nil
}

// Neighbor is one scored result from Search.
type Neighbor struct {
	Record     model.VectorRecord
	Similarity float64 // cosine similarity, [-1, 1], higher is closer
}

// Search returns the topK vectors most similar to query by cosine
// similarity, scanning every stored vector (see package doc for why this
// is brute force rather than an ANN structure).
func (idx *Index) Search(ctx context.Context, query []float32, topK int) ([]Neighbor, error) {
	if len(query) == 0 {
		return nil, cmemerr.New(cmemerr.KindInputInvalid, "query vector must not be empty")
	}
	if topK <= 0 {
		topK = 10
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	neighbors := make([]Neighbor, 0, len(idx.vectors))
	for _, rec := range idx.vectors {
		sim := cosineSimilarity(query, rec.Vector)
		neighbors = append(neighbors, Neighbor{Record: rec, Similarity: sim})
	}

	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].Similarity > neighbors[j].Similarity })
	if len(neighbors) > topK {
		neighbors = neighbors[:topK]
	}
	return neighbors, nil
}

// Len reports how many vectors are currently indexed.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.vectors)
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func encodeVector(vec []float32) []byte {
	b := make([]byte, len(vec)*4)
	for i, v := range vec {
		bits := math.Float32bits(v)
		b[i*4+0] = byte(bits)
		b[i*4+1] = byte(bits >> 8)
		b[i*4+2] = byte(bits >> 16)
		b[i*4+3] = byte(bits >> 24)
	}
	return b
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		bits := uint32(b[i*4]) | uint32(b[i*4+1])<<8 | uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
		vec[i] = math.Float32frombits(bits)
	}
	return vec, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMetadata(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
