package shared

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cmemd/cmemd/internal/embedder"
	"github.com/cmemd/cmemd/internal/model"
)

type stubEmbedder struct{ vec []float32 }

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) { return s.vec, nil }
func (s *stubEmbedder) Version() string                                          { return "stub:v1" }
func (s *stubEmbedder) Available(ctx context.Context) bool                       { return true }

// openTestStore opens a fresh shared store. Pass nil for emb to exercise the
// keyword-only path; a non-nil stub exercises the vector path. A typed nil
// *stubEmbedder is deliberately never passed here since wrapping it in the
// embedder.Embedder interface would make s.emb != nil true while any method
// call on it panics.
func openTestStore(t *testing.T, emb *stubEmbedder) *Store {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "shared.db")
	var e embedder.Embedder
	if emb != nil {
		e = emb
	}
	s, err := Open(ctx, dbPath, e)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPromoteEntry_RejectsEmptyContent(t *testing.T) {
	s := openTestStore(t, nil)
	_, err := s.PromoteEntry(context.Background(), model.SharedTroubleshootingEntry{}, "hash-a")
	require.Error(t, err)
}

func TestPromoteEntry_AssignsIDAndTimestampWhenMissing(t *testing.T) {
	s := openTestStore(t, nil)
	entry, err := s.PromoteEntry(context.Background(), model.SharedTroubleshootingEntry{
		Content: "restart the daemon after a WAL checkpoint failure",
		Tags:    []string{"sqlite", "wal"},
	}, "hash-a")
	require.NoError(t, err)
	require.NotEmpty(t, entry.ID)
	require.False(t, entry.CreatedAt.IsZero())
	require.Equal(t, "hash-a", entry.SourceProjectHash)
}

func TestSearchShared_KeywordPathFindsPromotedEntry(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()

	_, err := s.PromoteEntry(ctx, model.SharedTroubleshootingEntry{
		Content: "sqlite WAL checkpoint stalls under heavy write load",
	}, "hash-a")
	require.NoError(t, err)

	hits, err := s.SearchShared(ctx, "checkpoint", "hash-b", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Contains(t, hits[0].Entry.Content, "checkpoint")
}

func TestSearchShared_KeywordPathExcludesSourceProject(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()

	_, err := s.PromoteEntry(ctx, model.SharedTroubleshootingEntry{
		Content: "sqlite WAL checkpoint stalls under heavy write load",
	}, "hash-a")
	require.NoError(t, err)

	hits, err := s.SearchShared(ctx, "checkpoint", "hash-a", 10)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestSearchShared_RejectsEmptyQuery(t *testing.T) {
	s := openTestStore(t, nil)
	_, err := s.SearchShared(context.Background(), "", "hash-a", 10)
	require.Error(t, err)
}

func TestSearchShared_IncrementsUsageCountOnHit(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()

	entry, err := s.PromoteEntry(ctx, model.SharedTroubleshootingEntry{
		Content: "sqlite WAL checkpoint stalls under heavy write load",
	}, "hash-a")
	require.NoError(t, err)

	_, err = s.SearchShared(ctx, "checkpoint", "hash-b", 10)
	require.NoError(t, err)

	got, err := s.getEntry(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.UsageCount)
}

func TestSearchShared_VectorPathUsesEmbedderWhenIndexNonEmpty(t *testing.T) {
	emb := &stubEmbedder{vec: []float32{1, 0, 0}}
	s := openTestStore(t, emb)
	ctx := context.Background()

	_, err := s.PromoteEntry(ctx, model.SharedTroubleshootingEntry{
		Content: "nginx upstream timeout after connection pool exhaustion",
	}, "hash-a")
	require.NoError(t, err)

	hits, err := s.SearchShared(ctx, "upstream timeout", "hash-b", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Contains(t, hits[0].Entry.Content, "nginx")
}

func TestSearchShared_VectorPathExcludesSourceProject(t *testing.T) {
	emb := &stubEmbedder{vec: []float32{1, 0, 0}}
	s := openTestStore(t, emb)
	ctx := context.Background()

	_, err := s.PromoteEntry(ctx, model.SharedTroubleshootingEntry{
		Content: "nginx upstream timeout after connection pool exhaustion",
	}, "hash-a")
	require.NoError(t, err)

	hits, err := s.SearchShared(ctx, "upstream timeout", "hash-a", 10)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestMarshalUnmarshalTags_RoundTrips(t *testing.T) {
	out, err := marshalTags([]string{"a", "b"})
	require.NoError(t, err)
	tags, err := unmarshalTags(out)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, tags)
}

func TestUnmarshalTags_EmptyStringYieldsEmptySlice(t *testing.T) {
	tags, err := unmarshalTags("")
	require.NoError(t, err)
	require.Empty(t, tags)
}
