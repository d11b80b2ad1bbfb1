package retriever

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cmemd/cmemd/internal/model"
	"github.com/cmemd/cmemd/internal/store"
	"github.com/cmemd/cmemd/internal/vectorindex"
)

type stubEmbedder struct{ vec []float32 }

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) { return s.vec, nil }
func (s *stubEmbedder) Version() string                                         { return "stub:v1" }
func (s *stubEmbedder) Available(ctx context.Context) bool                      { return true }

func setupRetriever(t *testing.T) (*Retriever, *store.Store, model.Session) {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "events.db")
	s, err := store.Open(ctx, dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	idx, err := vectorindex.Open(ctx, s.DB())
	require.NoError(t, err)

	sess, err := s.StartSession(ctx, model.Session{ProjectPath: "/tmp/p"})
	require.NoError(t, err)

	r := New(s, idx, &stubEmbedder{vec: []float32{1, 0, 0}})
	return r, s, sess
}

func TestRetrieve_FastStrategyUsesKeywordSearch(t *testing.T) {
	ctx := context.Background()
	r, s, sess := setupRetriever(t)

	_, err := s.Append(ctx, model.Event{EventType: model.EventToolObservation, SessionID: sess.ID,
		Content: "the deploy script crashed on a missing migration file"}, nil)
	require.NoError(t, err)

	res, err := r.Retrieve(ctx, "migration", Options{Strategy: StrategyFast, TopK: 5})
	require.NoError(t, err)
	require.Len(t, res.Memories, 1)
}

func TestRetrieve_RejectsEmptyQuery(t *testing.T) {
	r, _, _ := setupRetriever(t)
	_, err := r.Retrieve(context.Background(), "   ", Options{})
	require.Error(t, err)
}

func TestRetrieve_ScopeFiltersBySessionID(t *testing.T) {
	ctx := context.Background()
	r, s, sess := setupRetriever(t)

	otherSess, err := s.StartSession(ctx, model.Session{ProjectPath: "/tmp/p"})
	require.NoError(t, err)

	_, err = s.Append(ctx, model.Event{EventType: model.EventUserPrompt, SessionID: sess.ID, Content: "find the bug in parser"}, nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, model.Event{EventType: model.EventUserPrompt, SessionID: otherSess.ID, Content: "find the bug in parser too"}, nil)
	require.NoError(t, err)

	res, err := r.Retrieve(ctx, "parser", Options{Strategy: StrategyFast, TopK: 10, Scope: Scope{SessionID: sess.ID}})
	require.NoError(t, err)
	for _, m := range res.Memories {
		require.Equal(t, sess.ID, m.Event.SessionID)
	}
}

func TestOptionsNormalized_AppliesSpecDefaultWeights(t *testing.T) {
	opts := Options{}.normalized()
	require.InDelta(t, 0.7, opts.RerankWeights.Semantic, 1e-9)
	require.InDelta(t, 0.2, opts.RerankWeights.Lexical, 1e-9)
	require.InDelta(t, 0.1, opts.RerankWeights.Recency, 1e-9)
}

func TestConfidenceOf_EmptyIsNone(t *testing.T) {
	require.Equal(t, ConfidenceNone, confidenceOf(nil))
}

func TestConfidenceOf_HighRequiresGap(t *testing.T) {
	close := []Candidate{
		{Semantic: 1.0, FTSScore: 1.0, Recency: 1.0},
		{Semantic: 0.99, FTSScore: 0.99, Recency: 0.99},
	}
	require.NotEqual(t, ConfidenceHigh, confidenceOf(close), "scores within 0.03 of each other must not classify as high")
}

func TestLexicalOverlap_CountsMatchingTokens(t *testing.T) {
	overlap := lexicalOverlap("fix the parser bug", "there was a parser bug yesterday")
	require.Greater(t, overlap, 0.0)
	require.LessOrEqual(t, overlap, 1.0)
}

func TestSummaryFallback_ScoresWithinSpecRange(t *testing.T) {
	ctx := context.Background()
	r, s, sess := setupRetriever(t)

	_, err := s.Append(ctx, model.Event{EventType: model.EventUserPrompt, SessionID: sess.ID, Content: "parser bug workaround notes"}, nil)
	require.NoError(t, err)

	candidates, err := r.summaryFallback(ctx, "parser bug", Options{TopK: 5}.normalized())
	require.NoError(t, err)
	for _, c := range candidates {
		require.GreaterOrEqual(t, c.Blended, 0.25)
		require.Less(t, c.Blended, 0.6)
	}
}

func TestRerank_RecencyDecaysWithAge(t *testing.T) {
	r, _, _ := setupRetriever(t)
	old := Candidate{Event: model.Event{Timestamp: time.Now().Add(-60 * 24 * time.Hour)}, Semantic: 0.5, Lexical: 0.1}
	fresh := Candidate{Event: model.Event{Timestamp: time.Now()}, Semantic: 0.5, Lexical: 0.1}

	opts := Options{Decay: DecayPolicy{Enabled: true}}.normalized()
	ranked := r.rerank([]Candidate{old, fresh}, "query", opts)
	require.Equal(t, fresh.Event.Timestamp, ranked[0].Event.Timestamp, "fresher candidate should rank above an older one with equal semantic/lexical score")
}
