// Package retriever implements C7: the hybrid query planner that blends
// keyword (C6) and vector (C5) search, reranks by semantic/lexical/recency
// weight, applies scope filters, and falls back through a staged chain when
// the primary strategy yields low-confidence results (spec.md §4.7).
package retriever

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cmemd/cmemd/internal/cmemerr"
	"github.com/cmemd/cmemd/internal/embedder"
	"github.com/cmemd/cmemd/internal/model"
	"github.com/cmemd/cmemd/internal/store"
	"github.com/cmemd/cmemd/internal/vectorindex"
)

// Strategy selects which index drives the primary stage.
type Strategy string

const (
	StrategyAuto Strategy = "auto"
	StrategyFast Strategy = "fast"
	StrategyDeep Strategy = "deep"
)

// Confidence classifies how much the retriever trusts its own top result.
type Confidence string

const (
	ConfidenceHigh      Confidence = "high"
	ConfidenceSuggested Confidence = "suggested"
	ConfidenceNone      Confidence = "none"
)

// Scope narrows candidates by session, event type, metadata, or content.
type Scope struct {
	SessionID          string
	SessionIDPrefix    string
	EventTypes         []model.EventType
	Metadata           map[string]string // dotted-path key -> expected value
	CanonicalKeyPrefix string
	ContentIncludes    string
}

func (s Scope) isEmpty() bool {
	return s.SessionID == "" && s.SessionIDPrefix == "" && len(s.EventTypes) == 0 &&
		len(s.Metadata) == 0 && s.CanonicalKeyPrefix == "" && s.ContentIncludes == ""
}

// RerankWeights controls the blend of semantic, lexical, and recency
// signal. Zero-value weights are replaced by the spec defaults
// (0.7/0.2/0.1) and normalized to sum to 1.
type RerankWeights struct {
	Semantic float64
	Lexical  float64
	Recency  float64
}

// DecayPolicy penalizes stale, lexically-weak matches.
type DecayPolicy struct {
	Enabled    bool
	WindowDays int
	MaxPenalty float64
}

// Options configures one Retrieve call.
type Options struct {
	Strategy               Strategy
	TopK                   int
	MinScore               float64
	MaxTokens              int
	Scope                  Scope
	RerankWithKeyword      bool
	RerankWeights          RerankWeights
	Decay                  DecayPolicy
	IncludeSessionContext  bool
}

func (o Options) normalized() Options {
	if o.Strategy == "" {
		o.Strategy = StrategyAuto
	}
	if o.TopK <= 0 {
		o.TopK = 10
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 2000
	}
	if o.RerankWeights == (RerankWeights{}) {
		o.RerankWeights = RerankWeights{Semantic: 0.7, Lexical: 0.2, Recency: 0.1}
	}
	sum := o.RerankWeights.Semantic + o.RerankWeights.Lexical + o.RerankWeights.Recency
	if sum > 0 {
		o.RerankWeights.Semantic /= sum
		o.RerankWeights.Lexical /= sum
		o.RerankWeights.Recency /= sum
	}
	if o.Decay.WindowDays == 0 {
		o.Decay.WindowDays = 30
	}
	if o.Decay.MaxPenalty == 0 {
		o.Decay.MaxPenalty = 0.15
	}
	return o
}

// Candidate is one scored memory before context assembly.
type Candidate struct {
	Event      model.Event
	Semantic   float64
	Lexical    float64
	Recency    float64
	Blended    float64
	FTSScore   float64
}

// Result is the outcome of Retrieve.
type Result struct {
	Memories     []Candidate
	Confidence   Confidence
	Context      string
	FallbackTrace []string
}

// Retriever wires together the event log, vector index, and embedder
// needed to answer a query.
type Retriever struct {
	events *store.Store
	vec    *vectorindex.Index
	emb    embedder.Embedder
}

func New(events *store.Store, vec *vectorindex.Index, emb embedder.Embedder) *Retriever {
	return &Retriever{events: events, vec: vec, emb: emb}
}

// Retrieve runs the staged fallback chain described in spec.md §4.7.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts Options) (Result, error) {
	if strings.TrimSpace(query) == "" {
		return Result{}, cmemerr.New(cmemerr.KindInputInvalid, "query is required")
	}
	opts = opts.normalized()

	var (
		candidates []Candidate
		trace      []string
		err        error
	)

	candidates, err = r.primaryStage(ctx, query, opts)
	if err != nil {
		return Result{}, err
	}

	if opts.Strategy == StrategyAuto {
		if confidenceOf(candidates) == ConfidenceNone {
			candidates, err = r.deepStage(ctx, query, opts)
			if err != nil {
				return Result{}, err
			}
			trace = append(trace, "fallback:deep")
		}
		if confidenceOf(candidates) == ConfidenceNone {
			scopeExpanded := opts
			scopeExpanded.Scope = Scope{}
			scopeExpanded.MinScore = math.Max(0.5, opts.MinScore-0.15)
			candidates, err = r.deepStage(ctx, query, scopeExpanded)
			if err != nil {
				return Result{}, err
			}
			trace = append(trace, "fallback:scope-expanded")
		}
		if confidenceOf(candidates) == ConfidenceNone {
			candidates, err = r.summaryFallback(ctx, query, opts)
			if err != nil {
				return Result{}, err
			}
			trace = append(trace, "fallback:summary")
		}
	}

	if opts.RerankWithKeyword && len(candidates) > 0 {
		candidates = r.rerank(candidates, query, opts)
	}

	candidates = r.applyScope(ctx, candidates, opts.Scope)

	if len(candidates) > opts.TopK {
		candidates = candidates[:opts.TopK]
	}

	for _, c := range candidates {
		if err := r.events.RecordAccess(ctx, c.Event.ID); err != nil {
			return Result{}, fmt.Errorf("record access for event %s: %w", c.Event.ID, err)
		}
	}

	result := Result{
		Memories:      candidates,
		Confidence:    confidenceOf(candidates),
		FallbackTrace: trace,
	}
	if opts.IncludeSessionContext {
		ctxText, err := r.assembleContext(ctx, candidates, opts.MaxTokens)
		if err != nil {
			return Result{}, err
		}
		result.Context = ctxText
	}
	return result, nil
}

func (r *Retriever) primaryStage(ctx context.Context, query string, opts Options) ([]Candidate, error) {
	switch opts.Strategy {
	case StrategyFast:
		return r.keywordStage(ctx, query, opts)
	case StrategyDeep:
		return r.deepStage(ctx, query, opts)
	default: // auto starts fast, same as spec's "Primary" stage for fast
		return r.keywordStage(ctx, query, opts)
	}
}

func (r *Retriever) keywordStage(ctx context.Context, query string, opts Options) ([]Candidate, error) {
	hits, err := r.events.KeywordSearch(ctx, store.KeywordSearchOptions{Query: query, Limit: opts.TopK * 3})
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		out = append(out, Candidate{
			Event:    h.Event,
			FTSScore: normalizeBM25(h.Score),
			Lexical:  lexicalOverlap(query, h.Event.Content),
		})
	}
	return out, nil
}

func (r *Retriever) deepStage(ctx context.Context, query string, opts Options) ([]Candidate, error) {
	if r.emb == nil || r.vec == nil {
		return nil, nil
	}
	vec, err := r.emb.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	neighbors, err := r.vec.Search(ctx, vec, opts.TopK*3)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(neighbors))
	for _, n := range neighbors {
		similarity := (n.Similarity + 1) / 2 // map [-1,1] cosine to [0,1]
		if similarity < opts.MinScore {
			continue
		}
		ev, err := r.events.GetEvent(ctx, n.Record.EventID)
		if err != nil {
			continue // vector index may lag a deleted event
		}
		out = append(out, Candidate{
			Event:    ev,
			Semantic: similarity,
			Lexical:  lexicalOverlap(query, ev.Content),
		})
	}
	return out, nil
}

// summaryFallback scans recent events and scores purely by token overlap
// with the query, per spec.md §4.7 stage 4.
func (r *Retriever) summaryFallback(ctx context.Context, query string, opts Options) ([]Candidate, error) {
	limit := opts.TopK * 6
	if limit < 20 {
		limit = 20
	}
	events, err := r.events.RecentEvents(ctx, limit)
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, ev := range events {
		overlap := lexicalOverlap(query, ev.Content)
		if overlap <= 0 {
			continue
		}
		// Synthetic score mapped into [0.25, 0.6) per spec.
		synthetic := 0.25 + overlap*0.34
		out = append(out, Candidate{Event: ev, Lexical: overlap, Semantic: synthetic, Blended: synthetic})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Blended > out[j].Blended })
	if len(out) > opts.TopK {
		out = out[:opts.TopK]
	}
	return out, nil
}

func (r *Retriever) rerank(candidates []Candidate, query string, opts Options) []Candidate {
	w := opts.RerankWeights
	now := time.Now()
	for i := range candidates {
		c := &candidates[i]
		ageDays := now.Sub(c.Event.Timestamp).Hours() / 24
		c.Recency = math.Max(0, 1-ageDays/float64(opts.Decay.WindowDays))

		blended := (w.Semantic*c.Semantic + w.Lexical*c.Lexical + w.Recency*c.Recency)
		if opts.Decay.Enabled && ageDays > float64(opts.Decay.WindowDays) && c.Lexical < 0.5 {
			penalty := opts.Decay.MaxPenalty * math.Min(1, (ageDays-float64(opts.Decay.WindowDays))/float64(opts.Decay.WindowDays))
			blended -= penalty
		}
		c.Blended = blended
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Blended > candidates[j].Blended })
	return candidates
}

func (r *Retriever) applyScope(ctx context.Context, candidates []Candidate, scope Scope) []Candidate {
	if scope.isEmpty() {
		return candidates
	}
	out := candidates[:0]
	for _, c := range candidates {
		if scope.SessionID != "" && c.Event.SessionID != scope.SessionID {
			continue
		}
		if scope.SessionIDPrefix != "" && !strings.HasPrefix(c.Event.SessionID, scope.SessionIDPrefix) {
			continue
		}
		if len(scope.EventTypes) > 0 && !containsType(scope.EventTypes, c.Event.EventType) {
			continue
		}
		if scope.CanonicalKeyPrefix != "" && !strings.HasPrefix(c.Event.CanonicalKey, scope.CanonicalKeyPrefix) {
			continue
		}
		if scope.ContentIncludes != "" && !strings.Contains(c.Event.Content, scope.ContentIncludes) {
			continue
		}
		if !matchesMetadata(c.Event.Metadata, scope.Metadata) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (r *Retriever) assembleContext(ctx context.Context, candidates []Candidate, maxTokens int) (string, error) {
	var sb strings.Builder
	tokenCount := 0
	for _, c := range candidates {
		neighbors, err := r.sessionNeighbors(ctx, c.Event)
		if err != nil {
			return "", err
		}
		block := formatMemoryBlock(c, neighbors)
		estTokens := len(block) / 4
		if tokenCount+estTokens > maxTokens && tokenCount > 0 {
			break
		}
		sb.WriteString(block)
		tokenCount += estTokens
	}
	return sb.String(), nil
}

type sessionContext struct {
	Before, After *model.Event
}

func (r *Retriever) sessionNeighbors(ctx context.Context, ev model.Event) (sessionContext, error) {
	siblings, err := r.events.EventsBySession(ctx, ev.SessionID)
	if err != nil {
		return sessionContext{}, err
	}
	var ctxResult sessionContext
	for i, s := range siblings {
		if s.ID != ev.ID {
			continue
		}
		if i > 0 {
			ctxResult.Before = &siblings[i-1]
		}
		if i < len(siblings)-1 {
			ctxResult.After = &siblings[i+1]
		}
		break
	}
	return ctxResult, nil
}

func formatMemoryBlock(c Candidate, neighbors sessionContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**%s** (%s, score: %.2f)\n%s\n\n", c.Event.EventType, c.Event.Timestamp.Format("2006-01-02"), c.Blended, c.Event.Content)
	if neighbors.Before != nil || neighbors.After != nil {
		sb.WriteString("_Context:_ ")
		if neighbors.Before != nil {
			sb.WriteString(neighbors.Before.Content)
		}
		if neighbors.After != nil {
			sb.WriteString(" ")
			sb.WriteString(neighbors.After.Content)
		}
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func confidenceOf(candidates []Candidate) Confidence {
	if len(candidates) == 0 {
		return ConfidenceNone
	}
	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		scores[i] = combinedScore(c)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(scores)))

	top := scores[0]
	if top >= 0.92 {
		gap := top
		if len(scores) > 1 {
			gap = top - scores[1]
		}
		if len(scores) == 1 || gap >= 0.03 {
			return ConfidenceHigh
		}
	}
	if top >= 0.75 {
		return ConfidenceSuggested
	}
	return ConfidenceNone
}

func combinedScore(c Candidate) float64 {
	statusWeight := 0.5
	score := 0.4*c.Semantic + 0.25*c.FTSScore + 0.2*c.Recency + 0.15*statusWeight
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// normalizeBM25 maps SQLite's bm25() (negative, more negative is better)
// onto a bounded [0,1] lexical score.
func normalizeBM25(raw float64) float64 {
	// bm25() is unbounded below; fold with a logistic-style squash so a
	// strong match (very negative) approaches 1 and a weak one approaches 0.
	return 1 / (1 + math.Exp(raw/4))
}

func lexicalOverlap(query, content string) float64 {
	qTokens := tokenize(query)
	cTokens := tokenizeSet(content)
	if len(qTokens) == 0 {
		return 0
	}
	matched := 0
	for _, t := range qTokens {
		if cTokens[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(qTokens))
}

func tokenize(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()[]{}")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func tokenizeSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range tokenize(s) {
		set[t] = true
	}
	return set
}

func containsType(types []model.EventType, t model.EventType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func matchesMetadata(actual, expected map[string]string) bool {
	for k, v := range expected {
		if actual[k] != v {
			return false
		}
	}
	return true
}
