// Package consolidator implements the C8 periodic summarization task:
// group working-set events by extracted topic, merge overlapping groups,
// generate a rule-based summary for each sufficiently large group, persist
// it as a ConsolidatedMemory, and promote high-confidence memories to
// stable ConsolidatedRules (spec.md §4.8).
package consolidator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cmemd/cmemd/internal/model"
	"github.com/cmemd/cmemd/internal/store"
	"github.com/cmemd/cmemd/internal/workingset"
)

const (
	minGroupSize          = 3
	promotionConfidence    = 0.55
	promotionSourceEvents  = 4
	groupOverlapMergeRatio = 0.5
)

// Triggers captures the three conditions that fire a consolidation pass.
type Triggers struct {
	ElapsedIntervalMs int64
	EventCountTrigger int
	IdleMs            int64
}

// Report summarizes one consolidation run for operator visibility
// (spec.md §4.8's "cost-quality report").
type Report struct {
	GroupsConsidered   int
	MemoriesCreated    int
	RulesPromoted      int
	EstimatedTokensPre  int
	EstimatedTokensPost int
	ReductionRatio      float64
	QualityGuardPassed  bool
}

// Consolidator ties the working set and event log to the persisted
// consolidated-memory tables.
type Consolidator struct {
	db     *sql.DB
	events *store.Store
	ws     *workingset.Set
	llm    *LLMSummarizer
}

func New(db *sql.DB, events *store.Store, ws *workingset.Set) *Consolidator {
	return &Consolidator{db: db, events: events, ws: ws}
}

// WithLLMSummarizer enables the optional LLM-assisted summary enhancement.
// Passing nil disables it (equivalent to not calling this method).
func (c *Consolidator) WithLLMSummarizer(llm *LLMSummarizer) *Consolidator {
	c.llm = llm
	return c
}

// summarizeGroup always yields a "Topics: <topic> - ..." prefixed summary.
// When an LLM summarizer is configured it supplies the tail; any failure
// (unconfigured, rate-limited, network error) falls back to the rule-based
// firstMeaningfulSentence summary without failing the consolidation run.
func (c *Consolidator) summarizeGroup(ctx context.Context, topic string, members []model.Event) string {
	prefix := fmt.Sprintf("Topics: %s - ", topic)
	if c.llm != nil {
		if summary, err := c.llm.Summarize(ctx, topic, members); err == nil && summary != "" {
			if !strings.HasPrefix(summary, prefix) {
				summary = prefix + summary
			}
			return summary
		}
	}
	return prefix + summarize(members, 10)
}

type topicGroup struct {
	topic    string
	eventIDs map[string]bool
}

// Run performs one consolidation pass over the current working set.
func (c *Consolidator) Run(ctx context.Context) (Report, error) {
	items, err := c.ws.All(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list working set: %w", err)
	}

	groups := groupByTopic(items)
	groups = mergeOverlapping(groups)

	report := Report{GroupsConsidered: len(groups)}
	var estPre, estPost int
	allPassed := true

	for _, g := range groups {
		if len(g.eventIDs) < minGroupSize {
			continue
		}
		alreadyDone, err := c.groupAlreadyConsolidated(ctx, g.eventIDs)
		if err != nil {
			return Report{}, err
		}
		if alreadyDone {
			continue
		}

		members, err := c.loadEvents(ctx, g.eventIDs)
		if err != nil {
			return Report{}, err
		}
		if len(members) == 0 {
			continue
		}

		for _, m := range members {
			estPre += len(m.Content) / 4
		}

		summary := c.summarizeGroup(ctx, g.topic, members)
		confidence := scoreConfidence(members)
		if confidence < promotionConfidence {
			allPassed = false
		}

		mem := model.ConsolidatedMemory{
			MemoryID:     uuid.NewString(),
			Summary:      summary,
			Topics:       []string{g.topic},
			SourceEvents: eventIDList(g.eventIDs),
			Confidence:   confidence,
			CreatedAt:    time.Now(),
		}
		if err := c.persistMemory(ctx, mem); err != nil {
			return Report{}, err
		}
		report.MemoriesCreated++
		estPost += len(summary) / 4

		if confidence >= promotionConfidence && len(g.eventIDs) >= promotionSourceEvents {
			rule := model.ConsolidatedRule{
				RuleID:     uuid.NewString(),
				MemoryID:   mem.MemoryID,
				Summary:    summary,
				Topics:     mem.Topics,
				PromotedAt: time.Now(),
			}
			if err := c.persistRule(ctx, rule); err != nil {
				return Report{}, err
			}
			report.RulesPromoted++
		}

		if err := c.ws.PruneOldestHalf(ctx, eventIDList(g.eventIDs)); err != nil {
			return Report{}, err
		}
	}

	report.EstimatedTokensPre = estPre
	report.EstimatedTokensPost = estPost
	if estPre > 0 {
		report.ReductionRatio = 1 - float64(estPost)/float64(estPre)
	}
	report.QualityGuardPassed = report.MemoriesCreated == 0 || allPassed
	return report, nil
}

// ShouldRun reports whether a consolidation pass should fire now, per
// spec.md §4.8's three trigger conditions: the configured interval has
// elapsed since lastRunAt, the working set has grown to EventCountTrigger
// items, or the set has sat idle for IdleMs since its most recent addition.
// A zero-valued trigger field disables that condition. An empty working set
// never triggers a run regardless of elapsed time.
func (c *Consolidator) ShouldRun(ctx context.Context, t Triggers, lastRunAt time.Time) (bool, error) {
	items, err := c.ws.All(ctx)
	if err != nil {
		return false, fmt.Errorf("list working set: %w", err)
	}
	if len(items) == 0 {
		return false, nil
	}

	if t.ElapsedIntervalMs > 0 && time.Since(lastRunAt) >= time.Duration(t.ElapsedIntervalMs)*time.Millisecond {
		return true, nil
	}
	if t.EventCountTrigger > 0 && len(items) >= t.EventCountTrigger {
		return true, nil
	}
	if t.IdleMs > 0 {
		latest := items[0].AddedAt
		for _, it := range items {
			if it.AddedAt.After(latest) {
				latest = it.AddedAt
			}
		}
		if time.Since(latest) >= time.Duration(t.IdleMs)*time.Millisecond {
			return true, nil
		}
	}
	return false, nil
}

func groupByTopic(items []workingset.Item) []topicGroup {
	byTopic := make(map[string]*topicGroup)
	var order []string
	for _, it := range items {
		for _, topic := range it.Topics {
			g, ok := byTopic[topic]
			if !ok {
				g = &topicGroup{topic: topic, eventIDs: make(map[string]bool)}
				byTopic[topic] = g
				order = append(order, topic)
			}
			g.eventIDs[it.EventID] = true
		}
	}
	groups := make([]topicGroup, 0, len(order))
	for _, topic := range order {
		groups = append(groups, *byTopic[topic])
	}
	return groups
}

// mergeOverlapping merges groups whose event-set overlap exceeds
// groupOverlapMergeRatio (spec.md §4.8).
func mergeOverlapping(groups []topicGroup) []topicGroup {
	merged := make([]bool, len(groups))
	var out []topicGroup

	for i := range groups {
		if merged[i] {
			continue
		}
		cur := topicGroup{topic: groups[i].topic, eventIDs: copySet(groups[i].eventIDs)}
		for j := i + 1; j < len(groups); j++ {
			if merged[j] {
				continue
			}
			if overlapRatio(cur.eventIDs, groups[j].eventIDs) > groupOverlapMergeRatio {
				for id := range groups[j].eventIDs {
					cur.eventIDs[id] = true
				}
				cur.topic = cur.topic + "+" + groups[j].topic
				merged[j] = true
			}
		}
		out = append(out, cur)
	}
	return out
}

func overlapRatio(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for id := range a {
		if b[id] {
			shared++
		}
	}
	smaller := len(a)
	if len(b) < smaller {
		smaller = len(b)
	}
	return float64(shared) / float64(smaller)
}

func copySet(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func eventIDList(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}

// summarize produces a rule-based summary: the first meaningful sentence
// of up to maxMembers events, joined (spec.md §4.8).
func summarize(events []model.Event, maxMembers int) string {
	if len(events) > maxMembers {
		events = events[:maxMembers]
	}
	var sentences []string
	for _, ev := range events {
		s := firstMeaningfulSentence(ev.Content)
		if s != "" {
			sentences = append(sentences, s)
		}
	}
	return strings.Join(sentences, " ")
}

func firstMeaningfulSentence(content string) string {
	content = strings.TrimSpace(content)
	for _, sep := range []string{". ", "! ", "? ", "\n"} {
		if idx := strings.Index(content, sep); idx > 10 {
			return strings.TrimSpace(content[:idx+1])
		}
	}
	if len(content) > 200 {
		return content[:200] + "..."
	}
	return content
}

// scoreConfidence computes confidence = 0.4*event_score + 0.4*time_proximity
// + 0.2*topic_consistency (spec.md §4.8).
func scoreConfidence(events []model.Event) float64 {
	if len(events) == 0 {
		return 0
	}
	eventScore := math.Min(1, float64(len(events))/float64(promotionSourceEvents))
	timeProximity := timeProximityScore(events)
	topicConsistency := topicConsistencyScore(events)
	return 0.4*eventScore + 0.4*timeProximity + 0.2*topicConsistency
}

func timeProximityScore(events []model.Event) float64 {
	if len(events) < 2 {
		return 1
	}
	minT, maxT := events[0].Timestamp, events[0].Timestamp
	for _, ev := range events {
		if ev.Timestamp.Before(minT) {
			minT = ev.Timestamp
		}
		if ev.Timestamp.After(maxT) {
			maxT = ev.Timestamp
		}
	}
	spanHours := maxT.Sub(minT).Hours()
	// Events clustered within an hour score near 1; a day or more scores near 0.
	return math.Max(0, 1-spanHours/24)
}

func topicConsistencyScore(events []model.Event) float64 {
	counts := make(map[string]int)
	total := 0
	for _, ev := range events {
		for _, t := range extractTopics(ev.Content) {
			counts[t]++
			total++
		}
	}
	if total == 0 {
		return 0
	}
	max := 0
	for _, n := range counts {
		if n > max {
			max = n
		}
	}
	return float64(max) / float64(total)
}

func (c *Consolidator) groupAlreadyConsolidated(ctx context.Context, eventIDs map[string]bool) (bool, error) {
	for id := range eventIDs {
		var count int
		err := c.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM consolidated_memories WHERE source_events LIKE '%' || ? || '%'
		`, id).Scan(&count)
		if err != nil {
			return false, fmt.Errorf("check existing consolidation for %s: %w", id, err)
		}
		if count > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (c *Consolidator) loadEvents(ctx context.Context, eventIDs map[string]bool) ([]model.Event, error) {
	var out []model.Event
	for id := range eventIDs {
		ev, err := c.events.GetEvent(ctx, id)
		if err != nil {
			continue // working set may reference a since-deleted event
		}
		out = append(out, ev)
	}
	return out, nil
}

func (c *Consolidator) persistMemory(ctx context.Context, mem model.ConsolidatedMemory) error {
	topicsJSON, err := json.Marshal(mem.Topics)
	if err != nil {
		return fmt.Errorf("marshal topics: %w", err)
	}
	sourcesJSON, err := json.Marshal(mem.SourceEvents)
	if err != nil {
		return fmt.Errorf("marshal source events: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO consolidated_memories (memory_id, summary, topics, source_events, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, mem.MemoryID, mem.Summary, string(topicsJSON), string(sourcesJSON), mem.Confidence, mem.CreatedAt)
	if err != nil {
		return fmt.Errorf("persist consolidated memory %s: %w", mem.MemoryID, err)
	}
	return nil
}

func (c *Consolidator) persistRule(ctx context.Context, rule model.ConsolidatedRule) error {
	topicsJSON, err := json.Marshal(rule.Topics)
	if err != nil {
		return fmt.Errorf("marshal rule topics: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO consolidated_rules (rule_id, memory_id, summary, topics, promoted_at)
		VALUES (?, ?, ?, ?, ?)
	`, rule.RuleID, rule.MemoryID, rule.Summary, string(topicsJSON), rule.PromotedAt)
	if err != nil {
		return fmt.Errorf("persist consolidated rule %s: %w", rule.RuleID, err)
	}
	return nil
}
