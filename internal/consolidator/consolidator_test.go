package consolidator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cmemd/cmemd/internal/model"
	"github.com/cmemd/cmemd/internal/store"
	"github.com/cmemd/cmemd/internal/workingset"
)

func setup(t *testing.T) (*Consolidator, *store.Store, *workingset.Set, model.Session) {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "events.db")
	s, err := store.Open(ctx, dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ws := workingset.New(s.DB(), 0, 0)
	c := New(s.DB(), s, ws)

	sess, err := s.StartSession(ctx, model.Session{ProjectPath: "/tmp/p"})
	require.NoError(t, err)
	return c, s, ws, sess
}

func TestExtractTopics_FindsIdentifiersAndVerbs(t *testing.T) {
	topics := extractTopics("Fixed the auth-service migration handler after a deadlock")
	require.NotEmpty(t, topics)
	require.LessOrEqual(t, len(topics), maxTopicsPerEvent)
}

func TestRun_ConsolidatesGroupAboveMinSize(t *testing.T) {
	ctx := context.Background()
	c, s, ws, sess := setup(t)

	contents := []string{
		"Fixed the auth-service migration that caused a deadlock",
		"The auth-service migration needed a retry with backoff",
		"auth-service migration rollback completed successfully",
		"Another look at the auth-service migration edge case",
	}
	for _, content := range contents {
		res, err := s.Append(ctx, model.Event{EventType: model.EventToolObservation, SessionID: sess.ID, Content: content}, nil)
		require.NoError(t, err)
		require.NoError(t, ws.Add(ctx, res.Event.ID, 0.8, extractTopics(content)))
	}

	report, err := c.Run(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, report.MemoriesCreated, 1)
}

func TestRun_SkipsGroupsBelowMinSize(t *testing.T) {
	ctx := context.Background()
	c, s, ws, sess := setup(t)

	res, err := s.Append(ctx, model.Event{EventType: model.EventToolObservation, SessionID: sess.ID, Content: "one lonely migration note"}, nil)
	require.NoError(t, err)
	require.NoError(t, ws.Add(ctx, res.Event.ID, 0.5, extractTopics("migration")))

	report, err := c.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, report.MemoriesCreated)
}

func TestSummarizeGroup_PrefixesTopicsWithoutAnLLMConfigured(t *testing.T) {
	c, _, _, _ := setup(t)
	members := []model.Event{{Content: "retry with backoff after failure"}}
	summary := c.summarizeGroup(context.Background(), "retry", members)
	require.Contains(t, summary, "Topics: retry")
}

func TestMergeOverlapping_CombinesHighOverlapGroups(t *testing.T) {
	a := topicGroup{topic: "x", eventIDs: map[string]bool{"1": true, "2": true, "3": true}}
	b := topicGroup{topic: "y", eventIDs: map[string]bool{"1": true, "2": true}}
	merged := mergeOverlapping([]topicGroup{a, b})
	require.Len(t, merged, 1)
	require.Len(t, merged[0].eventIDs, 3)
}

func TestRun_ProducesRetryTopicSummaryFromNineEventsInOneGroup(t *testing.T) {
	ctx := context.Background()
	c, s, ws, sess := setup(t)

	contents := []string{
		"retry the upload after failure",
		"added retry with exponential backoff",
		"retry logic needs a max attempt cap",
		"investigated why the retry loop spun forever",
		"fixed retry to respect context cancellation",
		"retry now logs each attempt",
		"retry backoff jitter added",
		"retry exhausted after 3 attempts as expected",
		"retry path now covered by a test",
	}
	base := time.Now()
	for i, content := range contents {
		res, err := s.Append(ctx, model.Event{
			EventType: model.EventToolObservation,
			SessionID: sess.ID,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Content:   content,
		}, nil)
		require.NoError(t, err)
		require.NoError(t, ws.Add(ctx, res.Event.ID, 0.8, []string{"retry"}))
	}

	report, err := c.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.MemoriesCreated)
	require.GreaterOrEqual(t, report.RulesPromoted, 1)

	var summary string
	var confidence float64
	row := s.DB().QueryRow(`SELECT summary, confidence FROM consolidated_memories LIMIT 1`)
	require.NoError(t, row.Scan(&summary, &confidence))
	require.Contains(t, summary, "Topics: retry")
	require.GreaterOrEqual(t, confidence, 0.55)

	remaining, err := ws.All(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, len(contents)-len(contents)/2, "only the oldest half should be pruned")
}

func TestShouldRun_FalseOnEmptyWorkingSet(t *testing.T) {
	ctx := context.Background()
	c, _, _, _ := setup(t)

	should, err := c.ShouldRun(ctx, Triggers{ElapsedIntervalMs: 1}, time.Time{})
	require.NoError(t, err)
	require.False(t, should, "an empty working set never triggers a run")
}

func TestShouldRun_TrueWhenEventCountTriggerReached(t *testing.T) {
	ctx := context.Background()
	c, s, ws, sess := setup(t)

	res, err := s.Append(ctx, model.Event{EventType: model.EventToolObservation, SessionID: sess.ID, Content: "one"}, nil)
	require.NoError(t, err)
	require.NoError(t, ws.Add(ctx, res.Event.ID, 0.8, nil))

	should, err := c.ShouldRun(ctx, Triggers{EventCountTrigger: 1}, time.Now())
	require.NoError(t, err)
	require.True(t, should)
}

func TestShouldRun_FalseBeforeElapsedIntervalOrIdle(t *testing.T) {
	ctx := context.Background()
	c, s, ws, sess := setup(t)

	res, err := s.Append(ctx, model.Event{EventType: model.EventToolObservation, SessionID: sess.ID, Content: "one"}, nil)
	require.NoError(t, err)
	require.NoError(t, ws.Add(ctx, res.Event.ID, 0.8, nil))

	should, err := c.ShouldRun(ctx, Triggers{ElapsedIntervalMs: int64(time.Hour.Milliseconds()), IdleMs: int64(time.Hour.Milliseconds())}, time.Now())
	require.NoError(t, err)
	require.False(t, should)
}

func TestScoreConfidence_BoundedZeroToOne(t *testing.T) {
	now := time.Now()
	events := []model.Event{
		{Content: "fix migration", Timestamp: now},
		{Content: "fix migration again", Timestamp: now.Add(time.Hour)},
	}
	score := scoreConfidence(events)
	require.GreaterOrEqual(t, score, 0.0)
	require.LessOrEqual(t, score, 1.0)
}
