package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cmemd/cmemd/internal/cmemerr"
	"github.com/cmemd/cmemd/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "events.db")
	s, err := Open(context.Background(), dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestSession(t *testing.T, s *Store) model.Session {
	t.Helper()
	sess, err := s.StartSession(context.Background(), model.Session{ProjectPath: "/tmp/proj"})
	require.NoError(t, err)
	return sess
}

func TestOpen_AppliesMigrationsIdempotently(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "events.db")

	s1, err := Open(ctx, dbPath, nil)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	// Re-opening an already-migrated database must not error.
	s2, err := Open(ctx, dbPath, nil)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestAppend_IsIdempotentOnDuplicateContent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	sess := newTestSession(t, s)

	ev := model.Event{
		EventType: model.EventUserPrompt,
		SessionID: sess.ID,
		Content:   "remember to check the staging deploy before release",
	}

	first, err := s.Append(ctx, ev, nil)
	require.NoError(t, err)
	require.False(t, first.IsDuplicate)

	second, err := s.Append(ctx, ev, nil)
	require.NoError(t, err)
	require.True(t, second.IsDuplicate)
	require.Equal(t, first.Event.ID, second.Event.ID)

	events, err := s.EventsBySession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, events, 1, "duplicate append must not create a second row")
}

func TestAppend_SameContentDifferentSessionsDoesNotCollide(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	sessA := newTestSession(t, s)
	sessB := newTestSession(t, s)

	_, err := s.Append(ctx, model.Event{EventType: model.EventUserPrompt, SessionID: sessA.ID, Content: "same text"}, nil)
	require.NoError(t, err)
	res, err := s.Append(ctx, model.Event{EventType: model.EventUserPrompt, SessionID: sessB.ID, Content: "same text"}, nil)
	require.NoError(t, err)
	require.False(t, res.IsDuplicate, "dedupe is session-scoped, not global")
}

func TestAppend_RejectsUnknownEventType(t *testing.T) {
	s := openTestStore(t)
	sess := newTestSession(t, s)

	_, err := s.Append(context.Background(), model.Event{
		EventType: "not_a_real_type",
		SessionID: sess.ID,
		Content:   "x",
	}, nil)
	require.Error(t, err)
	require.True(t, cmemerr.Is(err, cmemerr.KindInputInvalid))
}

func TestAppend_QueuesOutboxJob(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	sess := newTestSession(t, s)

	res, err := s.Append(ctx, model.Event{EventType: model.EventAgentResponse, SessionID: sess.ID, Content: "the fix was a nil check"}, nil)
	require.NoError(t, err)

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM outbox_jobs WHERE item_id = ?`, res.Event.ID).Scan(&status)
	require.NoError(t, err)
	require.Equal(t, "pending", status)
}

func TestEventsSince_OrdersByRowidAndRespectsCursor(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	sess := newTestSession(t, s)

	var ids []string
	for i := 0; i < 5; i++ {
		res, err := s.Append(ctx, model.Event{
			EventType: model.EventUserPrompt,
			SessionID: sess.ID,
			Content:   time.Now().Format(time.RFC3339Nano) + "-" + string(rune('a'+i)),
		}, nil)
		require.NoError(t, err)
		ids = append(ids, res.Event.ID)
	}

	all, err := s.EventsSince(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, all, 5)

	tail, err := s.EventsSince(ctx, all[1].Rowid, 100)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	require.Equal(t, all[2].ID, tail[0].ID)
}

func TestKeywordSearch_FindsAppendedContent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	sess := newTestSession(t, s)

	_, err := s.Append(ctx, model.Event{
		EventType: model.EventToolObservation,
		SessionID: sess.ID,
		Content:   "the staging deploy failed because of a missing migration",
	}, nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, model.Event{
		EventType: model.EventUserPrompt,
		SessionID: sess.ID,
		Content:   "what's the weather like today",
	}, nil)
	require.NoError(t, err)

	hits, err := s.KeywordSearch(ctx, KeywordSearchOptions{Query: "migration", Limit: 10})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Contains(t, hits[0].Event.Content, "migration")
}

func TestKeywordSearch_RejectsEmptyQuery(t *testing.T) {
	s := openTestStore(t)
	_, err := s.KeywordSearch(context.Background(), KeywordSearchOptions{Query: "   "})
	require.Error(t, err)
	require.True(t, cmemerr.Is(err, cmemerr.KindInputInvalid))
}

func TestDeleteSessionEvents_WipesOnlyThatSession(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	sessA := newTestSession(t, s)
	sessB := newTestSession(t, s)

	_, err := s.Append(ctx, model.Event{EventType: model.EventUserPrompt, SessionID: sessA.ID, Content: "forget this one"}, nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, model.Event{EventType: model.EventUserPrompt, SessionID: sessB.ID, Content: "keep this one"}, nil)
	require.NoError(t, err)

	deleted, err := s.DeleteSessionEvents(ctx, sessA.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	remainingA, err := s.EventsBySession(ctx, sessA.ID)
	require.NoError(t, err)
	require.Empty(t, remainingA)

	remainingB, err := s.EventsBySession(ctx, sessB.ID)
	require.NoError(t, err)
	require.Len(t, remainingB, 1)
}

func TestEndSession_RejectsUnknownSession(t *testing.T) {
	s := openTestStore(t)
	err := s.EndSession(context.Background(), "does-not-exist", "summary")
	require.Error(t, err)
	require.True(t, cmemerr.Is(err, cmemerr.KindNotFound))
}

func TestRecordAccessBatch_IncrementsCounters(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	sess := newTestSession(t, s)

	res, err := s.Append(ctx, model.Event{EventType: model.EventUserPrompt, SessionID: sess.ID, Content: "track me"}, nil)
	require.NoError(t, err)

	require.NoError(t, s.RecordAccessBatch(ctx, []string{res.Event.ID, res.Event.ID}))

	updated, err := s.GetEvent(ctx, res.Event.ID)
	require.NoError(t, err)
	require.Equal(t, 2, updated.AccessCount)
}
