package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cmemd/cmemd/internal/model"
)

func TestEventsByTurn_ReturnsOnlyMatchingEvents(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	sess := newTestSession(t, s)

	mustAppend := func(evType model.EventType, turnID, content string) {
		_, err := s.Append(ctx, model.Event{EventType: evType, SessionID: sess.ID, TurnID: turnID, Content: content}, nil)
		require.NoError(t, err)
	}

	mustAppend(model.EventUserPrompt, "T1", "what is the plan")
	mustAppend(model.EventToolObservation, "T1", "ran search tool")
	mustAppend(model.EventToolObservation, "T1", "ran read tool")
	mustAppend(model.EventToolObservation, "T1", "ran edit tool")
	mustAppend(model.EventAgentResponse, "T1", "here is the plan")
	mustAppend(model.EventUserPrompt, "T2", "unrelated question")

	events, err := s.EventsByTurn(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, events, 5)
}

func TestSessionTurns_ReportsEventCountAndResponsePresence(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	sess := newTestSession(t, s)

	mustAppend := func(evType model.EventType, turnID, content string) {
		_, err := s.Append(ctx, model.Event{EventType: evType, SessionID: sess.ID, TurnID: turnID, Content: content}, nil)
		require.NoError(t, err)
	}

	mustAppend(model.EventUserPrompt, "T1", "what is the plan")
	mustAppend(model.EventToolObservation, "T1", "ran search tool")
	mustAppend(model.EventToolObservation, "T1", "ran read tool")
	mustAppend(model.EventToolObservation, "T1", "ran edit tool")
	mustAppend(model.EventAgentResponse, "T1", "here is the plan")

	turns, err := s.SessionTurns(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Equal(t, "T1", turns[0].TurnID)
	require.Equal(t, 5, turns[0].EventCount)
	require.True(t, turns[0].HasResponse)
}

func TestSessionTurns_OmitsEventsWithoutATurnID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	sess := newTestSession(t, s)

	_, err := s.Append(ctx, model.Event{EventType: model.EventUserPrompt, SessionID: sess.ID, Content: "no turn here"}, nil)
	require.NoError(t, err)

	turns, err := s.SessionTurns(ctx, sess.ID)
	require.NoError(t, err)
	require.Empty(t, turns)
}
