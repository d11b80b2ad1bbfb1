package turnstate

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cmemd/cmemd/internal/model"
)

func TestWriteThenRead_ReturnsTheWrittenTurnID(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Write("s1", "T1"))
	require.Equal(t, "T1", s.Read("s1"))
}

func TestRead_ReturnsEmptyForUnknownSession(t *testing.T) {
	s := New(t.TempDir())
	require.Equal(t, "", s.Read("nonexistent"))
}

func TestRead_RejectsSessionMismatch(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Write("s1", "T1"))

	// Tamper with the file to claim a different session_id, simulating a
	// stray file left over from an unrelated session.
	state := model.TurnState{TurnID: "T1", SessionID: "other-session", CreatedAt: time.Now()}
	tamperAndWrite(t, s.path("s1"), state)

	require.Equal(t, "", s.Read("s1"))
}

func TestRead_DiscardsEntriesOlderThanReadTTL(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	state := model.TurnState{TurnID: "T1", SessionID: "s1", CreatedAt: time.Now().Add(-31 * time.Minute)}
	tamperAndWrite(t, s.path("s1"), state)

	require.Equal(t, "", s.Read("s1"))
}

func TestSweep_RemovesFilesOlderThanCleanupTTL(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Write("stale", "T1"))

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(s.path("stale"), old, old))

	require.NoError(t, s.Write("fresh", "T2"))

	require.NoError(t, s.Sweep(context.Background()))

	_, err := os.Stat(s.path("stale"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(s.path("fresh"))
	require.NoError(t, err)
}

func TestSweep_IsNoOpWhenDirectoryDoesNotExist(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, s.Sweep(context.Background()))
}

func tamperAndWrite(t *testing.T, path string, state model.TurnState) {
	t.Helper()
	b, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o644))
}
