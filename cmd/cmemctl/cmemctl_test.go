package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cmemd/cmemd/internal/model"
)

func withTempRoots(t *testing.T) string {
	t.Helper()
	prevMemRoot := memoryRootOverride
	prevProject := projectFlag
	memoryRootOverride = filepath.Join(t.TempDir(), "memory")
	projectDir := t.TempDir()
	projectFlag = projectDir
	require.NoError(t, os.Setenv("OLLAMA_HOST", "http://127.0.0.1:1"))
	t.Cleanup(func() {
		memoryRootOverride = prevMemRoot
		projectFlag = prevProject
		_ = os.Unsetenv("OLLAMA_HOST")
	})
	return projectDir
}

func seedOneEvent(t *testing.T, sessionID string) {
	t.Helper()
	mgr, err := newManager()
	require.NoError(t, err)
	defer func() { _ = mgr.Shutdown() }()

	eng, err := mgr.Acquire(context.Background(), projectFlag)
	require.NoError(t, err)

	_, err = eng.Events.Append(context.Background(), model.Event{
		EventType: model.EventUserPrompt,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Content:   "remember the morning briefing preference",
	}, nil)
	require.NoError(t, err)
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestSearchCommand_FindsSeededEvent(t *testing.T) {
	withTempRoots(t)
	seedOneEvent(t, "sess-1")

	out, err := runCLI(t, "search", "--project", projectFlag, "morning briefing")
	require.NoError(t, err)
	require.NotEmpty(t, out)
}

func TestHistoryCommand_RequiresSessionFlag(t *testing.T) {
	withTempRoots(t)

	_, err := runCLI(t, "history", "--project", projectFlag)
	require.Error(t, err)
}

func TestHistoryCommand_ListsSeededEvent(t *testing.T) {
	withTempRoots(t)
	seedOneEvent(t, "sess-1")

	out, err := runCLI(t, "history", "--project", projectFlag, "--session", "sess-1")
	require.NoError(t, err)
	require.Contains(t, out, "morning briefing")
}

func TestStatsCommand_ReportsVectorAndOutboxCounts(t *testing.T) {
	withTempRoots(t)
	seedOneEvent(t, "sess-1")

	out, err := runCLI(t, "stats", "--project", projectFlag)
	require.NoError(t, err)
	require.Contains(t, out, "outbox pending")
}

func TestProcessCommand_RunsConsolidationWithoutError(t *testing.T) {
	withTempRoots(t)
	seedOneEvent(t, "sess-1")

	out, err := runCLI(t, "process", "--project", projectFlag)
	require.NoError(t, err)
	require.Contains(t, out, "groups considered")
}

func TestListCommand_ShowsRegisteredSessionAfterAcquire(t *testing.T) {
	withTempRoots(t)

	mgr, err := newManager()
	require.NoError(t, err)
	_, err = mgr.AcquireForSession(context.Background(), "sess-1", projectFlag)
	require.NoError(t, err)
	require.NoError(t, mgr.Shutdown())

	out, err := runCLI(t, "list")
	require.NoError(t, err)
	require.Contains(t, out, "sess-1")
}

func TestForgetCommand_DeletesSessionEvents(t *testing.T) {
	withTempRoots(t)
	seedOneEvent(t, "sess-1")

	out, err := runCLI(t, "forget", "--project", projectFlag, "--session", "sess-1")
	require.NoError(t, err)
	require.Contains(t, out, "deleted 1 events")

	historyOut, err := runCLI(t, "history", "--project", projectFlag, "--session", "sess-1")
	require.NoError(t, err)
	require.NotContains(t, historyOut, "morning briefing")
}

func TestPromoteCommand_ThenSearchSharedFindsEntryFromAnotherProject(t *testing.T) {
	withTempRoots(t)

	out, err := runCLI(t, "promote", "--project", projectFlag, "--tag", "sqlite", "restart the daemon after a WAL checkpoint stall")
	require.NoError(t, err)
	require.Contains(t, out, "promoted")

	otherProject := t.TempDir()
	searchOut, err := runCLI(t, "search-shared", "--project", otherProject, "WAL checkpoint")
	require.NoError(t, err)
	require.Contains(t, searchOut, "checkpoint")
}

func TestSearchSharedCommand_ExcludesPromotingProject(t *testing.T) {
	withTempRoots(t)

	_, err := runCLI(t, "promote", "--project", projectFlag, "restart the daemon after a WAL checkpoint stall")
	require.NoError(t, err)

	out, err := runCLI(t, "search-shared", "--project", projectFlag, "WAL checkpoint")
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestImportCommand_ImportsEventsFromJSONL(t *testing.T) {
	withTempRoots(t)

	file := filepath.Join(t.TempDir(), "events.jsonl")
	content := `{"event_type":"user_prompt","session_id":"sess-2","content":"imported event one","timestamp":"2026-01-01T00:00:00Z"}
{"event_type":"agent_response","session_id":"sess-2","content":"imported event two","timestamp":"2026-01-01T00:01:00Z"}
`
	require.NoError(t, os.WriteFile(file, []byte(content), 0o644))

	out, err := runCLI(t, "import", "--project", projectFlag, file)
	require.NoError(t, err)
	require.Contains(t, out, "imported: 2")
}
