package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenEngine_WiresEveryComponent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Setenv("OLLAMA_HOST", "http://127.0.0.1:1"))
	t.Cleanup(func() { _ = os.Unsetenv("OLLAMA_HOST") })

	eng, err := OpenEngine(context.Background(), "deadbeef", dir, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	require.NotNil(t, eng.Events)
	require.NotNil(t, eng.Vectors)
	require.NotNil(t, eng.Outbox)
	require.NotNil(t, eng.EmbedWorker, "ollama client construction never validates reachability")
	require.NotNil(t, eng.Retriever)
	require.NotNil(t, eng.WorkingSet)
	require.NotNil(t, eng.Consolidator)
	require.NotNil(t, eng.Helpfulness)
	require.Nil(t, eng.Replicator, "no replication.toml present")

	require.FileExists(t, filepath.Join(dir, "events.sqlite"))
}

func TestOpenEngine_WithReplicationConfigWiresReplicator(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Setenv("OLLAMA_HOST", "http://127.0.0.1:1"))
	t.Cleanup(func() { _ = os.Unsetenv("OLLAMA_HOST") })

	require.NoError(t, WriteReplicationConfig(dir, ReplicationConfig{
		URI:        "mongodb://127.0.0.1:1/",
		Database:   "memorydb",
		ProjectKey: "proj",
		Direction:  "push",
	}))

	_, err := OpenEngine(context.Background(), "deadbeef", dir, nil, nil)
	// An unreachable mongo URI is expected to fail the Connect call; the
	// engine should still open with a nil Replicator rather than error out.
	require.NoError(t, err)
}

func TestManager_AcquireCachesEngineByProjectPath(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Setenv("OLLAMA_HOST", "http://127.0.0.1:1"))
	t.Cleanup(func() { _ = os.Unsetenv("OLLAMA_HOST") })

	mgr, err := NewManager(root, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown() })

	projectDir := filepath.Join(root, "some-project")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))

	e1, err := mgr.Acquire(context.Background(), projectDir)
	require.NoError(t, err)
	e2, err := mgr.Acquire(context.Background(), projectDir)
	require.NoError(t, err)
	require.Same(t, e1, e2, "repeat Acquire for the same project must return the cached Engine")
}

func TestManager_ShutdownClosesAllEngines(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Setenv("OLLAMA_HOST", "http://127.0.0.1:1"))
	t.Cleanup(func() { _ = os.Unsetenv("OLLAMA_HOST") })

	mgr, err := NewManager(root, nil)
	require.NoError(t, err)
	projectDir := filepath.Join(root, "another-project")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))

	_, err = mgr.Acquire(context.Background(), projectDir)
	require.NoError(t, err)
	require.NoError(t, mgr.Shutdown())
}

func TestManager_AcquireForSessionRegistersSession(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Setenv("OLLAMA_HOST", "http://127.0.0.1:1"))
	t.Cleanup(func() { _ = os.Unsetenv("OLLAMA_HOST") })

	mgr, err := NewManager(root, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown() })

	projectDir := filepath.Join(root, "session-project")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))

	eng, err := mgr.AcquireForSession(context.Background(), "sess-1", projectDir)
	require.NoError(t, err)

	rec, ok, err := mgr.Registry.Lookup("sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, eng.Hash, rec.ProjectHash)
}
