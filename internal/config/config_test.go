package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitialize_AppliesDefaultsWithNoConfigFile(t *testing.T) {
	require.NoError(t, Initialize(""))
	require.Equal(t, 10, GetInt("retrieval.max_count"))
	require.Equal(t, "ollama", GetString("embedder.backend"))
	require.False(t, GetBool("debug"))
}

func TestInitialize_ProjectConfigTakesPrecedenceOverDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("retrieval:\n  max_count: 42\n"), 0o644))

	require.NoError(t, Initialize(dir))
	require.Equal(t, 42, GetInt("retrieval.max_count"))
}

func TestInitialize_EnvVarOverridesDefault(t *testing.T) {
	require.NoError(t, os.Setenv("CLAUDE_MEMORY_MAX_COUNT", "7"))
	t.Cleanup(func() { _ = os.Unsetenv("CLAUDE_MEMORY_MAX_COUNT") })

	require.NoError(t, Initialize(""))
	require.Equal(t, 7, GetInt("retrieval.max_count"))
}

func TestSet_OverridesLoadedValue(t *testing.T) {
	require.NoError(t, Initialize(""))
	Set("retrieval.max_count", 99)
	require.Equal(t, 99, GetInt("retrieval.max_count"))
}

func TestMemoryRootName_IsDotClaudeMemory(t *testing.T) {
	require.Equal(t, filepath.Join(".claude", "memory"), MemoryRootName())
}

func TestGetters_AreSafeBeforeInitialize(t *testing.T) {
	v = nil
	require.Equal(t, "", GetString("anything"))
	require.False(t, GetBool("anything"))
	require.Equal(t, 0, GetInt("anything"))
	require.Equal(t, float64(0), GetFloat64("anything"))
	require.Equal(t, 0, int(GetDuration("anything")))
	require.Empty(t, AllSettings())
}
