// Package config loads engine configuration via viper, adapted from the
// teacher's lookup chain to this engine's storage layout and environment
// variables (spec.md §6): the first config.yaml found in the order project
// file, user config dir, home dir is read, and CLAUDE_MEMORY_* env vars
// override both its values and the defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton. projectStorageDir
// is the per-project storage directory (<home>/.../memory/projects/<hash>),
// or "" when no project is in scope yet (e.g. cmemctl commands that act on
// the shared store only).
func Initialize(projectStorageDir string) error {
	v = viper.New()
	v.SetConfigType("yaml")

	configFileSet := false

	// 1. Per-project config.yaml, when a project storage dir is known.
	if projectStorageDir != "" {
		configPath := filepath.Join(projectStorageDir, "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			configFileSet = true
		}
	}

	// 2. User config directory (~/.config/cmemd/config.yaml).
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "cmemd", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// 3. Home directory memory root (<home>/.../memory/config.yaml).
	if !configFileSet {
		if homeDir, err := os.UserHomeDir(); err == nil {
			configPath := filepath.Join(homeDir, MemoryRootName(), "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	v.SetEnvPrefix("CLAUDE_MEMORY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// spec.md §6's observed environment variables, bound explicitly so
	// their hyphen-free names map onto the dotted config keys below.
	_ = v.BindEnv("debug", "CLAUDE_MEMORY_DEBUG")
	_ = v.BindEnv("retrieval.max_count", "CLAUDE_MEMORY_MAX_COUNT")
	_ = v.BindEnv("retrieval.min_score", "CLAUDE_MEMORY_MIN_SCORE")
	_ = v.BindEnv("retrieval.fallback_min_score", "CLAUDE_MEMORY_FALLBACK_MIN_SCORE")
	_ = v.BindEnv("retrieval.search", "CLAUDE_MEMORY_SEARCH")

	v.SetDefault("debug", false)
	v.SetDefault("retrieval.max_count", 10)
	v.SetDefault("retrieval.min_score", 0.3)
	v.SetDefault("retrieval.fallback_min_score", 0.15)
	v.SetDefault("retrieval.search", "auto")
	v.SetDefault("retrieval.max_tokens", 2000)

	v.SetDefault("embedder.backend", "ollama")
	v.SetDefault("embedder.ollama_model", "nomic-embed-text")
	v.SetDefault("embedder.remote_url", "")
	v.SetDefault("embedder.batch_size", 32)
	v.SetDefault("embedder.tick_interval", "10s")
	v.SetDefault("embedder.max_retries", 3)

	v.SetDefault("outbox.retention", "168h")
	v.SetDefault("outbox.maintenance_interval", "30m")

	v.SetDefault("consolidator.interval", "15m")
	v.SetDefault("consolidator.event_count_trigger", 50)
	v.SetDefault("consolidator.idle_trigger", "5m")
	v.SetDefault("consolidator.llm_enabled", false)

	v.SetDefault("replication.enabled", false)
	v.SetDefault("replication.batch_size", 100)
	v.SetDefault("replication.interval", "30s")

	v.SetDefault("registry.max_entries", 1000)

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// MemoryRootName is the per-home directory segment every persisted path in
// spec.md §6 hangs off: "<home>/.../memory". Kept as a function (not a
// bare const) so tests can see the exact literal used everywhere else that
// builds a path under it.
func MemoryRootName() string {
	return filepath.Join(".claude", "memory")
}

// GetString retrieves a string configuration value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetFloat64 retrieves a float configuration value.
func GetFloat64(key string) float64 {
	if v == nil {
		return 0
	}
	return v.GetFloat64(key)
}

// GetDuration retrieves a duration configuration value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set overrides a configuration value, used by cmemctl flags that should
// take precedence over the loaded file/env value for the rest of the
// process lifetime.
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}

// AllSettings returns all configuration settings as a map, used by
// `cmemctl stats` to report the engine's effective configuration.
func AllSettings() map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v.AllSettings()
}
