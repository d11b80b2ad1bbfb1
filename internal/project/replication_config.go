package project

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// replicationFileName is this engine's secret-bearing equivalent of
// spec.md §6's per-project mongo-sync.json, stored as TOML instead of YAML
// so the viper-based config loader (which only ever reads config.yaml)
// never accidentally merges connection credentials into AllSettings().
const replicationFileName = "replication.toml"

// ReplicationConfig is the on-disk shape of replication.toml.
type ReplicationConfig struct {
	URI        string `toml:"uri"`
	Database   string `toml:"database"`
	ProjectKey string `toml:"project_key"`
	Direction  string `toml:"direction"` // "push", "pull", or "both"
}

// loadReplicationConfig reads <storageDir>/replication.toml if present.
// Absence is not an error: replication is opt-in per project.
func loadReplicationConfig(storageDir string) (ReplicationConfig, bool, error) {
	path := filepath.Join(storageDir, replicationFileName)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return ReplicationConfig{}, false, nil
	}
	if err != nil {
		return ReplicationConfig{}, false, fmt.Errorf("stat %s: %w", path, err)
	}

	if info.Mode().Perm()&0o077 != 0 {
		if chmodErr := os.Chmod(path, 0o600); chmodErr != nil {
			return ReplicationConfig{}, false, fmt.Errorf("restrict permissions on %s: %w", path, chmodErr)
		}
	}

	var cfg ReplicationConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return ReplicationConfig{}, false, fmt.Errorf("decode %s: %w", path, err)
	}
	if cfg.Direction == "" {
		cfg.Direction = "both"
	}
	return cfg, true, nil
}

// WriteReplicationConfig persists replication.toml mode 0600, used by the
// setup path that provisions a project for cross-machine sync.
func WriteReplicationConfig(storageDir string, cfg ReplicationConfig) error {
	path := filepath.Join(storageDir, replicationFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return nil
}
