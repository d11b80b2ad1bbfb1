// Package turnstate manages the ephemeral per-session turn-id link
// described in spec.md §4.10: a small JSON file written atomically
// (temp + rename) that lets subsequent events in the same exchange carry
// the same turn_id without a database round trip. All operations are
// best-effort — a failure here only means later events go ungrouped, never
// a hard error surfaced to the caller.
package turnstate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cmemd/cmemd/internal/model"
)

const (
	// readTTL discards a turn-state file as stale once this old (spec §4.10).
	readTTL = 30 * time.Minute
	// cleanupTTL removes a turn-state file from disk once this old.
	cleanupTTL = 1 * time.Hour
)

// Store reads and writes turn-state files under one directory, one file per
// session.
type Store struct {
	dir string
}

func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, fmt.Sprintf(".turn-state-%s.json", sessionID))
}

// Write atomically persists the active turn_id for a session via
// temp-file-then-rename, so a concurrent reader never observes a partial
// write.
func (s *Store) Write(sessionID, turnID string) error {
	state := model.TurnState{TurnID: turnID, SessionID: sessionID, CreatedAt: time.Now()}
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal turn state: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create turn state dir: %w", err)
	}

	final := s.path(sessionID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write temp turn state: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename turn state into place: %w", err)
	}
	return nil
}

// Read returns the active turn_id for a session, or "" if no live turn
// state exists: the file is missing, belongs to a different session, or is
// older than readTTL.
func (s *Store) Read(sessionID string) string {
	b, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		return ""
	}
	var state model.TurnState
	if err := json.Unmarshal(b, &state); err != nil {
		return ""
	}
	if state.SessionID != sessionID {
		return ""
	}
	if time.Since(state.CreatedAt) > readTTL {
		return ""
	}
	return state.TurnID
}

// Sweep removes turn-state files older than cleanupTTL from disk. Safe to
// call concurrently with Write/Read; a file mid-rename is simply skipped
// until the next sweep.
func (s *Store) Sweep(_ context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read turn state dir: %w", err)
	}

	cutoff := time.Now().Add(-cleanupTTL)
	for _, entry := range entries {
		if entry.IsDir() || !isTurnStateFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(s.dir, entry.Name()))
		}
	}
	return nil
}

func isTurnStateFile(name string) bool {
	return len(name) > len(".turn-state-") && name[:len(".turn-state-")] == ".turn-state-"
}
