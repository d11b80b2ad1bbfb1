package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// maxRegistryEntries caps session-registry.json at its 1000 most-recent
// entries (spec.md §6).
const maxRegistryEntries = 1000

// SessionRecord is one entry in session-registry.json: which project a
// session belongs to and when it was first seen.
type SessionRecord struct {
	ProjectPath  string    `json:"project_path"`
	ProjectHash  string    `json:"project_hash"`
	RegisteredAt time.Time `json:"registered_at"`
}

// SessionRegistry is the process-wide map session_id -> SessionRecord,
// persisted atomically and guarded cross-process by a flock, following the
// teacher's registry.json read-modify-write discipline.
type SessionRegistry struct {
	path     string
	lockPath string
}

// NewSessionRegistry opens the registry file at <memoryRoot>/session-registry.json.
func NewSessionRegistry(memoryRoot string) (*SessionRegistry, error) {
	if err := os.MkdirAll(memoryRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create memory root %s: %w", memoryRoot, err)
	}
	return &SessionRegistry{
		path:     filepath.Join(memoryRoot, "session-registry.json"),
		lockPath: filepath.Join(memoryRoot, "session-registry.lock"),
	}, nil
}

func (r *SessionRegistry) withLock(fn func() error) error {
	lock := flock.New(r.lockPath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire session registry lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()
	return fn()
}

func (r *SessionRegistry) readLocked() (map[string]SessionRecord, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]SessionRecord{}, nil
		}
		return nil, fmt.Errorf("read session registry: %w", err)
	}
	if len(data) == 0 {
		return map[string]SessionRecord{}, nil
	}

	var entries map[string]SessionRecord
	if err := json.Unmarshal(data, &entries); err != nil {
		// A corrupted registry just means sessions get re-registered; never
		// fail the caller over it.
		return map[string]SessionRecord{}, nil
	}
	return entries, nil
}

func (r *SessionRegistry) writeLocked(entries map[string]SessionRecord) error {
	entries = capToMostRecent(entries, maxRegistryEntries)

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, "session-registry-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp registry file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp registry file: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp registry file: %w", err)
	}
	return nil
}

// Register records sessionID -> (projectPath, hash), first-seen time.
// Re-registering an existing session is a no-op for its RegisteredAt.
func (r *SessionRegistry) Register(sessionID, projectPath, hash string) error {
	return r.withLock(func() error {
		entries, err := r.readLocked()
		if err != nil {
			return err
		}
		if _, exists := entries[sessionID]; exists {
			return nil
		}
		entries[sessionID] = SessionRecord{
			ProjectPath:  projectPath,
			ProjectHash:  hash,
			RegisteredAt: time.Now(),
		}
		return r.writeLocked(entries)
	})
}

// Lookup returns the record for sessionID, if registered.
func (r *SessionRegistry) Lookup(sessionID string) (SessionRecord, bool, error) {
	var rec SessionRecord
	var ok bool
	err := r.withLock(func() error {
		entries, err := r.readLocked()
		if err != nil {
			return err
		}
		rec, ok = entries[sessionID]
		return nil
	})
	return rec, ok, err
}

// All returns every registered session, for `cmemctl list`.
func (r *SessionRegistry) All() (map[string]SessionRecord, error) {
	var entries map[string]SessionRecord
	err := r.withLock(func() error {
		var readErr error
		entries, readErr = r.readLocked()
		return readErr
	})
	return entries, err
}

// capToMostRecent drops the oldest entries once the map exceeds limit,
// keyed by RegisteredAt, matching the teacher's stale-entry-eviction shape
// in registry.List (there: liveness-based; here: recency-based per spec).
func capToMostRecent(entries map[string]SessionRecord, limit int) map[string]SessionRecord {
	if len(entries) <= limit {
		return entries
	}

	type keyed struct {
		id  string
		rec SessionRecord
	}
	ordered := make([]keyed, 0, len(entries))
	for id, rec := range entries {
		ordered = append(ordered, keyed{id, rec})
	}
	// Simple insertion sort by RegisteredAt descending; registry sizes are
	// bounded (≤ limit+1 at the point this runs), so this stays cheap.
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].rec.RegisteredAt.After(ordered[j-1].rec.RegisteredAt); j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	out := make(map[string]SessionRecord, limit)
	for i := 0; i < limit && i < len(ordered); i++ {
		out[ordered[i].id] = ordered[i].rec
	}
	return out
}
