package turnstate

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// CleanupTask drives the background sweep described in spec.md §4.10: a
// periodic tick (wired as a workerctl.Task by the caller) removes files
// older than cleanupTTL, and an fsnotify watch on the turn-state directory
// triggers an extra sweep on create/write so a burst of new turn files
// doesn't wait a full tick before stale ones are considered. fsnotify alone
// cannot observe pure age-based expiry, so the ticker remains the
// authoritative driver — this mirrors the teacher's daemon_watcher.go
// combination of a filesystem watch plus a fallback/companion poll.
type CleanupTask struct {
	store   *Store
	watcher *fsnotify.Watcher
	log     *slog.Logger
}

func NewCleanupTask(store *Store, log *slog.Logger) (*CleanupTask, error) {
	if log == nil {
		log = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		// Best-effort per spec.md §4.10: fall back to ticker-only cleanup.
		log.Warn("turn state watcher unavailable, falling back to ticker-only cleanup", "error", err)
		return &CleanupTask{store: store, log: log}, nil
	}
	if err := w.Add(store.dir); err != nil {
		log.Warn("turn state directory watch failed, falling back to ticker-only cleanup", "dir", store.dir, "error", err)
		_ = w.Close()
		w = nil
	}
	return &CleanupTask{store: store, watcher: w, log: log}, nil
}

// Tick runs one cleanup sweep. Intended to be wrapped in a
// workerctl.Task with a several-minute interval.
func (c *CleanupTask) Tick(ctx context.Context) error {
	return c.store.Sweep(ctx)
}

// Watch runs the fsnotify-triggered supplementary sweeps until ctx is
// cancelled. No-op if the watcher failed to initialize.
func (c *CleanupTask) Watch(ctx context.Context) {
	if c.watcher == nil {
		return
	}
	defer func() { _ = c.watcher.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if err := c.store.Sweep(ctx); err != nil {
				c.log.Warn("turn state sweep failed", "error", err)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.log.Warn("turn state watcher error", "error", err)
		}
	}
}
