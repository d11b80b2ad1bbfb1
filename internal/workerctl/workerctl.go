// Package workerctl provides the cooperative background-task abstraction
// shared by every ticking component (embedding worker, consolidator,
// replicator, working-set cleanup): a named task with a start/stop/status
// lifecycle, ticking on its own interval, supervised under one errgroup so
// the daemon can wait on all of them. Tick errors are logged and recorded
// in the task's State; they are not returned to the errgroup.
package workerctl

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cmemd/cmemd/internal/model"
)

// Task is one tick function run on an interval until its context is
// canceled. A non-nil error from Tick is logged and recorded as the
// task's last error, and the task keeps ticking; no error from Tick stops
// the task or its supervisor.
type Task struct {
	Name     string
	Interval time.Duration
	Tick     func(ctx context.Context) error

	running  atomic.Bool
	lastTick atomic.Int64 // unix nanos
	lastErr  atomic.Value // string
}

// Run ticks Tick every Interval until ctx is canceled, following the
// teacher's FileWatcher polling-fallback loop shape (ticker + select on
// ctx.Done()). It returns nil once ctx is canceled and never returns a
// Tick error.
func (t *Task) Run(ctx context.Context, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.lastTick.Store(time.Now().UnixNano())
			if err := t.Tick(ctx); err != nil {
				t.lastErr.Store(err.Error())
				log.Error("worker tick failed", "worker", t.Name, "error", err)
			} else {
				t.lastErr.Store("")
			}
		}
	}
}

// State reports the task's current status for introspection (cmemctl
// status, health endpoints).
func (t *Task) State() model.WorkerState {
	lastErr, _ := t.lastErr.Load().(string)
	nanos := t.lastTick.Load()
	var lastTick time.Time
	if nanos != 0 {
		lastTick = time.Unix(0, nanos)
	}
	return model.WorkerState{
		Name:       t.Name,
		Running:    t.running.Load(),
		LastTickAt: lastTick,
		LastError:  lastErr,
	}
}
