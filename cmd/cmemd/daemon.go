package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cmemd/cmemd/internal/config"
	"github.com/cmemd/cmemd/internal/consolidator"
	"github.com/cmemd/cmemd/internal/project"
	"github.com/cmemd/cmemd/internal/turnstate"
	"github.com/cmemd/cmemd/internal/workerctl"
)

// runDaemon starts the background cooperative tasks for every project the
// session registry already knows about, and keeps running until signaled,
// following the teacher's daemon_event_loop.go signal-driven shutdown shape.
func runDaemon(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr, err := newManager()
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Shutdown() }()

	sessions, err := mgr.Registry.All()
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	group, gctx := errgroup.WithContext(ctx)

	cleanupTask, err := turnstate.NewCleanupTask(mgr.TurnState, mgr.Log())
	if err != nil {
		mgr.Log().Warn("turn-state cleanup watcher unavailable", "error", err)
	} else {
		group.Go(func() error {
			cleanupTask.Watch(gctx)
			return nil
		})
		group.Go(func() error {
			return (&workerctl.Task{Name: "turnstate-cleanup", Interval: time.Minute, Tick: cleanupTask.Tick}).Run(gctx, mgr.Log())
		})
	}

	for _, rec := range sessions {
		if seen[rec.ProjectHash] {
			continue
		}
		seen[rec.ProjectHash] = true

		eng, err := mgr.Acquire(ctx, rec.ProjectPath)
		if err != nil {
			mgr.Log().Error("failed to acquire project at startup", "project_path", rec.ProjectPath, "error", err)
			continue
		}
		for _, task := range engineTasks(eng) {
			task := task
			group.Go(func() error { return task.Run(gctx, mgr.Log()) })
		}
	}

	mgr.Log().Info("cmemd daemon started", "projects", len(seen))
	return group.Wait()
}

// engineTasks builds the workerctl.Task set for one engine's cooperative
// background work (spec.md §5): embedding, consolidation, replication, and
// helpfulness evaluation.
func engineTasks(eng *project.Engine) []*workerctl.Task {
	var tasks []*workerctl.Task

	if eng.EmbedWorker != nil {
		tasks = append(tasks, &workerctl.Task{
			Name:     "embed-" + eng.Hash,
			Interval: orDefault(config.GetDuration("embedder.tick_interval"), 10*time.Second),
			Tick:     eng.EmbedWorker.Tick,
		})
	}

	tasks = append(tasks, &workerctl.Task{
		Name:     "outbox-maintenance-" + eng.Hash,
		Interval: orDefault(config.GetDuration("outbox.maintenance_interval"), 30*time.Minute),
		Tick: func(ctx context.Context) error {
			maxRetries := config.GetInt("embedder.max_retries")
			if maxRetries <= 0 {
				maxRetries = 3
			}
			if _, err := eng.Outbox.ReclaimFailedBelowMaxRetries(ctx, maxRetries); err != nil {
				return fmt.Errorf("reclaim failed outbox jobs: %w", err)
			}
			retention := config.GetDuration("outbox.retention")
			if retention <= 0 {
				retention = 7 * 24 * time.Hour
			}
			if _, err := eng.Outbox.Cleanup(ctx, retention); err != nil {
				return fmt.Errorf("cleanup done outbox jobs: %w", err)
			}
			return nil
		},
	})

	tasks = append(tasks, &workerctl.Task{
		Name:     "consolidate-" + eng.Hash,
		Interval: orDefault(config.GetDuration("consolidator.interval"), 15*time.Minute),
		Tick:     consolidateTick(eng),
	})

	tasks = append(tasks, &workerctl.Task{
		Name:     "helpfulness-" + eng.Hash,
		Interval: 5 * time.Minute,
		Tick: func(ctx context.Context) error {
			_, err := eng.Helpfulness.Sweep(ctx, eng.Events, 10*time.Minute)
			return err
		},
	})

	if eng.Replicator != nil {
		tasks = append(tasks, &workerctl.Task{
			Name:     "replicate-" + eng.Hash,
			Interval: orDefault(config.GetDuration("replication.interval"), 30*time.Second),
			Tick:     eng.Replicator.Tick,
		})
	}

	for _, t := range tasks {
		if t.Interval <= 0 {
			t.Interval = time.Minute
		}
	}
	return tasks
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// consolidateTick builds the consolidation task's Tick function, gating each
// firing behind Consolidator.ShouldRun (spec.md §4.8) instead of running
// unconditionally on every interval tick. lastRun is captured by the closure
// and starts zero-valued, so the elapsed-interval trigger fires on the first
// tick whenever the working set is non-empty.
func consolidateTick(eng *project.Engine) func(ctx context.Context) error {
	var lastRun time.Time
	return func(ctx context.Context) error {
		triggers := consolidator.Triggers{
			ElapsedIntervalMs: orDefault(config.GetDuration("consolidator.interval"), 15*time.Minute).Milliseconds(),
			EventCountTrigger: config.GetInt("consolidator.event_count_trigger"),
			IdleMs:            orDefault(config.GetDuration("consolidator.idle_trigger"), 5*time.Minute).Milliseconds(),
		}
		should, err := eng.Consolidator.ShouldRun(ctx, triggers, lastRun)
		if err != nil {
			return fmt.Errorf("check consolidation triggers: %w", err)
		}
		if !should {
			return nil
		}
		if _, err := eng.Consolidator.Run(ctx); err != nil {
			return err
		}
		lastRun = time.Now()
		return nil
	}
}
