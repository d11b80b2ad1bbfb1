// Package project bundles one project's event log, working set,
// consolidator, retriever, helpfulness tracker, and optional replicator
// into a single Engine, and caches one Engine per project under a
// process-wide Manager — the global-state singleton Design Notes §9
// calls out (a process-wide map of *Engine keyed by 8-hex project hash,
// guarded by a mutex, with an explicit shutdown that closes every
// engine).
package project

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/cmemd/cmemd/internal/canon"
	"github.com/cmemd/cmemd/internal/config"
	"github.com/cmemd/cmemd/internal/consolidator"
	"github.com/cmemd/cmemd/internal/embedder"
	"github.com/cmemd/cmemd/internal/helpfulness"
	"github.com/cmemd/cmemd/internal/outbox"
	"github.com/cmemd/cmemd/internal/replicator"
	"github.com/cmemd/cmemd/internal/retriever"
	"github.com/cmemd/cmemd/internal/shared"
	"github.com/cmemd/cmemd/internal/store"
	"github.com/cmemd/cmemd/internal/turnstate"
	"github.com/cmemd/cmemd/internal/vectorindex"
	"github.com/cmemd/cmemd/internal/workingset"
)

// Engine bundles every per-project component (C2-C8, C10, C11) behind one
// handle, plus an optional C9 Replicator when replication.toml is present.
type Engine struct {
	Hash        string
	StoragePath string

	Events       *store.Store
	Vectors      *vectorindex.Index
	Outbox       *outbox.Store
	Embedder     embedder.Embedder
	EmbedWorker  *embedder.Worker
	Retriever    *retriever.Retriever
	WorkingSet   *workingset.Set
	Consolidator *consolidator.Consolidator
	Helpfulness  *helpfulness.Tracker
	Replicator   *replicator.Replicator

	// Shared is the machine-wide C12 knowledge store (spec.md §4.12),
	// opened once by the Manager and shared by every project's Engine —
	// it is not owned or closed by the Engine itself.
	Shared *shared.Store

	log *slog.Logger
}

// Log returns the Engine's logger, always non-nil.
func (e *Engine) Log() *slog.Logger { return e.log }

// Close releases every resource the engine holds. The embedding vector
// index shares the event log's *sql.DB, so only Events.Close is needed.
func (e *Engine) Close() error {
	if e.Replicator != nil {
		_ = e.Replicator.Close(context.Background())
	}
	return e.Events.Close()
}

// OpenEngine constructs a fully-wired Engine rooted at storageDir
// (<memory root>/projects/<hash>), creating the directory tree if
// necessary. It does not start any background workers — callers (cmemd's
// daemon loop, or a one-shot cmemctl command) decide whether to run
// workerctl.Task.Run against the returned components.
func OpenEngine(ctx context.Context, hash, storageDir string, sharedStore *shared.Store, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(storageDir, "vectors"), 0o755); err != nil {
		return nil, fmt.Errorf("create project storage dir %s: %w", storageDir, err)
	}

	eventsPath := filepath.Join(storageDir, "events.sqlite")
	events, err := store.Open(ctx, eventsPath, log)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	vec, err := vectorindex.Open(ctx, events.DB())
	if err != nil {
		_ = events.Close()
		return nil, fmt.Errorf("open vector index: %w", err)
	}

	ob := outbox.New(events.DB())

	emb, err := newEmbedder()
	if err != nil {
		// An unreachable embedding backend degrades retrieval to the
		// keyword path rather than failing the whole engine open
		// (spec.md §4.4: embedding failures never block ingest).
		log.Warn("embedder unavailable, continuing keyword-only", "error", err)
		emb = nil
	}

	ws := workingset.New(events.DB(), 0, 0)
	cons := consolidator.New(events.DB(), events, ws)
	if config.GetBool("consolidator.llm_enabled") {
		if llm, llmErr := consolidator.NewLLMSummarizer(""); llmErr == nil {
			cons = cons.WithLLMSummarizer(llm)
		} else {
			log.Debug("LLM summarizer disabled", "error", llmErr)
		}
	}

	eng := &Engine{
		Hash:         hash,
		StoragePath:  storageDir,
		Events:       events,
		Vectors:      vec,
		Outbox:       ob,
		Embedder:     emb,
		Retriever:    retriever.New(events, vec, emb),
		WorkingSet:   ws,
		Consolidator: cons,
		Helpfulness:  helpfulness.New(events.DB()),
		Shared:       sharedStore,
		log:          log,
	}
	if emb != nil {
		eng.EmbedWorker = embedder.NewWorker(emb, ob, events, vec, log)
	}

	if rc, ok, rcErr := loadReplicationConfig(storageDir); rcErr == nil && ok {
		repl, connErr := replicator.Connect(ctx, replicator.Config{
			URI:         rc.URI,
			Database:    rc.Database,
			ProjectKey:  rc.ProjectKey,
			Direction:   replicator.Direction(rc.Direction),
			BatchSize:   config.GetInt("replication.batch_size"),
			Hostname:    hostnameOrUnknown(),
			InstanceID:  hash,
		}, events)
		if connErr != nil {
			log.Warn("replication configured but unreachable", "error", connErr)
		} else {
			eng.Replicator = repl
		}
	} else if rcErr != nil {
		log.Warn("failed to read replication config", "error", rcErr)
	}

	return eng, nil
}

func newEmbedder() (embedder.Embedder, error) {
	switch config.GetString("embedder.backend") {
	case "remote":
		url := config.GetString("embedder.remote_url")
		if url == "" {
			return nil, fmt.Errorf("embedder.backend=remote requires embedder.remote_url")
		}
		return embedder.NewRemoteEmbedder(url, os.Getenv("CLAUDE_MEMORY_EMBEDDER_API_KEY"), config.GetString("embedder.model")), nil
	default:
		return embedder.NewOllamaEmbedder(config.GetString("embedder.ollama_model"))
	}
}

func hostnameOrUnknown() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// Manager is the process-wide cache of open Engines, one per project hash,
// guarded by a mutex per Design Notes §9.
type Manager struct {
	mu      sync.Mutex
	engines map[string]*Engine
	root    string
	log     *slog.Logger

	// TurnState is shared across every project: spec.md §6 places
	// .turn-state-<session_id>.json at the memory root, not per-project.
	TurnState *turnstate.Store
	Registry  *SessionRegistry

	// Shared is the single machine-wide C12 knowledge store, opened once
	// here and handed to every Engine Acquire opens (spec.md §4.12).
	Shared *shared.Store
}

// NewManager builds a Manager rooted at <home>/.claude/memory.
func NewManager(memoryRoot string, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(memoryRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create memory root %s: %w", memoryRoot, err)
	}
	registry, err := NewSessionRegistry(memoryRoot)
	if err != nil {
		return nil, err
	}

	// The shared store is host-level, not project-scoped, so it's opened
	// once here rather than per Engine. It runs keyword-only (no
	// embedder) since no single project's embedder.backend config should
	// govern a store every project promotes into.
	sharedStore, err := shared.Open(context.Background(), filepath.Join(memoryRoot, "shared.sqlite"), nil)
	if err != nil {
		return nil, fmt.Errorf("open shared knowledge store: %w", err)
	}

	return &Manager{
		engines:   make(map[string]*Engine),
		root:      memoryRoot,
		log:       log,
		TurnState: turnstate.New(memoryRoot),
		Registry:  registry,
		Shared:    sharedStore,
	}, nil
}

// Log returns the Manager's logger, always non-nil.
func (m *Manager) Log() *slog.Logger { return m.log }

// Acquire returns the cached Engine for projectPath, opening it on first
// use. Concurrent callers for the same project path receive the same
// Engine instance.
func (m *Manager) Acquire(ctx context.Context, projectPath string) (*Engine, error) {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return nil, fmt.Errorf("resolve project path %s: %w", projectPath, err)
	}
	hash := canon.ProjectHash(abs)

	m.mu.Lock()
	defer m.mu.Unlock()

	if eng, ok := m.engines[hash]; ok {
		return eng, nil
	}

	storageDir := filepath.Join(m.root, "projects", hash)
	if err := config.Initialize(storageDir); err != nil {
		return nil, fmt.Errorf("load config for project %s: %w", hash, err)
	}

	eng, err := OpenEngine(ctx, hash, storageDir, m.Shared, m.log)
	if err != nil {
		return nil, err
	}
	m.engines[hash] = eng
	return eng, nil
}

// AcquireForSession is Acquire plus registering sessionID against the
// resolved project in the session registry — the path the hook ingest
// protocol uses (spec.md §6), so later lookups by session id alone (e.g. a
// turn-state sweep) can find the right project without the caller
// repeating its cwd.
func (m *Manager) AcquireForSession(ctx context.Context, sessionID, projectPath string) (*Engine, error) {
	eng, err := m.Acquire(ctx, projectPath)
	if err != nil {
		return nil, err
	}
	if sessionID != "" {
		abs, _ := filepath.Abs(projectPath)
		if err := m.Registry.Register(sessionID, abs, eng.Hash); err != nil {
			m.log.Warn("session registry update failed", "session_id", sessionID, "error", err)
		}
	}
	return eng, nil
}

// Shutdown closes every cached engine. Errors are collected but do not
// stop later engines from being closed.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for hash, eng := range m.engines {
		if err := eng.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close engine %s: %w", hash, err)
		}
		delete(m.engines, hash)
	}
	if m.Shared != nil {
		if err := m.Shared.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close shared knowledge store: %w", err)
		}
	}
	return firstErr
}
