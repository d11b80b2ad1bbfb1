// Package model defines the durable and derived data types shared across the
// engine's components (spec.md §3).
package model

import "time"

// EventType enumerates the four kinds of chat event the log accepts.
type EventType string

const (
	EventUserPrompt      EventType = "user_prompt"
	EventAgentResponse   EventType = "agent_response"
	EventToolObservation EventType = "tool_observation"
	EventSessionSummary  EventType = "session_summary"
)

// Valid reports whether t is one of the four known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventUserPrompt, EventAgentResponse, EventToolObservation, EventSessionSummary:
		return true
	default:
		return false
	}
}

// Event is the immutable unit of the append-only log.
type Event struct {
	ID            string
	EventType     EventType
	SessionID     string
	TurnID        string // optional; empty when ungrouped
	Timestamp     time.Time
	Content       string
	CanonicalKey  string
	DedupeKey     string
	Metadata      map[string]string
	Rowid         int64
	AccessCount   int
}

// Session tracks one conversation's lifecycle.
type Session struct {
	ID          string
	StartedAt   time.Time
	EndedAt     *time.Time
	ProjectPath string
	Summary     string
	Tags        []string
}

// Terminal reports whether the session has been ended.
func (s *Session) Terminal() bool { return s.EndedAt != nil }

// OutboxItemKind enumerates the kinds of artifact the outbox can derive.
type OutboxItemKind string

const (
	ItemKindEvent      OutboxItemKind = "event"
	ItemKindEntry      OutboxItemKind = "entry"
	ItemKindTaskTitle  OutboxItemKind = "task_title"
)

// OutboxStatus is the job state-machine's current state.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxDone       OutboxStatus = "done"
	OutboxFailed     OutboxStatus = "failed"
)

// OutboxJob is one unit of derivation work queued transactionally alongside
// an event/entry/task_title write.
type OutboxJob struct {
	JobID            int64
	ItemKind         OutboxItemKind
	ItemID           string
	EmbeddingVersion string
	Status           OutboxStatus
	RetryCount       int
	Error            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	// NextAttemptAt gates when a failed-then-reclaimed job becomes eligible
	// for another ClaimBatch pass, per the outbox's exponential backoff.
	NextAttemptAt time.Time
}

// VectorRecord is one embedded event stored in the ANN index.
type VectorRecord struct {
	ID        string
	EventID   string
	SessionID string
	EventType EventType
	Content   string
	Vector    []float32
	Timestamp time.Time
	Metadata  map[string]string
}

// SyncPosition tracks a replication cursor for one named target.
type SyncPosition struct {
	TargetName      string
	LastEventCursor int64
	LastTimestamp   time.Time
	UpdatedAt       time.Time
}

// TurnState is the ephemeral per-session turn-id link written by C10,
// persisted as `.turn-state-<session_id>.json` under the memory home.
type TurnState struct {
	TurnID    string    `json:"turn_id"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// TurnSummary aggregates the events sharing one turn_id.
type TurnSummary struct {
	TurnID      string
	EventCount  int
	HasResponse bool
}

// WorkingSetItem is one entry in the bounded, TTL-gated active window.
type WorkingSetItem struct {
	ID        int64
	EventID   string
	AddedAt   time.Time
	Relevance float64
	Topics    []string
	ExpiresAt time.Time
}

// ConsolidatedMemory is a rule-based summary over a topically-grouped batch
// of working-set events.
type ConsolidatedMemory struct {
	MemoryID     string
	Summary      string
	Topics       []string
	SourceEvents []string
	Confidence   float64
	CreatedAt    time.Time
	AccessedAt   *time.Time
	AccessCount  int
}

// ConsolidatedRule is a stable promotion of a high-confidence consolidated
// memory (confidence >= 0.55, >= 4 sources).
type ConsolidatedRule struct {
	RuleID     string
	MemoryID   string
	Summary    string
	Topics     []string
	PromotedAt time.Time
}

// HelpfulnessRecord tracks one retrieval's post-hoc utility.
type HelpfulnessRecord struct {
	ID                  int64
	EventID             string
	SessionID           string
	RetrievalScore      float64
	QueryPreview        string
	SessionContinued    bool
	PromptCountAfter    int
	ToolSuccessRatio    float64
	WasReasked          bool
	HelpfulnessScore    float64
	MeasuredAt          *time.Time
	RecordedAt          time.Time
}

// RemoteEventDocument is the wire shape of one event replicated to the
// remote log (spec.md §3, §6).
type RemoteEventDocument struct {
	ProjectKey string            `bson:"project_key" json:"project_key"`
	Seq        int64             `bson:"seq" json:"seq"`
	EventID    string            `bson:"event_id" json:"event_id"`
	EventType  EventType         `bson:"event_type" json:"event_type"`
	SessionID  string            `bson:"session_id" json:"session_id"`
	TurnID     string            `bson:"turn_id,omitempty" json:"turn_id,omitempty"`
	Timestamp  time.Time         `bson:"timestamp" json:"timestamp"`
	Content    string            `bson:"content" json:"content"`
	CanonicalKey string          `bson:"canonical_key" json:"canonical_key"`
	DedupeKey  string            `bson:"dedupe_key" json:"dedupe_key"`
	Metadata   map[string]string `bson:"metadata,omitempty" json:"metadata,omitempty"`
	Source     RemoteSource      `bson:"source" json:"source"`
}

// RemoteSource identifies which node pushed a RemoteEventDocument.
type RemoteSource struct {
	Hostname   string `bson:"hostname" json:"hostname"`
	InstanceID string `bson:"instance_id" json:"instance_id"`
}

// SharedTroubleshootingEntry is a cross-project promoted memory (C12).
type SharedTroubleshootingEntry struct {
	ID                string
	Content           string
	CanonicalKey      string
	SourceProjectHash string
	Tags              []string
	UsageCount        int
	CreatedAt         time.Time
}

// WorkerState reports a cooperative background task's current status.
type WorkerState struct {
	Name        string
	Running     bool
	LastTickAt  time.Time
	LastError   string
}
