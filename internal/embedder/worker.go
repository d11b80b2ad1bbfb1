package embedder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/cmemd/cmemd/internal/model"
	"github.com/cmemd/cmemd/internal/outbox"
	"github.com/cmemd/cmemd/internal/store"
	"github.com/cmemd/cmemd/internal/vectorindex"
)

// Worker drains pending outbox jobs of kind event, embeds their content,
// and upserts the result into the vector index (jobs of any other kind are
// marked failed) — the C4
// embedding worker of spec.md §4.4, wired against the C2 event log, C3
// outbox, and C5 vector index.
type Worker struct {
	embedder   Embedder
	outbox     *outbox.Store
	events     *store.Store
	index      *vectorindex.Index
	batchSize  int
	maxRetries int
	log        *slog.Logger
}

func NewWorker(emb Embedder, ob *outbox.Store, events *store.Store, index *vectorindex.Index, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		embedder:   emb,
		outbox:     ob,
		events:     events,
		index:      index,
		batchSize:  32,
		maxRetries: 3,
		log:        log,
	}
}

// Tick claims one batch of pending jobs and processes each, suitable as a
// workerctl.Task.Tick callback.
func (w *Worker) Tick(ctx context.Context) error {
	if !w.embedder.Available(ctx) {
		w.log.Warn("embedding backend unavailable, skipping tick", "backend", w.embedder.Version())
		return nil
	}

	if _, err := w.outbox.RequeueStuckProcessing(ctx, 5*time.Minute); err != nil {
		w.log.Error("requeue stuck outbox jobs failed", "error", err)
	}

	jobs, err := w.outbox.ClaimBatch(ctx, w.batchSize)
	if err != nil {
		return fmt.Errorf("claim outbox batch: %w", err)
	}

	for _, job := range jobs {
		if err := w.processJob(ctx, job); err != nil {
			w.log.Error("embedding job failed", "job_id", job.JobID, "item_id", job.ItemID, "error", err)
			if markErr := w.outbox.MarkFailed(ctx, job.JobID, err, w.maxRetries); markErr != nil {
				w.log.Error("mark job failed errored", "job_id", job.JobID, "error", markErr)
			}
			continue
		}
		if err := w.outbox.MarkDone(ctx, job.JobID); err != nil {
			w.log.Error("mark job done errored", "job_id", job.JobID, "error", err)
		}
	}
	return nil
}

func (w *Worker) processJob(ctx context.Context, job model.OutboxJob) error {
	switch job.ItemKind {
	case model.ItemKindEvent:
		return w.embedEvent(ctx, job.ItemID)
	default:
		return fmt.Errorf("embedding worker does not handle item kind %q", job.ItemKind)
	}
}

func (w *Worker) embedEvent(ctx context.Context, eventID string) error {
	ev, err := w.events.GetEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("load event %s: %w", eventID, err)
	}

	vec, err := w.embedder.Embed(ctx, embeddingContent(ev))
	if err != nil {
		return fmt.Errorf("embed event %s: %w", eventID, err)
	}

	return w.index.Upsert(ctx, model.VectorRecord{
		EventID:   ev.ID,
		SessionID: ev.SessionID,
		EventType: ev.EventType,
		Content:   ev.Content,
		Vector:    vec,
		Timestamp: ev.Timestamp,
		Metadata:  ev.Metadata,
	})
}

// toolObservationPayload is the structured shape a tool_observation event's
// content carries: the tool invoked, its target, and whether it succeeded.
type toolObservationPayload struct {
	ToolName string `json:"tool_name"`
	File     string `json:"file"`
	Command  string `json:"command"`
	Pattern  string `json:"pattern"`
	URL      string `json:"url"`
	Success  *bool  `json:"success"`
}

// embeddingContent derives what actually gets embedded for an event. A
// tool_observation's raw content is a JSON tool-call record, not prose, so it
// is reduced to a short descriptive line (tool name, file/command/pattern/URL
// host, success flag) before embedding rather than embedding the JSON
// verbatim (spec.md step 2). Every other event type embeds its content
// as-is.
func embeddingContent(ev model.Event) string {
	if ev.EventType != model.EventToolObservation {
		return ev.Content
	}

	var payload toolObservationPayload
	if err := json.Unmarshal([]byte(ev.Content), &payload); err != nil {
		return ev.Content
	}

	var target string
	switch {
	case payload.File != "":
		target = payload.File
	case payload.Command != "":
		target = payload.Command
	case payload.Pattern != "":
		target = payload.Pattern
	case payload.URL != "":
		target = urlHost(payload.URL)
	}

	var parts []string
	if payload.ToolName != "" {
		parts = append(parts, payload.ToolName)
	}
	if target != "" {
		parts = append(parts, target)
	}
	if payload.Success != nil {
		if *payload.Success {
			parts = append(parts, "succeeded")
		} else {
			parts = append(parts, "failed")
		}
	}
	if len(parts) == 0 {
		return ev.Content
	}
	return strings.Join(parts, " ")
}

func urlHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}
