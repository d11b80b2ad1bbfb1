// Package replicator implements C9: optional, per-project, bidirectional
// sync of the event log against a remote MongoDB-backed log (spec.md
// §4.9). Push allocates a contiguous seq range from an atomic counter
// document and upserts events idempotently; pull pages through remote
// events ordered by seq and replays them via import_events.
package replicator

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cmemd/cmemd/internal/canon"
	"github.com/cmemd/cmemd/internal/cmemerr"
	"github.com/cmemd/cmemd/internal/model"
	"github.com/cmemd/cmemd/internal/store"
)

// Direction controls which loops a Replicator runs.
type Direction string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
	DirectionBoth Direction = "both"
)

const (
	cursorTargetPush = "push"
	cursorTargetPull = "pull"
	defaultBatchSize = 100
)

// Replicator owns the remote MongoDB collections and the local event log.
type Replicator struct {
	client     *mongo.Client
	counters   *mongo.Collection
	events     *mongo.Collection
	local      *store.Store
	projectKey string
	direction  Direction
	batchSize  int
	hostname   string
	instanceID string
}

// Config configures a Replicator. URI may embed credentials; these are
// always redacted before logging (spec.md §4.9).
type Config struct {
	URI        string
	Database   string
	ProjectKey string
	Direction  Direction
	BatchSize  int
	Hostname   string
	InstanceID string
}

// Connect dials the remote MongoDB deployment and ensures the indices the
// push/pull loops depend on exist.
func Connect(ctx context.Context, cfg Config, local *store.Store) (*Replicator, error) {
	if cfg.ProjectKey == "" {
		return nil, cmemerr.New(cmemerr.KindInputInvalid, "project_key is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := mongo.Connect(dialCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, cmemerr.Wrap(cmemerr.KindTransient, "connect to remote log", err)
	}
	if err := client.Ping(dialCtx, nil); err != nil {
		return nil, cmemerr.Wrap(cmemerr.KindTransient, "ping remote log", err)
	}

	db := client.Database(cfg.Database)
	counters := db.Collection("cml_counters")
	events := db.Collection("cml_events")

	if _, err := events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "project_key", Value: 1}, {Key: "seq", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "project_key", Value: 1}, {Key: "event_id", Value: 1}}, Options: options.Index().SetUnique(true)},
	}); err != nil {
		return nil, cmemerr.Wrap(cmemerr.KindTransient, "create remote indices", err)
	}

	direction := cfg.Direction
	if direction == "" {
		direction = DirectionBoth
	}

	return &Replicator{
		client:     client,
		counters:   counters,
		events:     events,
		local:      local,
		projectKey: cfg.ProjectKey,
		direction:  direction,
		batchSize:  cfg.BatchSize,
		hostname:   cfg.Hostname,
		instanceID: cfg.InstanceID,
	}, nil
}

func (r *Replicator) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}

// Tick runs one push and/or pull iteration, for use as a workerctl.Task.
func (r *Replicator) Tick(ctx context.Context) error {
	if r.direction == DirectionPush || r.direction == DirectionBoth {
		if err := r.Push(ctx); err != nil {
			return fmt.Errorf("push: %w", err)
		}
	}
	if r.direction == DirectionPull || r.direction == DirectionBoth {
		if err := r.Pull(ctx); err != nil {
			return fmt.Errorf("pull: %w", err)
		}
	}
	return nil
}

type remoteCounter struct {
	Key   string `bson:"_id"`
	Value int64  `bson:"value"`
}

// allocateSeqRange atomically increments the project's remote counter by n
// and returns the counter's value before the increment, so the allocated
// seqs are start+1 through start+n, via findAndModify-equivalent
// FindOneAndUpdate with $inc.
func (r *Replicator) allocateSeqRange(ctx context.Context, n int64) (int64, error) {
	var result remoteCounter
	err := r.counters.FindOneAndUpdate(
		ctx,
		bson.M{"_id": r.projectKey},
		bson.M{"$inc": bson.M{"value": n}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&result)
	if err != nil {
		return 0, cmemerr.Wrap(cmemerr.KindTransient, "allocate remote seq range", err)
	}
	return result.Value - n, nil
}

// Push reads local events past the push cursor, allocates a remote seq
// range, and upserts them idempotently via $setOnInsert.
func (r *Replicator) Push(ctx context.Context) error {
	cursor, err := r.localCursor(ctx, cursorTargetPush)
	if err != nil {
		return err
	}

	events, err := r.local.EventsSince(ctx, cursor, r.batchSize)
	if err != nil {
		return fmt.Errorf("read local events since %d: %w", cursor, err)
	}
	if len(events) == 0 {
		return nil
	}

	startSeq, err := r.allocateSeqRange(ctx, int64(len(events)))
	if err != nil {
		return err
	}

	for i, ev := range events {
		seq := startSeq + int64(i) + 1
		doc := model.RemoteEventDocument{
			ProjectKey:   r.projectKey,
			Seq:          seq,
			EventID:      ev.ID,
			EventType:    ev.EventType,
			SessionID:    ev.SessionID,
			TurnID:       ev.TurnID,
			Timestamp:    ev.Timestamp,
			Content:      ev.Content,
			CanonicalKey: ev.CanonicalKey,
			DedupeKey:    ev.DedupeKey,
			Metadata:     ev.Metadata,
			Source:       model.RemoteSource{Hostname: r.hostname, InstanceID: r.instanceID},
		}
		_, err := r.events.UpdateOne(ctx,
			bson.M{"project_key": r.projectKey, "event_id": ev.ID},
			bson.M{"$setOnInsert": doc},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return cmemerr.Wrap(cmemerr.KindTransient, fmt.Sprintf("upsert remote event %s", ev.ID), err)
		}
	}

	lastRowid := events[len(events)-1].Rowid
	return r.advanceCursor(ctx, cursorTargetPush, lastRowid, events[len(events)-1].Timestamp)
}

// Pull reads remote events past the pull cursor, ordered by seq, and
// replays them into the local log via ImportEvents.
func (r *Replicator) Pull(ctx context.Context) error {
	cursor, err := r.localCursor(ctx, cursorTargetPull)
	if err != nil {
		return err
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "seq", Value: 1}}).
		SetLimit(int64(r.batchSize))
	filter := bson.M{"project_key": r.projectKey, "seq": bson.M{"$gt": cursor}}

	cur, err := r.events.Find(ctx, filter, findOpts)
	if err != nil {
		return cmemerr.Wrap(cmemerr.KindTransient, "query remote events", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var remoteDocs []model.RemoteEventDocument
	for cur.Next(ctx) {
		var doc model.RemoteEventDocument
		if err := cur.Decode(&doc); err != nil {
			return fmt.Errorf("decode remote event: %w", err)
		}
		remoteDocs = append(remoteDocs, doc)
	}
	if err := cur.Err(); err != nil {
		return cmemerr.Wrap(cmemerr.KindTransient, "iterate remote events", err)
	}
	if len(remoteDocs) == 0 {
		return nil
	}

	events := make([]model.Event, 0, len(remoteDocs))
	var maxSeq int64
	for _, doc := range remoteDocs {
		events = append(events, model.Event{
			ID:           doc.EventID,
			EventType:    doc.EventType,
			SessionID:    doc.SessionID,
			TurnID:       doc.TurnID,
			Timestamp:    doc.Timestamp,
			Content:      doc.Content,
			CanonicalKey: doc.CanonicalKey,
			DedupeKey:    doc.DedupeKey,
			Metadata:     doc.Metadata,
		})
		if doc.Seq > maxSeq {
			maxSeq = doc.Seq
		}
	}

	projectCtx := &canon.Context{}
	if _, _, err := r.local.ImportEvents(ctx, events, projectCtx); err != nil {
		return fmt.Errorf("import remote events: %w", err)
	}

	return r.advanceCursor(ctx, cursorTargetPull, maxSeq, time.Now())
}

func (r *Replicator) localCursor(ctx context.Context, target string) (int64, error) {
	var pos model.SyncPosition
	row := r.local.DB().QueryRowContext(ctx, `
		SELECT last_event_cursor FROM sync_positions WHERE target_name = ?
	`, target+":"+r.projectKey)
	if err := row.Scan(&pos.LastEventCursor); err != nil {
		return 0, nil // no cursor yet; start from 0
	}
	return pos.LastEventCursor, nil
}

func (r *Replicator) advanceCursor(ctx context.Context, target string, cursor int64, ts time.Time) error {
	name := target + ":" + r.projectKey
	_, err := r.local.DB().ExecContext(ctx, `
		INSERT INTO sync_positions (target_name, last_event_cursor, last_timestamp, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (target_name) DO UPDATE SET
			last_event_cursor = excluded.last_event_cursor,
			last_timestamp = excluded.last_timestamp,
			updated_at = excluded.updated_at
	`, name, cursor, ts, time.Now())
	if err != nil {
		return fmt.Errorf("advance %s cursor: %w", target, err)
	}
	return nil
}

// RedactURI strips userinfo credentials from a MongoDB URI before logging,
// per spec.md §4.9: "credentials embedded in URIs must be redacted in
// logs."
func RedactURI(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "[unparseable URI]"
	}
	if parsed.User != nil {
		parsed.User = url.UserPassword("redacted", "redacted")
	}
	return parsed.String()
}
