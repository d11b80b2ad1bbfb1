package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cmemd/cmemd/internal/cmemerr"
	"github.com/cmemd/cmemd/internal/model"
)

// StartSession creates a new session row, generating an id if none is set.
func (s *Store) StartSession(ctx context.Context, sess model.Session) (model.Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = now()
	}
	tagsJSON, err := marshalTags(sess.Tags)
	if err != nil {
		return model.Session{}, cmemerr.Wrap(cmemerr.KindInputInvalid, "marshal session tags", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, started_at, project_path, summary, tags)
		VALUES (?, ?, ?, ?, ?)
	`, sess.ID, sess.StartedAt, sess.ProjectPath, sess.Summary, tagsJSON)
	if err != nil {
		return model.Session{}, fmt.Errorf("insert session %s: %w", sess.ID, err)
	}
	return sess, nil
}

// EndSession marks a session terminal, recording its closing summary.
func (s *Store) EndSession(ctx context.Context, sessionID, summary string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET ended_at = ?, summary = ? WHERE id = ? AND ended_at IS NULL
	`, now(), summary, sessionID)
	if err != nil {
		return fmt.Errorf("end session %s: %w", sessionID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return cmemerr.ErrSessionNotFound
	}
	return nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (model.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, ended_at, project_path, summary, tags FROM sessions WHERE id = ?
	`, id)

	var (
		sess     model.Session
		endedAt  sql.NullTime
		tagsJSON string
	)
	err := row.Scan(&sess.ID, &sess.StartedAt, &endedAt, &sess.ProjectPath, &sess.Summary, &tagsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, cmemerr.ErrSessionNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	tags, err := unmarshalTags(tagsJSON)
	if err != nil {
		return model.Session{}, fmt.Errorf("unmarshal tags for session %s: %w", id, err)
	}
	sess.Tags = tags
	return sess, nil
}

// eventsFTSTriggers rebuilds the events_fts maintenance triggers exactly as
// migrateEventsFTS creates them, so DeleteSessionEvents can drop them for the
// bulk delete and recreate them afterward without drifting from the schema
// the migration owns.
var eventsFTSTriggers = []string{
	`CREATE TRIGGER events_ai AFTER INSERT ON events BEGIN
		INSERT INTO events_fts(rowid, content, canonical_key)
		VALUES (new.rowid, new.content, new.canonical_key);
	END`,
	`CREATE TRIGGER events_ad AFTER DELETE ON events BEGIN
		INSERT INTO events_fts(events_fts, rowid, content, canonical_key)
		VALUES ('delete', old.rowid, old.content, old.canonical_key);
	END`,
	`CREATE TRIGGER events_au AFTER UPDATE ON events BEGIN
		INSERT INTO events_fts(events_fts, rowid, content, canonical_key)
		VALUES ('delete', old.rowid, old.content, old.canonical_key);
		INSERT INTO events_fts(rowid, content, canonical_key)
		VALUES (new.rowid, new.content, new.canonical_key);
	END`,
}

// DeleteSessionEvents wipes every event belonging to a session, for
// privacy-motivated forgetting: dependent working_set rows cascade via their
// foreign key, outbox jobs queued for those events are deleted explicitly
// (item_id isn't a foreign key, since outbox jobs also reference non-event
// items), and the FTS index is rebuilt under disabled maintenance triggers
// rather than paying the per-row trigger cost on a bulk delete. The whole
// wipe runs inside one BEGIN IMMEDIATE transaction (serialized against every
// other writer on this database), so a crash mid-wipe leaves the prior state
// intact instead of a partially-deleted session. The session row itself is
// left intact as a tombstone of the conversation having happened.
func (s *Store) DeleteSessionEvents(ctx context.Context, sessionID string) (int64, error) {
	var affected int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, name := range []string{"events_ai", "events_ad", "events_au"} {
			if _, err := tx.ExecContext(ctx, `DROP TRIGGER IF EXISTS `+name); err != nil {
				return fmt.Errorf("drop trigger %s: %w", name, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM outbox_jobs
			WHERE item_kind = 'event' AND item_id IN (SELECT id FROM events WHERE session_id = ?)
		`, sessionID); err != nil {
			return fmt.Errorf("delete outbox jobs for session %s: %w", sessionID, err)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE session_id = ?`, sessionID)
		if err != nil {
			return fmt.Errorf("delete events for session %s: %w", sessionID, err)
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO events_fts(events_fts) VALUES('rebuild')`); err != nil {
			return fmt.Errorf("rebuild events_fts: %w", err)
		}

		for _, stmt := range eventsFTSTriggers {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("recreate events_fts trigger: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func marshalTags(tags []string) (string, error) {
	if tags == nil {
		return "[]", nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalTags(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return []string{}, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(s), &tags); err != nil {
		return nil, err
	}
	return tags, nil
}
