// Package outbox implements the transactional outbox (spec.md §4.3, C3):
// derivation jobs (embed an event, embed an entry, title a task) are queued
// in the same transaction as the row that spawned them, so a job is never
// lost to a crash between the write and the enqueue. A worker claims
// pending jobs, drives them through processing, and settles them to done or
// back to pending (via failed) with backoff between attempts.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cmemd/cmemd/internal/cmemerr"
	"github.com/cmemd/cmemd/internal/model"
)

// Store wraps the outbox_jobs table, sharing the event log's *sql.DB.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store { return &Store{db: db} }

// Enqueue inserts a pending job, idempotent on (item_kind, item_id,
// embedding_version) per the unique index — calling Enqueue twice for the
// same item is a no-op on the second call.
func (s *Store) Enqueue(ctx context.Context, kind model.OutboxItemKind, itemID, embeddingVersion string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox_jobs (item_kind, item_id, embedding_version, status, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', ?, ?)
		ON CONFLICT (item_kind, item_id, embedding_version) DO NOTHING
	`, string(kind), itemID, embeddingVersion, now, now)
	if err != nil {
		return fmt.Errorf("enqueue outbox job for %s %s: %w", kind, itemID, err)
	}
	return nil
}

// ClaimBatch atomically moves up to limit pending jobs to processing and
// returns them, so two worker instances (or a worker racing a crash
// recovery sweep) never double-process the same job.
func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]model.OutboxJob, error) {
	if limit <= 0 {
		return nil, cmemerr.New(cmemerr.KindInputInvalid, "limit must be positive")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT job_id FROM outbox_jobs WHERE status = 'pending' AND next_attempt_at <= ? ORDER BY job_id ASC LIMIT ?
	`, time.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("select pending jobs: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now()
	var jobs []model.OutboxJob
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE outbox_jobs SET status = 'processing', updated_at = ? WHERE job_id = ?
		`, now, id); err != nil {
			return nil, fmt.Errorf("claim job %d: %w", id, err)
		}
		job, err := scanJob(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return jobs, nil
}

// MarkDone settles a job to its terminal success state.
func (s *Store) MarkDone(ctx context.Context, jobID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_jobs SET status = 'done', error = '', updated_at = ? WHERE job_id = ?
	`, time.Now(), jobID)
	if err != nil {
		return fmt.Errorf("mark job %d done: %w", jobID, err)
	}
	return nil
}

// MarkFailed records a failed attempt. Per spec.md §4.3/§7, failed jobs route
// back to pending so a future sweep retries them, gated by an exponential
// backoff (base 5s, factor 2) on next_attempt_at, unless retry_count has
// exceeded maxRetries, in which case the job stays failed as a terminal
// give-up state.
func (s *Store) MarkFailed(ctx context.Context, jobID int64, cause error, maxRetries int) error {
	job, err := scanJob(ctx, s.db, jobID)
	if err != nil {
		return err
	}

	nextStatus := model.OutboxPending
	nextAttempt := time.Now()
	if job.RetryCount+1 > maxRetries {
		nextStatus = model.OutboxFailed
	} else {
		nextAttempt = nextAttempt.Add(retryDelay(job.RetryCount))
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE outbox_jobs SET status = ?, retry_count = retry_count + 1, error = ?, updated_at = ?, next_attempt_at = ?
		WHERE job_id = ?
	`, string(nextStatus), cause.Error(), time.Now(), nextAttempt, jobID)
	if err != nil {
		return fmt.Errorf("mark job %d failed: %w", jobID, err)
	}
	return nil
}

// retryDelay computes the backoff interval before a job's (attempt+1)-th
// retry, driving NewRetryBackoff's unbounded policy forward attempt+1 times.
func retryDelay(attempt int) time.Duration {
	bo := NewRetryBackoff(0).(*backoff.ExponentialBackOff)
	bo.InitialInterval = 5 * time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = bo.NextBackOff()
	}
	return d
}

// ReclaimFailedBelowMaxRetries returns terminal 'failed' jobs to pending when
// they're under a (possibly since-raised) maxRetries ceiling — the second
// half of the reconcile sweep spec.md §4.3 describes, distinct from
// RequeueStuckProcessing's crash recovery.
func (s *Store) ReclaimFailedBelowMaxRetries(ctx context.Context, maxRetries int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_jobs SET status = 'pending', next_attempt_at = ?, updated_at = ?
		WHERE status = 'failed' AND retry_count < ?
	`, time.Now(), time.Now(), maxRetries)
	if err != nil {
		return 0, fmt.Errorf("reclaim failed jobs below max retries: %w", err)
	}
	return res.RowsAffected()
}

// Cleanup removes 'done' jobs older than retention, so outbox_jobs doesn't
// grow unbounded with settled history (spec.md §4.3).
func (s *Store) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox_jobs WHERE status = 'done' AND updated_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup done outbox jobs: %w", err)
	}
	return res.RowsAffected()
}

// Metrics is the per-status job count plus the age of the oldest pending
// job (spec.md §4.3).
type Metrics struct {
	Pending          int
	Processing       int
	Done             int
	Failed           int
	OldestPendingAge time.Duration
}

// Metrics reports counts per status and the oldest pending job's age.
func (s *Store) Metrics(ctx context.Context) (Metrics, error) {
	var m Metrics
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM outbox_jobs WHERE status = 'pending'),
			(SELECT COUNT(*) FROM outbox_jobs WHERE status = 'processing'),
			(SELECT COUNT(*) FROM outbox_jobs WHERE status = 'done'),
			(SELECT COUNT(*) FROM outbox_jobs WHERE status = 'failed')
	`)
	if err := row.Scan(&m.Pending, &m.Processing, &m.Done, &m.Failed); err != nil {
		return Metrics{}, fmt.Errorf("query outbox metrics: %w", err)
	}

	var oldest sql.NullTime
	if err := s.db.QueryRowContext(ctx, `
		SELECT MIN(created_at) FROM outbox_jobs WHERE status = 'pending'
	`).Scan(&oldest); err != nil {
		return Metrics{}, fmt.Errorf("query oldest pending job: %w", err)
	}
	if oldest.Valid {
		m.OldestPendingAge = time.Since(oldest.Time)
	}
	return m, nil
}

// RequeueStuckProcessing moves jobs stuck in 'processing' longer than
// staleAfter back to pending — recovery for a worker that crashed mid-job
// and never reached MarkDone/MarkFailed.
func (s *Store) RequeueStuckProcessing(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleAfter)
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_jobs SET status = 'pending', updated_at = ? WHERE status = 'processing' AND updated_at < ?
	`, time.Now(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stuck jobs: %w", err)
	}
	return res.RowsAffected()
}

// rowScanner abstracts *sql.DB and *sql.Tx for scanJob.
type rowScanner interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanJob(ctx context.Context, q rowScanner, jobID int64) (model.OutboxJob, error) {
	row := q.QueryRowContext(ctx, `
		SELECT job_id, item_kind, item_id, embedding_version, status, retry_count, error, created_at, updated_at, next_attempt_at
		FROM outbox_jobs WHERE job_id = ?
	`, jobID)

	var (
		job    model.OutboxJob
		kind   string
		status string
	)
	if err := row.Scan(&job.JobID, &kind, &job.ItemID, &job.EmbeddingVersion, &status,
		&job.RetryCount, &job.Error, &job.CreatedAt, &job.UpdatedAt, &job.NextAttemptAt); err != nil {
		if err == sql.ErrNoRows {
			return model.OutboxJob{}, cmemerr.ErrJobNotFound
		}
		return model.OutboxJob{}, fmt.Errorf("scan outbox job %d: %w", jobID, err)
	}
	job.ItemKind = model.OutboxItemKind(kind)
	job.Status = model.OutboxStatus(status)
	return job, nil
}

// NewRetryBackoff builds the exponential backoff policy that retryDelay
// steps through to decide when a failed job becomes eligible again.
func NewRetryBackoff(maxElapsed time.Duration) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed
	return bo
}
