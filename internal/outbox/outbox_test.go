package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cmemd/cmemd/internal/model"
	"github.com/cmemd/cmemd/internal/store"
)

func openTestOutbox(t *testing.T) (*Store, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "events.db")
	s, err := store.Open(context.Background(), dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s.DB()), s
}

func TestEnqueue_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	ob, _ := openTestOutbox(t)

	require.NoError(t, ob.Enqueue(ctx, model.ItemKindEntry, "entry-1", "v1"))
	require.NoError(t, ob.Enqueue(ctx, model.ItemKindEntry, "entry-1", "v1"))

	jobs, err := ob.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1, "enqueuing the same item twice must not create duplicate jobs")
}

func TestClaimBatch_MovesPendingToProcessing(t *testing.T) {
	ctx := context.Background()
	ob, _ := openTestOutbox(t)

	require.NoError(t, ob.Enqueue(ctx, model.ItemKindEntry, "a", "v1"))
	require.NoError(t, ob.Enqueue(ctx, model.ItemKindEntry, "b", "v1"))

	jobs, err := ob.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, model.OutboxProcessing, jobs[0].Status)

	remaining, err := ob.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1, "the first job is already claimed, only the second is still pending")
}

func TestMarkDone_SettlesJob(t *testing.T) {
	ctx := context.Background()
	ob, _ := openTestOutbox(t)

	require.NoError(t, ob.Enqueue(ctx, model.ItemKindEntry, "a", "v1"))
	jobs, err := ob.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, ob.MarkDone(ctx, jobs[0].JobID))

	job, err := scanJob(ctx, ob.db, jobs[0].JobID)
	require.NoError(t, err)
	require.Equal(t, model.OutboxDone, job.Status)
}

func TestMarkFailed_RoutesBackToPendingUnderRetryLimit(t *testing.T) {
	ctx := context.Background()
	ob, _ := openTestOutbox(t)

	require.NoError(t, ob.Enqueue(ctx, model.ItemKindEntry, "a", "v1"))
	jobs, err := ob.ClaimBatch(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, ob.MarkFailed(ctx, jobs[0].JobID, errors.New("transient embed failure"), 3))

	job, err := scanJob(ctx, ob.db, jobs[0].JobID)
	require.NoError(t, err)
	require.Equal(t, model.OutboxPending, job.Status)
	require.Equal(t, 1, job.RetryCount)
}

func TestMarkFailed_TerminatesAtRetryLimit(t *testing.T) {
	ctx := context.Background()
	ob, s := openTestOutbox(t)

	require.NoError(t, ob.Enqueue(ctx, model.ItemKindEntry, "a", "v1"))

	var lastJobID int64
	for i := 0; i < 3; i++ {
		jobs, err := ob.ClaimBatch(ctx, 1)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		lastJobID = jobs[0].JobID
		require.NoError(t, ob.MarkFailed(ctx, lastJobID, errors.New("still failing"), 2))

		// MarkFailed gates reclaim behind a backoff delay; fast-forward past
		// it so the next iteration's ClaimBatch can reclaim immediately.
		_, err = s.DB().ExecContext(ctx, `UPDATE outbox_jobs SET next_attempt_at = ? WHERE job_id = ?`,
			time.Now().Add(-time.Second), lastJobID)
		require.NoError(t, err)
	}

	job, err := scanJob(ctx, ob.db, lastJobID)
	require.NoError(t, err)
	require.Equal(t, model.OutboxFailed, job.Status, "job must stop retrying once it exceeds maxRetries")
}

func TestMarkFailed_DelaysReclaimUnderRetryLimit(t *testing.T) {
	ctx := context.Background()
	ob, _ := openTestOutbox(t)

	require.NoError(t, ob.Enqueue(ctx, model.ItemKindEntry, "a", "v1"))
	jobs, err := ob.ClaimBatch(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, ob.MarkFailed(ctx, jobs[0].JobID, errors.New("transient embed failure"), 3))

	again, err := ob.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, again, "a freshly-failed job must not be reclaimable before its backoff delay elapses")
}

func TestReclaimFailedBelowMaxRetries_ReturnsTerminalJobsToPending(t *testing.T) {
	ctx := context.Background()
	ob, _ := openTestOutbox(t)

	require.NoError(t, ob.Enqueue(ctx, model.ItemKindEntry, "a", "v1"))
	jobs, err := ob.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, ob.MarkFailed(ctx, jobs[0].JobID, errors.New("fatal at the time"), 0))

	job, err := scanJob(ctx, ob.db, jobs[0].JobID)
	require.NoError(t, err)
	require.Equal(t, model.OutboxFailed, job.Status)

	n, err := ob.ReclaimFailedBelowMaxRetries(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	job, err = scanJob(ctx, ob.db, jobs[0].JobID)
	require.NoError(t, err)
	require.Equal(t, model.OutboxPending, job.Status)
}

func TestCleanup_RemovesDoneJobsPastRetention(t *testing.T) {
	ctx := context.Background()
	ob, s := openTestOutbox(t)

	require.NoError(t, ob.Enqueue(ctx, model.ItemKindEntry, "a", "v1"))
	jobs, err := ob.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, ob.MarkDone(ctx, jobs[0].JobID))

	_, err = s.DB().ExecContext(ctx, `UPDATE outbox_jobs SET updated_at = ? WHERE job_id = ?`,
		time.Now().Add(-48*time.Hour), jobs[0].JobID)
	require.NoError(t, err)

	n, err := ob.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = scanJob(ctx, ob.db, jobs[0].JobID)
	require.Error(t, err, "cleaned-up job must no longer be found")
}

func TestMetrics_ReportsPerStatusCounts(t *testing.T) {
	ctx := context.Background()
	ob, _ := openTestOutbox(t)

	require.NoError(t, ob.Enqueue(ctx, model.ItemKindEntry, "a", "v1"))
	require.NoError(t, ob.Enqueue(ctx, model.ItemKindEntry, "b", "v1"))
	jobs, err := ob.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, ob.MarkDone(ctx, jobs[0].JobID))

	m, err := ob.Metrics(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, m.Pending)
	require.Equal(t, 1, m.Done)
	require.Positive(t, m.OldestPendingAge)
}

func TestRequeueStuckProcessing_RecoversCrashedJobs(t *testing.T) {
	ctx := context.Background()
	ob, s := openTestOutbox(t)

	require.NoError(t, ob.Enqueue(ctx, model.ItemKindEntry, "a", "v1"))
	jobs, err := ob.ClaimBatch(ctx, 1)
	require.NoError(t, err)

	_, err = s.DB().ExecContext(ctx, `UPDATE outbox_jobs SET updated_at = ? WHERE job_id = ?`,
		time.Now().Add(-time.Hour), jobs[0].JobID)
	require.NoError(t, err)

	n, err := ob.RequeueStuckProcessing(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	job, err := scanJob(ctx, ob.db, jobs[0].JobID)
	require.NoError(t, err)
	require.Equal(t, model.OutboxPending, job.Status)
}
