package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reclaimly/backend/internal/core"
)

func testQueue(t *testing.T) (*MemoryQueue, *time.Time) {
	t.Helper()
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	q := NewMemoryQueue(Config{}).WithClock(func() time.Time { return now })
	return q, &now
}

func enqueue(t *testing.T, q Queue, seller string, p core.JobPriority) *core.DetectionJob {
	t.Helper()
	job, err := q.Enqueue(context.Background(), EnqueueRequest{
		SellerID: seller,
		SyncID:   "sync-" + seller,
		Priority: p,
	})
	require.NoError(t, err)
	return job
}

func TestPriorityOrdering(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	enqueue(t, q, "low", core.JobPriorityLow)
	enqueue(t, q, "normal", core.JobPriorityNormal)
	enqueue(t, q, "critical", core.JobPriorityCritical)
	enqueue(t, q, "high", core.JobPriorityHigh)

	order := []string{"critical", "high", "normal", "low"}
	for _, want := range order {
		job, err := q.Next(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, want, job.SellerID)
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	first := enqueue(t, q, "a", core.JobPriorityNormal)
	second := enqueue(t, q, "b", core.JobPriorityNormal)

	got, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	got, err = q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestIdempotentEnqueue(t *testing.T) {
	q, _ := testQueue(t)

	first := enqueue(t, q, "seller-1", core.JobPriorityNormal)
	dup := enqueue(t, q, "seller-1", core.JobPriorityNormal)
	assert.Equal(t, first.ID, dup.ID, "duplicate enqueue returns the existing job")

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
}

func TestStoreScopedIdempotency(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, EnqueueRequest{SellerID: "s", StoreID: "store-1", SyncID: "y1"})
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, EnqueueRequest{SellerID: "s", StoreID: "store-2", SyncID: "y2"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID, "different stores queue independently")
}

func TestBackpressureRestrictsToHighPriorities(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	// Twenty NORMAL and one CRITICAL: depth 21 exceeds the threshold of 20.
	for i := 0; i < 20; i++ {
		enqueue(t, q, fmt.Sprintf("seller-%d", i), core.JobPriorityNormal)
	}
	enqueue(t, q, "vip", core.JobPriorityCritical)

	job, err := q.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "vip", job.SellerID)

	// Depth is still 21 (20 waiting + 1 processing): NORMAL stays blocked.
	job, err = q.Next(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	// Completing the CRITICAL job drops depth to 20 and releases the gate.
	require.NoError(t, q.MarkCompleted(ctx, firstProcessing(t, q)))
	job, err = q.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, core.JobPriorityNormal, job.Priority)
}

func firstProcessing(t *testing.T, q Queue) string {
	t.Helper()
	jobs, err := q.JobsByStatus(context.Background(), core.JobProcessing, 1)
	require.NoError(t, err)
	require.NotEmpty(t, jobs)
	return jobs[0].ID
}

func TestConcurrencyCap(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		enqueue(t, q, fmt.Sprintf("seller-%d", i), core.JobPriorityNormal)
	}

	for i := 0; i < 5; i++ {
		job, err := q.Next(ctx)
		require.NoError(t, err)
		require.NotNil(t, job, "dequeue %d", i)
	}

	job, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "sixth dequeue exceeds max concurrency")
}

func TestRetryWithBackoffThenTerminal(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	q := NewMemoryQueue(Config{}).WithClock(func() time.Time { return now })
	ctx := context.Background()

	job := enqueue(t, q, "seller-1", core.JobPriorityNormal)

	// First failure: delayed 5s, not yet eligible.
	got, _ := q.Next(ctx)
	require.NotNil(t, got)
	require.NoError(t, q.MarkFailed(ctx, job.ID, "blob upload failed"))

	missing, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Nil(t, missing, "backoff delay not yet elapsed")

	now = now.Add(6 * time.Second)
	got, err = q.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Attempts)

	// Second failure: 10s backoff.
	require.NoError(t, q.MarkFailed(ctx, job.ID, "blob upload failed"))
	now = now.Add(11 * time.Second)
	got, err = q.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)

	// Third failure exhausts the attempt budget.
	require.NoError(t, q.MarkFailed(ctx, job.ID, "blob upload failed"))
	jobs, err := q.JobsByStatus(ctx, core.JobFailed, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 3, jobs[0].Attempts)
	assert.Equal(t, "blob upload failed", jobs[0].LastError)

	// The idempotency slot is released: the seller can queue again.
	fresh := enqueue(t, q, "seller-1", core.JobPriorityNormal)
	assert.NotEqual(t, job.ID, fresh.ID)
}

func TestStalledJobReclaimed(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	q := NewMemoryQueue(Config{}).WithClock(func() time.Time { return now })
	ctx := context.Background()

	job := enqueue(t, q, "seller-1", core.JobPriorityNormal)
	got, err := q.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)

	// Six minutes later the job is reclaimed and scheduled for retry.
	now = now.Add(6 * time.Minute)
	_, err = q.Next(ctx)
	require.NoError(t, err)

	jobs, err := q.JobsByStatus(ctx, core.JobPending, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
	assert.Equal(t, 1, jobs[0].Attempts)
	assert.Equal(t, core.ErrStalled.Error(), jobs[0].LastError)
}

func TestManualRetry(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	q := NewMemoryQueue(Config{MaxAttempts: 1}).WithClock(func() time.Time { return now })
	ctx := context.Background()

	job := enqueue(t, q, "seller-1", core.JobPriorityNormal)
	_, err := q.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(ctx, job.ID, "boom"))

	retried, err := q.Retry(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobPending, retried.Status)
	assert.Zero(t, retried.Attempts)

	// Retrying a pending job is rejected.
	_, err = q.Retry(ctx, job.ID)
	assert.Error(t, err)
}

func TestStats(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	a := enqueue(t, q, "a", core.JobPriorityNormal)
	enqueue(t, q, "b", core.JobPriorityHigh)

	_, err := q.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, q.MarkCompleted(ctx, firstProcessing(t, q)))
	_ = a

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, int64(1), stats.Completed)
}
