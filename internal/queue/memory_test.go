package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory(attempts int) (*Memory, *time.Time) {
	q := NewMemory(RetryPolicy{MaxAttempts: attempts, Base: time.Second, Max: time.Minute})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	return q, &now
}

func TestMemory_EnqueueClaimAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestMemory(3)

	require.NoError(t, q.Enqueue(ctx, KindProcessRecord, "rec-1"))
	assert.Equal(t, 1, q.Ready())

	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, KindProcessRecord, job.Kind)
	assert.Equal(t, "rec-1", job.Arg)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, StatusRunning, job.Status)

	again, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, again, "running job is not delivered twice")

	require.NoError(t, q.Ack(ctx, job))
	assert.Equal(t, StatusDone, q.Jobs()[0].Status)
}

func TestMemory_ClaimOrder(t *testing.T) {
	ctx := context.Background()
	q, now := newTestMemory(3)

	require.NoError(t, q.Enqueue(ctx, KindProcessRecord, "first"))
	*now = now.Add(time.Second)
	require.NoError(t, q.Enqueue(ctx, KindProcessRecord, "second"))

	job, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", job.Arg)
}

func TestMemory_NackBackoffThenDead(t *testing.T) {
	ctx := context.Background()
	q, now := newTestMemory(2)
	require.NoError(t, q.Enqueue(ctx, KindProcessRecord, "rec-1"))

	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, job, errors.New("boom")))
	assert.Equal(t, StatusReady, job.Status)
	assert.Equal(t, "[permanent] boom", job.LastError)
	assert.True(t, job.RunAt.After(*now))

	// Not due yet.
	next, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	*now = now.Add(time.Hour)
	job, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempts)

	require.NoError(t, q.Nack(ctx, job, errors.New("boom again")))
	assert.Equal(t, StatusDead, job.Status)

	dead, err := q.DeadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dead)
	assert.Equal(t, 0, q.Ready())
}

func TestMemory_Reclaim(t *testing.T) {
	ctx := context.Background()
	q, now := newTestMemory(2)
	require.NoError(t, q.Enqueue(ctx, KindProcessRecord, "rec-1"))
	require.NoError(t, q.Enqueue(ctx, KindProcessRecord, "rec-2"))

	first, err := q.Claim(ctx)
	require.NoError(t, err)
	claimedAt := *now

	// Not stale yet.
	n, err := q.Reclaim(ctx, claimedAt)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	*now = now.Add(time.Hour)
	second, err := q.Claim(ctx)
	require.NoError(t, err)

	n, err = q.Reclaim(ctx, claimedAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the job claimed before the cutoff")

	jobs := q.Jobs()
	assert.Equal(t, StatusReady, jobs[0].Status)
	assert.Equal(t, ReasonLeaseExpired, jobs[0].LastError)
	assert.Equal(t, StatusRunning, jobs[1].Status)

	again, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)

	// Out of attempts: reclaimed straight to dead.
	n, err = q.Reclaim(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	dead, err := q.DeadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dead)
	assert.Equal(t, StatusReady, q.Jobs()[1].Status, "job %s still has attempts left", second.ID)
}

func TestMemory_UnknownJob(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestMemory(1)
	assert.ErrorIs(t, q.Ack(ctx, &Job{ID: "missing"}), ErrUnknownJob)
	assert.ErrorIs(t, q.Nack(ctx, &Job{ID: "missing"}, errors.New("x")), ErrUnknownJob)
}

func TestMemory_EmptyKind(t *testing.T) {
	q, _ := newTestMemory(1)
	assert.Error(t, q.Enqueue(context.Background(), "", "x"))
}

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Base: 5 * time.Second, Max: time.Minute}.normalized()
	assert.Equal(t, 5*time.Second, p.Delay(1))
	assert.Equal(t, 10*time.Second, p.Delay(2))
	assert.Equal(t, 20*time.Second, p.Delay(3))
	assert.Equal(t, time.Minute, p.Delay(10))
	assert.Equal(t, 5*time.Second, p.Delay(0))

	d := RetryPolicy{}.normalized()
	assert.Equal(t, DefaultRetryPolicy().MaxAttempts, d.MaxAttempts)
	assert.Equal(t, DefaultRetryPolicy().Max, d.Max)
}
