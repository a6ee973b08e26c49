//go:build integration

package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"saga-server/internal/models"
	"saga-server/internal/queue"
)

func setupRedisQueue(t *testing.T) (queue.Queue, *goredis.Client) {
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err, "Failed to start redis container")
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	connStr, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := goredis.ParseURL(connStr)
	require.NoError(t, err)

	client := goredis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())

	return queue.NewRedisQueue(client, zap.NewNop()), client
}

func TestRedisQueue_EnqueueAndClaim(t *testing.T) {
	ctx := context.Background()
	q, _ := setupRedisQueue(t)

	sagaID := uuid.New()
	jobID, err := q.Enqueue(ctx, sagaID, "game-42")
	require.NoError(t, err)

	job, err := q.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, job.State)
	assert.Equal(t, sagaID, job.Data.SagaID)
	assert.Equal(t, "game-42", job.Data.SourceID)
	assert.Equal(t, 0, job.AttemptsMade)

	claimed, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, jobID, claimed.ID)
	assert.Equal(t, queue.StateActive, claimed.State)
	assert.Equal(t, 1, claimed.AttemptsMade)

	// The job left waiting; a second claim finds nothing.
	claimCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	second, err := q.ClaimNext(claimCtx)
	if err != nil {
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}
	assert.Nil(t, second)
}

func TestRedisQueue_TerminalTransitionsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	q, _ := setupRedisQueue(t)

	jobID, err := q.Enqueue(ctx, uuid.New(), "game-42")
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx)
	require.NoError(t, err)

	require.NoError(t, q.MarkFailed(ctx, jobID, "first failure"))

	// Repeated terminal calls are no-ops: the first record stands.
	require.NoError(t, q.MarkFailed(ctx, jobID, "second failure"))
	require.NoError(t, q.MarkCompleted(ctx, jobID))

	job, err := q.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, job.State)
	assert.Equal(t, "first failure", job.FailedReason)

	failed, err := q.ListByState(ctx, queue.StateFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
	completed, err := q.ListByState(ctx, queue.StateCompleted)
	require.NoError(t, err)
	assert.Empty(t, completed)
}

func TestRedisQueue_RemoveActiveForcesFailedFirst(t *testing.T) {
	ctx := context.Background()
	q, _ := setupRedisQueue(t)

	jobID, err := q.Enqueue(ctx, uuid.New(), "game-42")
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Remove(ctx, jobID))

	_, err = q.GetJob(ctx, jobID)
	assert.ErrorIs(t, err, models.ErrJobNotFound)

	active, err := q.ListByState(ctx, queue.StateActive)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestRedisQueue_DelayedPromotion(t *testing.T) {
	ctx := context.Background()
	q, _ := setupRedisQueue(t)

	jobID, err := q.EnqueueDelayed(ctx, uuid.New(), "game-42", 500*time.Millisecond)
	require.NoError(t, err)

	job, err := q.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateDelayed, job.State)

	// Not due yet.
	promoted, err := q.PromoteDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, promoted)

	time.Sleep(600 * time.Millisecond)

	promoted, err = q.PromoteDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	job, err = q.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, job.State)
}
