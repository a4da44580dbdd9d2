package queue

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loan-cob-scheduler/internal/config"
	"loan-cob-scheduler/internal/models"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := config.Config{
		RedisAddr:         mr.Addr(),
		PriorityQueues:    []string{"inline", "catch-up", "default"},
		VisibilityTimeout: time.Minute,
		DLQName:           "cob:dlq",
	}
	client := NewRedisClient(cfg)
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, cfg), mr
}

func partition(index int) models.Partition {
	return models.Partition{
		ExecutionID: 3,
		JobName:     "LOAN_COB",
		Name:        "partition" + strconv.Itoa(index),
		RangeIndex:  index,
		Range:       models.IDRange{Min: int64(index*10 - 9), Max: int64(index * 10)},
		Steps:       []models.BusinessStep{{Name: "EXTERNAL_ASSET_OWNER_TRANSFER", Order: 1}},
	}
}

func TestDequeueHonoursPriority(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnqueuePartition(ctx, partition(1), "default"))
	require.NoError(t, q.EnqueuePartition(ctx, partition(2), "catch-up"))

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	msg, err := q.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "catch-up", msg.Priority)
	assert.Equal(t, partition(2), msg.Partition)
	assert.Zero(t, msg.Attempts)

	require.NoError(t, q.Ack(ctx, id))
	_, err = q.Load(ctx, id)
	require.ErrorIs(t, err, ErrMessageNotFound)
}

func TestDequeueEmpty(t *testing.T) {
	q, _ := newTestQueue(t)
	id, err := q.DequeueWithLease(context.Background())
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestRetryScheduleAndPromote(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnqueuePartition(ctx, partition(1), "default"))

	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	attempts, err := q.IncrAttempts(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	runAt := time.Now().Add(time.Minute)
	require.NoError(t, q.Schedule(ctx, id, runAt))

	n, err := q.PromoteScheduled(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	msg, err := q.Load(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, 1, msg.Attempts)
}

func TestRequeueExpired(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnqueuePartition(ctx, partition(1), "inline"))

	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)

	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)

	again, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestDeadLetter(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnqueuePartition(ctx, partition(1), "default"))

	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	msg, err := q.Load(ctx, id)
	require.NoError(t, err)
	msg.Attempts = 3

	require.NoError(t, q.DeadLetter(ctx, msg, "lock conflict"))

	dead, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].MessageID)
	assert.Equal(t, "3:partition1", dead[0].Partition)
	assert.Equal(t, "lock conflict", dead[0].Error)
	assert.Equal(t, 3, dead[0].Attempts)

	_, err = q.Load(ctx, id)
	require.ErrorIs(t, err, ErrMessageNotFound)
}
