package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisQueue_EnqueueDequeue(t *testing.T) {
	mr, client := setupTestRedis(t)
	q := NewRedisQueue[*charge](client, DefaultConfig("deductions"))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &charge{PayerID: "payer-1", Amount: 1.5}))
	assert.True(t, mr.Exists("tool_broker:deductions:pending"))

	items, err := q.Dequeue(ctx, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, &charge{PayerID: "payer-1", Amount: 1.5}, items[0], "items decode into the queue type")
}

func TestRedisQueue_Batches(t *testing.T) {
	_, client := setupTestRedis(t)
	q := NewRedisQueue[charge](client, DefaultConfig("usage"))
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		require.NoError(t, q.Enqueue(ctx, charge{Amount: float64(i)}))
	}

	length, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, length)

	items, err := q.Dequeue(ctx, 5, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, items, 5)
	assert.Equal(t, 0.0, items[0].Amount)
	assert.Equal(t, 4.0, items[4].Amount)

	items, err = q.Dequeue(ctx, 5, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestRedisQueue_EmptyAfterWait(t *testing.T) {
	_, client := setupTestRedis(t)
	q := NewRedisQueue[charge](client, DefaultConfig("usage"))

	items, err := q.Dequeue(context.Background(), 5, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRedisQueue_MalformedPayloadIsSkipped(t *testing.T) {
	mr, client := setupTestRedis(t)
	q := NewRedisQueue[charge](client, DefaultConfig("usage"))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, charge{PayerID: "ok"}))
	_, err := mr.Push("tool_broker:usage:pending", "{not json")
	require.NoError(t, err)

	items, err := q.Dequeue(ctx, 10, time.Second)
	assert.ErrorIs(t, err, ErrMalformedItem)
	assert.Equal(t, []charge{{PayerID: "ok"}}, items)
}

func TestRedisQueue_PersistsAcrossInstances(t *testing.T) {
	_, client := setupTestRedis(t)
	config := DefaultConfig("usage")
	ctx := context.Background()

	require.NoError(t, NewRedisQueue[charge](client, config).Enqueue(ctx, charge{Amount: 2}))

	length, err := NewRedisQueue[charge](client, config).Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, length)
}

func TestRedisQueue_CloseLeavesSharedClientOpen(t *testing.T) {
	_, client := setupTestRedis(t)
	q := NewRedisQueue[charge](client, DefaultConfig("usage"))

	require.NoError(t, q.Close())
	assert.NoError(t, client.Ping(context.Background()).Err())
}

func TestRedisDeadLetterQueue(t *testing.T) {
	mr, client := setupTestRedis(t)
	dlq := NewRedisDeadLetterQueue[charge](client, DefaultConfig("usage"))
	base := time.Date(2025, 11, 30, 12, 0, 0, 0, time.UTC)
	tick := 0
	dlq.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	ctx := context.Background()

	require.NoError(t, dlq.Add(ctx, charge{PayerID: "first"}, errors.New("deadlock detected")))
	require.NoError(t, dlq.Add(ctx, charge{PayerID: "second"}, ErrMaxRetriesExceeded))
	assert.True(t, mr.Exists("tool_broker:usage:dead"))

	letters, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, letters, 2)
	assert.Equal(t, "deadlock detected", letters[0].Error, "oldest failure first")
	assert.Equal(t, charge{PayerID: "first"}, letters[0].Item)
	assert.Equal(t, base.Add(time.Second), letters[0].FailedAt)

	limited, err := dlq.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	got, err := dlq.Get(ctx, letters[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Item.PayerID)

	require.NoError(t, dlq.Remove(ctx, letters[0].ID))
	assert.ErrorIs(t, dlq.Remove(ctx, letters[0].ID), ErrItemNotFound)
	_, err = dlq.Get(ctx, letters[0].ID)
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestRequeue_Redis(t *testing.T) {
	_, client := setupTestRedis(t)
	config := DefaultConfig("deductions")
	q := NewRedisQueue[charge](client, config)
	dlq := NewRedisDeadLetterQueue[charge](client, config)
	ctx := context.Background()

	require.NoError(t, dlq.Add(ctx, charge{PayerID: "p", Amount: 0.5}, ErrMaxRetriesExceeded))
	letters, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)

	require.NoError(t, Requeue[charge](ctx, q, dlq, letters[0].ID))

	length, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, length)
	letters, err = dlq.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestNew_RedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	config := DefaultConfig("usage")
	config.UseRedis = true
	config.RedisAddr = mr.Addr()

	q, dlq, err := New[charge](config)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), charge{Amount: 1}))
	assert.True(t, mr.Exists("tool_broker:usage:pending"))

	require.NoError(t, dlq.Close())
	require.NoError(t, q.Close())

	config.RedisAddr = "127.0.0.1:1"
	_, _, err = New[charge](config)
	assert.Error(t, err)
}
