package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type charge struct {
	PayerID string  `json:"payer_id"`
	Amount  float64 `json:"amount"`
}

func TestMemoryQueue_EnqueueDequeue(t *testing.T) {
	q := NewMemoryQueue[*charge]()
	defer q.Close()
	ctx := context.Background()

	item := &charge{PayerID: "payer-1", Amount: 0.25}
	require.NoError(t, q.Enqueue(ctx, item))

	items, err := q.Dequeue(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Same(t, item, items[0], "memory queue hands back the enqueued value")
}

func TestMemoryQueue_Batches(t *testing.T) {
	q := NewMemoryQueue[charge]()
	defer q.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(ctx, charge{Amount: float64(i)}))
	}

	length, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, length)

	first, err := q.Dequeue(ctx, 4, time.Second)
	require.NoError(t, err)
	require.Len(t, first, 4)
	assert.Equal(t, charge{Amount: 0}, first[0], "FIFO order")
	assert.Equal(t, charge{Amount: 3}, first[3])

	rest, err := q.Dequeue(ctx, 10, time.Second)
	require.NoError(t, err)
	assert.Len(t, rest, 6)
	assert.Equal(t, charge{Amount: 4}, rest[0])
}

func TestMemoryQueue_WaitExpires(t *testing.T) {
	q := NewMemoryQueue[charge]()
	defer q.Close()
	ctx := context.Background()

	start := time.Now()
	items, err := q.Dequeue(ctx, 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryQueue_WakesBlockedConsumer(t *testing.T) {
	q := NewMemoryQueue[charge]()
	defer q.Close()
	ctx := context.Background()

	got := make(chan []charge, 1)
	go func() {
		items, _ := q.Dequeue(ctx, 5, 0)
		got <- items
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, charge{PayerID: "late"}))

	select {
	case items := <-got:
		require.Len(t, items, 1)
		assert.Equal(t, "late", items[0].PayerID)
	case <-time.After(time.Second):
		t.Fatal("consumer was not woken by enqueue")
	}
}

func TestMemoryQueue_ContextCancelled(t *testing.T) {
	q := NewMemoryQueue[charge]()
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx, 1, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryQueue_ConcurrentProducers(t *testing.T) {
	q := NewMemoryQueue[charge]()
	defer q.Close()
	ctx := context.Background()

	const producers, perProducer = 10, 20
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = q.Enqueue(ctx, charge{Amount: 1})
			}
		}()
	}
	wg.Wait()

	total := 0
	for total < producers*perProducer {
		items, err := q.Dequeue(ctx, 30, 50*time.Millisecond)
		require.NoError(t, err)
		require.NotEmpty(t, items)
		total += len(items)
	}
	assert.Equal(t, producers*perProducer, total)
}

func TestMemoryQueue_Close(t *testing.T) {
	q := NewMemoryQueue[charge]()
	ctx := context.Background()

	blocked := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx, 1, 0)
		blocked <- err
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, q.Close())
	require.NoError(t, q.Close(), "closing twice is harmless")

	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not wake the consumer")
	}

	assert.ErrorIs(t, q.Enqueue(ctx, charge{}), ErrQueueClosed)
	_, err := q.Length(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestMemoryDeadLetterQueue(t *testing.T) {
	dlq := NewMemoryDeadLetterQueue[charge]()
	ctx := context.Background()

	require.NoError(t, dlq.Add(ctx, charge{PayerID: "a"}, errors.New("connection refused")))
	require.NoError(t, dlq.Add(ctx, charge{PayerID: "b"}, ErrMaxRetriesExceeded))

	letters, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, letters, 2)
	assert.Equal(t, "connection refused", letters[0].Error)
	assert.NotEqual(t, letters[0].ID, letters[1].ID)

	limited, err := dlq.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	got, err := dlq.Get(ctx, letters[1].ID)
	require.NoError(t, err)
	assert.Equal(t, charge{PayerID: "b"}, got.Item)

	require.NoError(t, dlq.Remove(ctx, letters[0].ID))
	assert.ErrorIs(t, dlq.Remove(ctx, letters[0].ID), ErrItemNotFound)
	_, err = dlq.Get(ctx, letters[0].ID)
	assert.ErrorIs(t, err, ErrItemNotFound)

	require.NoError(t, dlq.Close())
	assert.ErrorIs(t, dlq.Add(ctx, charge{}, ErrMaxRetriesExceeded), ErrQueueClosed)
}

func TestRequeue(t *testing.T) {
	q := NewMemoryQueue[charge]()
	dlq := NewMemoryDeadLetterQueue[charge]()
	ctx := context.Background()

	require.NoError(t, dlq.Add(ctx, charge{PayerID: "retry-me", Amount: 2}, ErrMaxRetriesExceeded))
	letters, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)

	require.NoError(t, Requeue[charge](ctx, q, dlq, letters[0].ID))

	items, err := q.Dequeue(ctx, 10, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []charge{{PayerID: "retry-me", Amount: 2}}, items)

	remaining, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	assert.ErrorIs(t, Requeue[charge](ctx, q, dlq, letters[0].ID), ErrItemNotFound)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(100*time.Millisecond, tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestNew_MemoryBackend(t *testing.T) {
	q, dlq, err := New[charge](DefaultConfig("usage"))
	require.NoError(t, err)
	assert.IsType(t, &MemoryQueue[charge]{}, q)
	assert.IsType(t, &MemoryDeadLetterQueue[charge]{}, dlq)

	_, _, err = New[charge](nil)
	assert.Error(t, err)
	_, _, err = New[charge](&Config{})
	assert.Error(t, err, "a queue needs a name")
}
