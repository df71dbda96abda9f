package queue

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an unbounded in-process queue. Items are handed back as
// enqueued, without copying.
type MemoryQueue[T any] struct {
	mu     sync.Mutex
	items  []T
	ready  chan struct{} // closed and replaced whenever items arrive
	closed bool
}

func NewMemoryQueue[T any]() *MemoryQueue[T] {
	return &MemoryQueue[T]{ready: make(chan struct{})}
}

func (q *MemoryQueue[T]) Enqueue(ctx context.Context, item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.items = append(q.items, item)
	close(q.ready)
	q.ready = make(chan struct{})
	return nil
}

func (q *MemoryQueue[T]) Dequeue(ctx context.Context, maxItems int, wait time.Duration) ([]T, error) {
	if maxItems < 1 {
		maxItems = 1
	}

	var expired <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		batch, ready, err := q.take(maxItems)
		if err != nil || len(batch) > 0 {
			return batch, err
		}

		select {
		case <-ready:
		case <-expired:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// take removes up to n items, or returns the channel signalling the next arrival
func (q *MemoryQueue[T]) take(n int) ([]T, <-chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, nil, ErrQueueClosed
	}
	if len(q.items) == 0 {
		return nil, q.ready, nil
	}

	n = min(n, len(q.items))
	batch := slices.Clone(q.items[:n])
	clear(q.items[:n])
	q.items = q.items[n:]
	return batch, nil, nil
}

func (q *MemoryQueue[T]) Length(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrQueueClosed
	}
	return len(q.items), nil
}

// Close drops pending items and wakes blocked consumers
func (q *MemoryQueue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	q.items = nil
	close(q.ready)
	return nil
}

// MemoryDeadLetterQueue keeps dead letters in insertion order
type MemoryDeadLetterQueue[T any] struct {
	mu      sync.RWMutex
	letters []DeadLetter[T]
	closed  bool
	now     func() time.Time
}

func NewMemoryDeadLetterQueue[T any]() *MemoryDeadLetterQueue[T] {
	return &MemoryDeadLetterQueue[T]{now: time.Now}
}

func (q *MemoryDeadLetterQueue[T]) Add(ctx context.Context, item T, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.letters = append(q.letters, newDeadLetter(item, cause, q.now()))
	return nil
}

func (q *MemoryDeadLetterQueue[T]) Get(ctx context.Context, id string) (DeadLetter[T], error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return DeadLetter[T]{}, ErrQueueClosed
	}
	i := q.index(id)
	if i < 0 {
		return DeadLetter[T]{}, ErrItemNotFound
	}
	return q.letters[i], nil
}

func (q *MemoryDeadLetterQueue[T]) List(ctx context.Context, maxItems int) ([]DeadLetter[T], error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrQueueClosed
	}
	n := len(q.letters)
	if maxItems > 0 {
		n = min(n, maxItems)
	}
	return slices.Clone(q.letters[:n]), nil
}

func (q *MemoryDeadLetterQueue[T]) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	i := q.index(id)
	if i < 0 {
		return ErrItemNotFound
	}
	q.letters = slices.Delete(q.letters, i, i+1)
	return nil
}

func (q *MemoryDeadLetterQueue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.letters = nil
	return nil
}

func (q *MemoryDeadLetterQueue[T]) index(id string) int {
	return slices.IndexFunc(q.letters, func(l DeadLetter[T]) bool { return l.ID == id })
}

func newDeadLetter[T any](item T, cause error, at time.Time) DeadLetter[T] {
	letter := DeadLetter[T]{
		ID:       uuid.NewString(),
		Item:     item,
		FailedAt: at.UTC(),
	}
	if cause != nil {
		letter.Error = cause.Error()
	}
	return letter
}
