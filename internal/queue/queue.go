// Package queue carries work that must outlive the call that produced it:
// usage records waiting to be persisted and deductions waiting to be applied.
//
// Two backends share the same typed interfaces. The memory backend keeps
// items in process and suits tests and single-process tools. The Redis
// backend stores JSON in lists and hashes, so items survive restarts and can
// be drained by a separate worker process.
//
//	 metered call
//	      │
//	      ├── usage record ──► Queue[*UsageRecord] ──► usage worker ──► usage store
//	      │                                                 │
//	      └── failed deduction ──► Queue[*Deduction] ──► deduction worker ──► balance store
//	                                                        │
//	                              retries exhausted ──► DeadLetterQueue[T] ──► Requeue
package queue

import (
	"context"
	"fmt"
	"time"
)

// Queue is a FIFO of items of one type
type Queue[T any] interface {
	Enqueue(ctx context.Context, item T) error

	// Dequeue waits up to wait for the first item, then takes up to maxItems
	// without blocking. A wait <= 0 waits until ctx is done. It returns an
	// empty batch when the wait expires.
	Dequeue(ctx context.Context, maxItems int, wait time.Duration) ([]T, error)

	Length(ctx context.Context) (int, error)
	Close() error
}

// DeadLetterQueue parks items whose processing kept failing
type DeadLetterQueue[T any] interface {
	Add(ctx context.Context, item T, cause error) error
	Get(ctx context.Context, id string) (DeadLetter[T], error)
	// List returns up to maxItems dead letters, oldest first; maxItems <= 0 lists all
	List(ctx context.Context, maxItems int) ([]DeadLetter[T], error)
	Remove(ctx context.Context, id string) error
	Close() error
}

// DeadLetter is a parked item and the error that parked it
type DeadLetter[T any] struct {
	ID       string    `json:"id"`
	Item     T         `json:"item"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// Config holds queue configuration
type Config struct {
	Name      string
	KeyPrefix string // namespaces the Redis keys

	// Worker settings
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration

	UseRedis      bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// DefaultConfig returns an in-memory configuration for the named queue
func DefaultConfig(name string) *Config {
	return &Config{
		Name:         name,
		KeyPrefix:    "tool_broker",
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: time.Second,
	}
}

// New creates the queue and dead letter queue selected by the config.
// With Redis both share one connection, owned by the queue.
func New[T any](config *Config) (Queue[T], DeadLetterQueue[T], error) {
	if config == nil {
		return nil, nil, fmt.Errorf("config is required")
	}
	if config.Name == "" {
		return nil, nil, fmt.Errorf("queue name is required")
	}
	if !config.UseRedis {
		return NewMemoryQueue[T](), NewMemoryDeadLetterQueue[T](), nil
	}

	client, err := connect(config)
	if err != nil {
		return nil, nil, err
	}
	q := NewRedisQueue[T](client, config)
	q.ownsClient = true
	return q, NewRedisDeadLetterQueue[T](client, config), nil
}

// Requeue moves a dead letter back onto its queue
func Requeue[T any](ctx context.Context, q Queue[T], dlq DeadLetterQueue[T], id string) error {
	dead, err := dlq.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := q.Enqueue(ctx, dead.Item); err != nil {
		return fmt.Errorf("failed to re-enqueue %s: %w", id, err)
	}
	if err := dlq.Remove(ctx, id); err != nil {
		return fmt.Errorf("re-enqueued %s but failed to remove it from the dead letters: %w", id, err)
	}
	return nil
}

// Backoff is the delay before retry attempt n (n >= 1), doubling from base
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return base << uint(attempt-1)
}
