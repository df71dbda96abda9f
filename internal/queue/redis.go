package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue stores JSON-encoded items in a Redis list
type RedisQueue[T any] struct {
	client     *redis.Client
	key        string
	ownsClient bool
}

// NewRedisQueue creates a queue on an existing client. Close leaves the client open.
func NewRedisQueue[T any](client *redis.Client, config *Config) *RedisQueue[T] {
	return &RedisQueue[T]{client: client, key: pendingKey(config)}
}

// connect opens a Redis client for the config and checks it is reachable
func connect(config *Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func pendingKey(config *Config) string {
	return fmt.Sprintf("%s:%s:pending", config.KeyPrefix, config.Name)
}

func deadKey(config *Config) string {
	return fmt.Sprintf("%s:%s:dead", config.KeyPrefix, config.Name)
}

func (q *RedisQueue[T]) Enqueue(ctx context.Context, item T) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("failed to push to %s: %w", q.key, err)
	}
	return nil
}

func (q *RedisQueue[T]) Dequeue(ctx context.Context, maxItems int, wait time.Duration) ([]T, error) {
	if maxItems < 1 {
		maxItems = 1
	}
	if wait < 0 {
		wait = 0
	}

	// BLPOP with a zero timeout blocks until an item arrives
	first, err := q.client.BLPop(ctx, wait, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from %s: %w", q.key, err)
	}
	payloads := []string{first[1]} // first[0] is the key

	if maxItems > 1 {
		rest, err := q.client.LPopCount(ctx, q.key, maxItems-1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return q.decode(payloads)
		}
		payloads = append(payloads, rest...)
	}
	return q.decode(payloads)
}

// decode skips payloads that do not decode and reports them with ErrMalformedItem
func (q *RedisQueue[T]) decode(payloads []string) ([]T, error) {
	items := make([]T, 0, len(payloads))
	var errs []error
	for _, payload := range payloads {
		var item T
		if err := json.Unmarshal([]byte(payload), &item); err != nil {
			errs = append(errs, fmt.Errorf("%w in %s: %w (payload %q)", ErrMalformedItem, q.key, err, payload))
			continue
		}
		items = append(items, item)
	}
	return items, errors.Join(errs...)
}

func (q *RedisQueue[T]) Length(ctx context.Context) (int, error) {
	length, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get length of %s: %w", q.key, err)
	}
	return int(length), nil
}

func (q *RedisQueue[T]) Close() error {
	if !q.ownsClient {
		return nil
	}
	return q.client.Close()
}

// RedisDeadLetterQueue stores dead letters in a Redis hash keyed by id
type RedisDeadLetterQueue[T any] struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

// NewRedisDeadLetterQueue creates a dead letter queue on an existing client.
// Close leaves the client open.
func NewRedisDeadLetterQueue[T any](client *redis.Client, config *Config) *RedisDeadLetterQueue[T] {
	return &RedisDeadLetterQueue[T]{client: client, key: deadKey(config), now: time.Now}
}

func (q *RedisDeadLetterQueue[T]) Add(ctx context.Context, item T, cause error) error {
	letter := newDeadLetter(item, cause, q.now())
	data, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	if err := q.client.HSet(ctx, q.key, letter.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to add to %s: %w", q.key, err)
	}
	return nil
}

func (q *RedisDeadLetterQueue[T]) Get(ctx context.Context, id string) (DeadLetter[T], error) {
	var letter DeadLetter[T]
	data, err := q.client.HGet(ctx, q.key, id).Result()
	if errors.Is(err, redis.Nil) {
		return letter, ErrItemNotFound
	}
	if err != nil {
		return letter, fmt.Errorf("failed to read %s: %w", q.key, err)
	}
	if err := json.Unmarshal([]byte(data), &letter); err != nil {
		return letter, fmt.Errorf("%w: dead letter %s: %w", ErrMalformedItem, id, err)
	}
	return letter, nil
}

func (q *RedisDeadLetterQueue[T]) List(ctx context.Context, maxItems int) ([]DeadLetter[T], error) {
	entries, err := q.client.HGetAll(ctx, q.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", q.key, err)
	}

	letters := make([]DeadLetter[T], 0, len(entries))
	for _, data := range entries {
		var letter DeadLetter[T]
		if err := json.Unmarshal([]byte(data), &letter); err != nil {
			continue
		}
		letters = append(letters, letter)
	}

	// hash order is random
	slices.SortFunc(letters, func(a, b DeadLetter[T]) int {
		return a.FailedAt.Compare(b.FailedAt)
	})
	if maxItems > 0 && len(letters) > maxItems {
		letters = letters[:maxItems]
	}
	return letters, nil
}

func (q *RedisDeadLetterQueue[T]) Remove(ctx context.Context, id string) error {
	removed, err := q.client.HDel(ctx, q.key, id).Result()
	if err != nil {
		return fmt.Errorf("failed to remove from %s: %w", q.key, err)
	}
	if removed == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (q *RedisDeadLetterQueue[T]) Close() error {
	return nil
}
