package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tool_broker/internal/models"
	"tool_broker/internal/queue"
	"tool_broker/internal/utils"
)

// UsageWriter persists usage records
type UsageWriter interface {
	Save(ctx context.Context, record *models.UsageRecord) error
	SaveBatch(ctx context.Context, records []*models.UsageRecord) error
}

// UsageQueueWorker drains queued usage records into a UsageWriter
type UsageQueueWorker struct {
	queue       queue.Queue[*models.UsageRecord]
	dlq         queue.DeadLetterQueue[*models.UsageRecord]
	writer      UsageWriter
	config      *queue.Config
	logger      *utils.Logger
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewUsageQueueWorker creates a new usage queue worker
func NewUsageQueueWorker(q queue.Queue[*models.UsageRecord], dlq queue.DeadLetterQueue[*models.UsageRecord], writer UsageWriter, config *queue.Config) *UsageQueueWorker {
	if config == nil {
		config = queue.DefaultConfig("usage")
	}

	return &UsageQueueWorker{
		queue:       q,
		dlq:         dlq,
		writer:      writer,
		config:      config,
		logger:      utils.NewLogger("usage-worker"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *UsageQueueWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop gracefully stops the worker
func (w *UsageQueueWorker) Stop() error {
	close(w.stopChan)
	<-w.stoppedChan
	return nil
}

// Enqueue adds a usage record to the queue
func (w *UsageQueueWorker) Enqueue(ctx context.Context, record *models.UsageRecord) error {
	return w.queue.Enqueue(ctx, record)
}

// run is the main worker loop
func (w *UsageQueueWorker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Usage worker stopping")
			return
		case <-ctx.Done():
			w.logger.Info("Usage worker context cancelled")
			return
		default:
			w.processBatch(ctx)
		}
	}
}

// processBatch processes a batch of usage records
func (w *UsageQueueWorker) processBatch(ctx context.Context) {
	records, err := w.queue.Dequeue(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		if !errors.Is(err, queue.ErrMalformedItem) {
			w.logger.Error("Failed to dequeue usage records", "error", err)
			w.sleep(ctx, time.Second)
			return
		}
		w.logger.Error("Dropped malformed usage records", "error", err)
	}

	if len(records) == 0 {
		return
	}

	w.logger.Debug("Processing usage batch", "count", len(records))
	w.processItems(ctx, records)
}

// processItems saves records as one batch, falling back to individual saves
func (w *UsageQueueWorker) processItems(ctx context.Context, records []*models.UsageRecord) {
	if len(records) == 0 {
		return
	}

	if err := w.writer.SaveBatch(ctx, records); err != nil {
		w.logger.Error("Failed to insert batch, falling back to individual inserts", "error", err)
		for _, record := range records {
			if err := w.processItem(ctx, record); err != nil {
				w.logger.Error("Failed to process usage record", "error", err)
			}
		}
		return
	}

	w.logger.Debug("Inserted batch successfully", "count", len(records))
}

// processItem saves a single usage record with retries
func (w *UsageQueueWorker) processItem(ctx context.Context, record *models.UsageRecord) error {
	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := queue.Backoff(w.config.RetryBackoff, attempt)
			w.logger.Debug("Retrying usage record", "attempt", attempt, "backoff", backoff)
			w.sleep(ctx, backoff)
		}

		err := w.writer.Save(ctx, record)
		if err == nil {
			w.logger.Debug("Usage record inserted", "record_id", record.ID)
			return nil
		}

		lastErr = err
		w.logger.Error("Failed to insert usage record", "attempt", attempt, "error", err)
		if !utils.IsRetryableError(err) {
			break
		}
	}

	if w.dlq != nil {
		if err := w.dlq.Add(ctx, record, lastErr); err != nil {
			w.logger.Error("Failed to add to dead letter queue", "error", err)
		} else {
			w.logger.Warn("Usage record moved to DLQ", "record_id", record.ID, "error", lastErr)
		}
	}

	return fmt.Errorf("usage record %s not saved: %w", record.ID, lastErr)
}

func (w *UsageQueueWorker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	case <-w.stopChan:
	}
}

// GetQueueLength returns the current queue length
func (w *UsageQueueWorker) GetQueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

// GetDeadLetterItems returns records that exhausted their retries, oldest first
func (w *UsageQueueWorker) GetDeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetter[*models.UsageRecord], error) {
	if w.dlq == nil {
		return nil, fmt.Errorf("dead letter queue not configured")
	}
	return w.dlq.List(ctx, maxItems)
}

// RetryDeadLetterItem moves a dead letter back onto the queue
func (w *UsageQueueWorker) RetryDeadLetterItem(ctx context.Context, id string) error {
	if w.dlq == nil {
		return fmt.Errorf("dead letter queue not configured")
	}
	return queue.Requeue(ctx, w.queue, w.dlq, id)
}

// AsyncUsageStore saves usage records by enqueueing them for a UsageQueueWorker.
// When the queue rejects a record it is written through directly.
type AsyncUsageStore struct {
	queue    queue.Queue[*models.UsageRecord]
	fallback UsageWriter
	logger   *utils.Logger
}

// NewAsyncUsageStore creates an async store writing through fallback when enqueueing fails
func NewAsyncUsageStore(q queue.Queue[*models.UsageRecord], fallback UsageWriter) *AsyncUsageStore {
	return &AsyncUsageStore{
		queue:    q,
		fallback: fallback,
		logger:   utils.NewLogger("async-usage-store"),
	}
}

// Save enqueues the record
func (s *AsyncUsageStore) Save(ctx context.Context, record *models.UsageRecord) error {
	err := s.queue.Enqueue(ctx, record)
	if err == nil {
		return nil
	}
	if s.fallback == nil {
		return fmt.Errorf("failed to enqueue usage record: %w", err)
	}

	s.logger.Warn("Usage queue unavailable, writing through", "record_id", record.ID, "error", err)
	return s.fallback.Save(ctx, record)
}
