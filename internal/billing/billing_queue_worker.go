package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tool_broker/internal/queue"
	"tool_broker/internal/storage"
	"tool_broker/internal/utils"
)

// DeductionQueueWorker applies deductions that failed to persist inline
type DeductionQueueWorker struct {
	queue       queue.Queue[*Deduction]
	dlq         queue.DeadLetterQueue[*Deduction]
	store       BalanceStore
	config      *queue.Config
	logger      *utils.Logger
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewDeductionQueueWorker creates a new deduction queue worker
func NewDeductionQueueWorker(q queue.Queue[*Deduction], dlq queue.DeadLetterQueue[*Deduction], store BalanceStore, config *queue.Config) *DeductionQueueWorker {
	if config == nil {
		config = queue.DefaultConfig("deductions")
	}

	return &DeductionQueueWorker{
		queue:       q,
		dlq:         dlq,
		store:       store,
		config:      config,
		logger:      utils.NewLogger("deduction-worker"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *DeductionQueueWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop gracefully stops the worker
func (w *DeductionQueueWorker) Stop() error {
	close(w.stopChan)
	<-w.stoppedChan
	return nil
}

// Enqueue adds a deduction to the queue
func (w *DeductionQueueWorker) Enqueue(ctx context.Context, deduction *Deduction) error {
	return w.queue.Enqueue(ctx, deduction)
}

// run is the main worker loop
func (w *DeductionQueueWorker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Deduction worker stopping")
			return
		case <-ctx.Done():
			w.logger.Info("Deduction worker context cancelled")
			return
		default:
			w.processBatch(ctx)
		}
	}
}

// processBatch processes a batch of deductions
func (w *DeductionQueueWorker) processBatch(ctx context.Context) {
	deductions, err := w.queue.Dequeue(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		if !errors.Is(err, queue.ErrMalformedItem) {
			w.logger.Error("Failed to dequeue deductions", "error", err)
			w.sleep(ctx, time.Second)
			return
		}
		w.logger.Error("Dropped malformed deductions", "error", err)
	}

	if len(deductions) == 0 {
		return
	}

	w.logger.Debug("Processing deduction batch", "count", len(deductions))

	for _, deduction := range deductions {
		if err := w.processItem(ctx, deduction); err != nil {
			w.logger.Error("Failed to process deduction", "error", err)
		}
	}
}

// processItem applies a single deduction with retries. Every attempt carries the
// deduction ID, so stores implementing OnceStore charge it at most once.
func (w *DeductionQueueWorker) processItem(ctx context.Context, deduction *Deduction) error {
	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := queue.Backoff(w.config.RetryBackoff, attempt)
			w.logger.Debug("Retrying deduction", "attempt", attempt, "backoff", backoff)
			w.sleep(ctx, backoff)
		}

		err := applyDeduction(ctx, w.store, w.logger, deduction)
		if err == nil {
			w.logger.Debug("Deduction applied", "deduction_id", deduction.ID, "payer_id", deduction.PayerID)
			return nil
		}

		lastErr = err
		w.logger.Error("Failed to apply deduction", "attempt", attempt, "error", err)
		if errors.Is(err, storage.ErrUserNotFound) {
			break
		}
	}

	if w.dlq != nil {
		if err := w.dlq.Add(ctx, deduction, lastErr); err != nil {
			w.logger.Error("Failed to add to dead letter queue", "error", err)
		} else {
			w.logger.Warn("Deduction moved to DLQ", "deduction_id", deduction.ID, "payer_id", deduction.PayerID, "error", lastErr)
		}
	}

	return fmt.Errorf("%w: %w", queue.ErrMaxRetriesExceeded, lastErr)
}

func (w *DeductionQueueWorker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	case <-w.stopChan:
	}
}

// GetQueueLength returns the current queue length
func (w *DeductionQueueWorker) GetQueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

// GetDeadLetterItems returns deductions that exhausted their retries, oldest first
func (w *DeductionQueueWorker) GetDeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetter[*Deduction], error) {
	if w.dlq == nil {
		return nil, fmt.Errorf("dead letter queue not configured")
	}
	return w.dlq.List(ctx, maxItems)
}

// RetryDeadLetterItem moves a dead letter back onto the queue
func (w *DeductionQueueWorker) RetryDeadLetterItem(ctx context.Context, id string) error {
	if w.dlq == nil {
		return fmt.Errorf("dead letter queue not configured")
	}
	return queue.Requeue(ctx, w.queue, w.dlq, id)
}
