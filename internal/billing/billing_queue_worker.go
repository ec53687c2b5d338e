package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"metered_gateway/internal/queue"
	"metered_gateway/internal/utils"
)

// BillingQueueWorker charges usage events off the request path
type BillingQueueWorker struct {
	queue       queue.Queue
	dlq         queue.DeadLetterQueue
	service     Charger
	config      *queue.Config
	logger      *zap.Logger
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewBillingQueueWorker creates a new billing queue worker
func NewBillingQueueWorker(q queue.Queue, dlq queue.DeadLetterQueue, service Charger, config *queue.Config, logger *zap.Logger) *BillingQueueWorker {
	if config == nil {
		config = queue.DefaultConfig("billing")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BillingQueueWorker{
		queue:       q,
		dlq:         dlq,
		service:     service,
		config:      config,
		logger:      logger.Named("billing-worker"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *BillingQueueWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop charges whatever is still queued and stops the worker
func (w *BillingQueueWorker) Stop() error {
	close(w.stopChan)
	<-w.stoppedChan
	return nil
}

// Enqueue adds a usage event to the queue
func (w *BillingQueueWorker) Enqueue(ctx context.Context, event *UsageEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return w.queue.Enqueue(ctx, event)
}

func (w *BillingQueueWorker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Billing worker stopping")
			w.flush()
			return
		case <-ctx.Done():
			w.logger.Info("Billing worker context cancelled")
			return
		default:
			w.processBatch(ctx, w.config.BatchTimeout)
		}
	}
}

func (w *BillingQueueWorker) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for ctx.Err() == nil {
		if n := w.processBatch(ctx, 10*time.Millisecond); n == 0 {
			return
		}
	}
}

// processBatch charges one batch of events and returns how many items were
// dequeued
func (w *BillingQueueWorker) processBatch(ctx context.Context, timeout time.Duration) int {
	items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, timeout)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("Failed to dequeue usage events", zap.Error(err))
			sleepCtx(ctx, time.Second)
		}
		return 0
	}

	if len(items) == 0 {
		return 0
	}

	w.logger.Debug("Processing billing batch", zap.Int("count", len(items)))

	for _, item := range items {
		if err := w.processItem(ctx, item); err != nil {
			w.logger.Error("Failed to charge usage event", zap.Error(err))
		}
	}
	return len(items)
}

// processItem charges a single event with retries
func (w *BillingQueueWorker) processItem(ctx context.Context, item any) error {
	var event UsageEvent
	if err := unmarshalEvent(item, &event); err != nil {
		return fmt.Errorf("failed to unmarshal usage event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.config.Backoff(attempt)
			w.logger.Debug("Retrying charge", zap.Int("attempt", attempt), zap.Duration("backoff", backoff))
			if !sleepCtx(ctx, backoff) {
				lastErr = ctx.Err()
				break
			}
		}

		result, err := w.service.Charge(ctx, &event)
		if err != nil {
			lastErr = err
			w.logger.Warn("Charge failed", zap.Int("attempt", attempt), zap.Error(err))
			if !utils.IsRetryable(err) {
				break
			}
			continue
		}

		w.logger.Debug("Usage event charged",
			zap.String("account_id", event.AccountID),
			zap.String("request_id", event.RequestID),
			zap.Float64("cost", result.Cost),
			zap.Bool("skipped", result.Skipped),
		)
		return nil
	}

	if w.dlq != nil {
		if err := w.dlq.Add(context.Background(), &event, lastErr); err != nil {
			w.logger.Error("Failed to add to dead letter queue", zap.Error(err))
		} else {
			w.logger.Warn("Usage event moved to DLQ",
				zap.String("account_id", event.AccountID),
				zap.String("request_id", event.RequestID),
				zap.Error(lastErr),
			)
		}
	}

	return fmt.Errorf("%w: %w", queue.ErrMaxRetriesExceeded, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func unmarshalEvent(item any, event *UsageEvent) error {
	switch v := item.(type) {
	case *UsageEvent:
		*event = *v
		return nil
	case UsageEvent:
		*event = v
		return nil
	case []byte:
		return json.Unmarshal(v, event)
	case json.RawMessage:
		return json.Unmarshal(v, event)
	default:
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal item: %w", err)
		}
		return json.Unmarshal(data, event)
	}
}

// GetQueueLength returns the current queue length
func (w *BillingQueueWorker) GetQueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

// GetDeadLetterItems returns items from the dead letter queue
func (w *BillingQueueWorker) GetDeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem, error) {
	if w.dlq == nil {
		return nil, fmt.Errorf("dead letter queue not configured")
	}
	return w.dlq.List(ctx, maxItems)
}

// RetryDeadLetterItem puts a failed event back on the queue
func (w *BillingQueueWorker) RetryDeadLetterItem(ctx context.Context, id string) error {
	if w.dlq == nil {
		return fmt.Errorf("dead letter queue not configured")
	}

	items, err := w.dlq.List(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list dead letter items: %w", err)
	}

	for _, dlItem := range items {
		if dlItem.ID != id {
			continue
		}

		var event UsageEvent
		if err := unmarshalEvent(dlItem.Item, &event); err != nil {
			return fmt.Errorf("failed to decode dead letter item: %w", err)
		}
		if err := w.queue.Enqueue(ctx, &event); err != nil {
			return fmt.Errorf("failed to re-enqueue item: %w", err)
		}
		if err := w.dlq.Remove(ctx, id); err != nil {
			return fmt.Errorf("failed to remove from DLQ: %w", err)
		}
		return nil
	}

	return queue.ErrItemNotFound
}
