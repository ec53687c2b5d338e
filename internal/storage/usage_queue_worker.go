package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"metered_gateway/internal/models"
	"metered_gateway/internal/queue"
)

// UsageWriter persists usage records
type UsageWriter interface {
	Create(ctx context.Context, record *models.UsageRecord) error
	InsertBatch(ctx context.Context, records []*models.UsageRecord) error
}

// UsageQueueWorker appends usage records to the usage log asynchronously,
// in batches
type UsageQueueWorker struct {
	queue       queue.Queue
	dlq         queue.DeadLetterQueue
	writer      UsageWriter
	config      *queue.Config
	logger      *zap.Logger
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewUsageQueueWorker creates a new usage queue worker
func NewUsageQueueWorker(q queue.Queue, dlq queue.DeadLetterQueue, writer UsageWriter, config *queue.Config, logger *zap.Logger) *UsageQueueWorker {
	if config == nil {
		config = queue.DefaultConfig("usage")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &UsageQueueWorker{
		queue:       q,
		dlq:         dlq,
		writer:      writer,
		config:      config,
		logger:      logger.Named("usage-worker"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *UsageQueueWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop gracefully stops the worker after flushing queued records
func (w *UsageQueueWorker) Stop() error {
	close(w.stopChan)
	<-w.stoppedChan
	return nil
}

// Append queues a usage record for insertion
func (w *UsageQueueWorker) Append(ctx context.Context, record *models.UsageRecord) error {
	return w.queue.Enqueue(ctx, record)
}

// run is the main worker loop
func (w *UsageQueueWorker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Usage worker stopping")
			w.flush()
			return
		case <-ctx.Done():
			w.logger.Info("Usage worker context cancelled")
			return
		default:
			w.processBatch(ctx, w.config.BatchTimeout)
		}
	}
}

// flush drains what is left in the queue on shutdown
func (w *UsageQueueWorker) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for ctx.Err() == nil {
		if n := w.processBatch(ctx, 10*time.Millisecond); n == 0 {
			return
		}
	}
}

// processBatch processes one batch of usage records and returns how many
// items were dequeued
func (w *UsageQueueWorker) processBatch(ctx context.Context, timeout time.Duration) int {
	items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, timeout)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("Failed to dequeue usage records", zap.Error(err))
			w.sleep(ctx, time.Second)
		}
		return 0
	}

	if len(items) == 0 {
		return 0
	}

	w.logger.Debug("Processing usage batch", zap.Int("count", len(items)))

	records := make([]*models.UsageRecord, 0, len(items))
	for _, item := range items {
		var record models.UsageRecord
		if err := unmarshalUsageItem(item, &record); err != nil {
			w.logger.Error("Failed to unmarshal usage record", zap.Error(err))
			continue
		}
		records = append(records, &record)
	}

	if len(records) == 0 {
		return len(items)
	}

	if err := w.writer.InsertBatch(ctx, records); err != nil {
		w.logger.Warn("Batch insert failed, falling back to individual inserts", zap.Error(err))
		for _, record := range records {
			if err := w.processItem(ctx, record); err != nil {
				w.logger.Error("Failed to persist usage record", zap.Error(err))
			}
		}
	}

	return len(items)
}

// processItem inserts a single usage record with retries
func (w *UsageQueueWorker) processItem(ctx context.Context, record *models.UsageRecord) error {
	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.config.Backoff(attempt)
			w.logger.Debug("Retrying usage record", zap.Int("attempt", attempt), zap.Duration("backoff", backoff))
			if !w.sleep(ctx, backoff) {
				lastErr = ctx.Err()
				break
			}
		}

		if err := w.writer.Create(ctx, record); err != nil {
			lastErr = err
			w.logger.Warn("Failed to insert usage record", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		return nil
	}

	if w.dlq != nil {
		if err := w.dlq.Add(context.Background(), record, lastErr); err != nil {
			w.logger.Error("Failed to add to dead letter queue", zap.Error(err))
		} else {
			w.logger.Warn("Usage record moved to DLQ",
				zap.String("request_id", record.RequestID),
				zap.Error(lastErr),
			)
		}
	}

	return fmt.Errorf("%w: %w", queue.ErrMaxRetriesExceeded, lastErr)
}

// sleep waits for d unless the worker is stopped or ctx ends first
func (w *UsageQueueWorker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// unmarshalUsageItem converts a queue item into a UsageRecord
func unmarshalUsageItem(item any, record *models.UsageRecord) error {
	switch v := item.(type) {
	case *models.UsageRecord:
		*record = *v
		return nil
	case models.UsageRecord:
		*record = v
		return nil
	case []byte:
		return json.Unmarshal(v, record)
	case json.RawMessage:
		return json.Unmarshal(v, record)
	default:
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal item: %w", err)
		}
		return json.Unmarshal(data, record)
	}
}

// GetQueueLength returns the current queue length
func (w *UsageQueueWorker) GetQueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

// GetDeadLetterItems returns items from the dead letter queue
func (w *UsageQueueWorker) GetDeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem, error) {
	if w.dlq == nil {
		return nil, fmt.Errorf("dead letter queue not configured")
	}
	return w.dlq.List(ctx, maxItems)
}
