// Package queue provides the work queues that take billing and usage-log
// writes off the request path. Two backends share one interface:
//
//  1. Memory queue (channel-based): no persistence, for standalone and
//     development deployments.
//  2. Redis queue (Redis lists): survives restarts and can be drained by
//     several gateway replicas.
//
// Flow:
//
//	┌──────────────┐
//	│ Proxy        │  usage measured after the response
//	└──────┬───────┘
//	       ▼
//	┌──────────────┐      ┌───────────────┐
//	│ Billing      │─────▶│ Billing       │──▶ ledger debit (key store)
//	│ Queue        │      │ Worker        │──▶ usage log (batched)
//	└──────────────┘      └──────┬────────┘
//	                             │ retries exhausted
//	                             ▼
//	                          ┌─────┐
//	                          │ DLQ │
//	                          └─────┘
//
// Workers dequeue in batches, retry with exponential backoff and park items
// that keep failing in a dead-letter queue for operator replay.
package queue

import (
	"context"
	"time"
)

// Queue defines the interface for message queuing
type Queue interface {
	// Enqueue adds an item to the queue
	Enqueue(ctx context.Context, item any) error

	// Dequeue retrieves items from the queue (up to maxItems)
	// Blocks until at least one item is available or context is cancelled
	Dequeue(ctx context.Context, maxItems int) ([]any, error)

	// DequeueWithTimeout retrieves items with a timeout
	// Returns items if available before timeout, empty slice otherwise
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]any, error)

	// Length returns the current queue length
	Length(ctx context.Context) (int, error)

	// Close shuts down the queue gracefully
	Close() error
}

// DeadLetterQueue defines the interface for handling failed items
type DeadLetterQueue interface {
	// Add adds a failed item to the dead letter queue with error info
	Add(ctx context.Context, item any, err error) error

	// List retrieves items from the dead letter queue, oldest first
	List(ctx context.Context, maxItems int) ([]DeadLetterItem, error)

	// Remove removes an item from the dead letter queue
	Remove(ctx context.Context, id string) error

	// Close shuts down the dead letter queue
	Close() error
}

// DeadLetterItem represents an item in the dead letter queue
type DeadLetterItem struct {
	ID        string    `json:"id"`
	Item      any       `json:"item"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
	Retries   int       `json:"retries"`
}

// Config holds queue configuration
type Config struct {
	// BatchSize is the maximum number of items to process in a batch
	BatchSize int

	// BatchTimeout is how long to wait before processing a partial batch
	BatchTimeout time.Duration

	// MaxRetries is the maximum number of retry attempts
	MaxRetries int

	// RetryBackoff is the initial backoff duration for retries
	RetryBackoff time.Duration

	// QueueName is the name/key for the queue
	QueueName string
}

// DefaultConfig returns default queue configuration
func DefaultConfig(queueName string) *Config {
	return &Config{
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 1 * time.Second,
		QueueName:    queueName,
	}
}

// Backoff returns the wait before retry attempt n (n >= 1)
func (c *Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return c.RetryBackoff * time.Duration(1<<uint(attempt-1))
}
