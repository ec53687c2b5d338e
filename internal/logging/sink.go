package logging

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"metered_gateway/internal/config"
)

var (
	// ErrSinkFull is returned when the buffer cannot take another record;
	// the record is dropped
	ErrSinkFull = errors.New("log sink buffer full")

	// ErrSinkClosed is returned after Shutdown
	ErrSinkClosed = errors.New("log sink closed")
)

// LogRecord is the audit entry written for every proxied request
type LogRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id"`
	AccountID    string    `json:"account_id,omitempty"`
	CredentialID string    `json:"credential_id,omitempty"`
	Model        string    `json:"model"`
	Stream       bool      `json:"stream"`
	Status       int       `json:"status"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	UpstreamMs   int64     `json:"upstream_ms"`
	GatewayMs    int64     `json:"gateway_ms"`
	Error        string    `json:"error,omitempty"`
}

// Sink receives log records from the gateway
type Sink interface {
	Enqueue(rec *LogRecord) error
	Shutdown(ctx context.Context) error
}

// NoopSink discards records
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (s *NoopSink) Enqueue(rec *LogRecord) error { return nil }

func (s *NoopSink) Shutdown(ctx context.Context) error { return nil }

// BatchWriter persists a batch of records and returns where it put them
type BatchWriter interface {
	WriteBatch(ctx context.Context, records []*LogRecord) (string, error)
}

// BufferedSinkConfig controls batching
type BufferedSinkConfig struct {
	BufferSize    int
	FlushSize     int
	FlushInterval time.Duration
}

// BufferedSinkConfigFrom picks the batching settings out of the sink config
func BufferedSinkConfigFrom(cfg config.LoggingSinkConfig) BufferedSinkConfig {
	return BufferedSinkConfig{
		BufferSize:    cfg.BufferSize,
		FlushSize:     cfg.FlushSize,
		FlushInterval: cfg.FlushInterval,
	}
}

// BufferedSink collects records in memory and hands them to a BatchWriter
// when FlushSize records are pending or FlushInterval elapses. Records that
// fail to write are logged and dropped.
type BufferedSink struct {
	writer BatchWriter
	config BufferedSinkConfig
	logger *zap.Logger

	records chan *LogRecord
	done    chan struct{}
	stopped chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewBufferedSink starts the flush goroutine
func NewBufferedSink(writer BatchWriter, cfg BufferedSinkConfig, logger *zap.Logger) *BufferedSink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &BufferedSink{
		writer:  writer,
		config:  cfg,
		logger:  logger.Named("log-sink"),
		records: make(chan *LogRecord, cfg.BufferSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.run()
	return s
}

// Enqueue adds a record without blocking
func (s *BufferedSink) Enqueue(rec *LogRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrSinkClosed
	}

	select {
	case s.records <- rec:
		return nil
	default:
		return ErrSinkFull
	}
}

// Shutdown flushes pending records. It returns ctx.Err() if the final flush
// does not finish in time.
func (s *BufferedSink) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.stopped
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)

	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *BufferedSink) run() {
	defer close(s.stopped)

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]*LogRecord, 0, s.config.FlushSize)

	for {
		select {
		case rec := <-s.records:
			batch = append(batch, rec)
			if len(batch) >= s.config.FlushSize {
				batch = s.flush(batch)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				batch = s.flush(batch)
			}
		case <-s.done:
			for {
				select {
				case rec := <-s.records:
					batch = append(batch, rec)
					if len(batch) >= s.config.FlushSize {
						batch = s.flush(batch)
					}
				default:
					if len(batch) > 0 {
						s.flush(batch)
					}
					return
				}
			}
		}
	}
}

// flush writes the batch and returns it emptied for reuse
func (s *BufferedSink) flush(batch []*LogRecord) []*LogRecord {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	key, err := s.writer.WriteBatch(ctx, batch)
	if err != nil {
		s.logger.Error("Failed to write log batch, dropping records",
			zap.Int("count", len(batch)),
			zap.Error(err),
		)
	} else {
		s.logger.Debug("Flushed log batch", zap.String("key", key), zap.Int("count", len(batch)))
	}

	clear(batch)
	return batch[:0]
}
