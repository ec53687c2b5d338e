package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"metered_gateway/internal/config"
)

// ObjectPutter is the part of the S3 client the writer needs
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Writer writes batches of log records to S3 as JSON Lines objects
type S3Writer struct {
	client  ObjectPutter
	bucket  string
	prefix  string
	podName string
	logger  *zap.Logger
	now     func() time.Time
}

// NewS3Writer creates a writer using the default AWS credential chain.
// S3Endpoint, when set, points the client at an S3-compatible store with
// path-style addressing.
func NewS3Writer(ctx context.Context, cfg config.LoggingSinkConfig, logger *zap.Logger) (*S3Writer, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3WriterWithClient(client, cfg.S3Bucket, cfg.S3Prefix, cfg.PodName, logger), nil
}

// NewS3WriterWithClient creates a writer around an existing client
func NewS3WriterWithClient(client ObjectPutter, bucket, prefix, podName string, logger *zap.Logger) *S3Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Writer{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		podName: podName,
		logger:  logger.Named("s3-writer"),
		now:     time.Now,
	}
}

// objectKey returns e.g. logs/2025/11/30/gateway-0-20251130-143022-123456789.jsonl
func (w *S3Writer) objectKey(now time.Time) string {
	return fmt.Sprintf("%s%04d/%02d/%02d/%s-%s-%09d.jsonl",
		w.prefix,
		now.Year(),
		now.Month(),
		now.Day(),
		w.podName,
		now.Format("20060102-150405"),
		now.Nanosecond(),
	)
}

// WriteBatch uploads records as one object and returns its key
func (w *S3Writer) WriteBatch(ctx context.Context, records []*LogRecord) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	key := w.objectKey(w.now().UTC())

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, record := range records {
		if err := encoder.Encode(record); err != nil {
			w.logger.Error("Failed to encode record", zap.String("request_id", record.RequestID), zap.Error(err))
		}
	}

	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	w.logger.Info("Wrote batch to S3", zap.String("key", key), zap.Int("count", len(records)), zap.Int("bytes", buf.Len()))
	return key, nil
}
