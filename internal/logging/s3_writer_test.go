package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metered_gateway/internal/config"
)

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakePutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = params
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.body = data
	return &s3.PutObjectOutput{}, nil
}

func TestS3Writer_WriteBatch(t *testing.T) {
	putter := &fakePutter{}
	writer := NewS3WriterWithClient(putter, "audit", "logs/", "gateway-0", nil)
	writer.now = func() time.Time { return time.Date(2025, 11, 30, 14, 30, 22, 123456789, time.UTC) }

	key, err := writer.WriteBatch(context.Background(), []*LogRecord{
		{RequestID: "req-1", AccountID: "acct-1", Model: "gpt-4o", Status: 200, InputTokens: 10, OutputTokens: 5, CostUSD: 0.001},
		{RequestID: "req-2", AccountID: "acct-1", Model: "gpt-4o", Status: 402, Error: "insufficient balance"},
	})
	require.NoError(t, err)
	assert.Equal(t, "logs/2025/11/30/gateway-0-20251130-143022-123456789.jsonl", key)

	require.NotNil(t, putter.input)
	assert.Equal(t, "audit", aws.ToString(putter.input.Bucket))
	assert.Equal(t, key, aws.ToString(putter.input.Key))
	assert.Equal(t, "application/x-ndjson", aws.ToString(putter.input.ContentType))

	var lines []LogRecord
	scanner := bufio.NewScanner(bytes.NewReader(putter.body))
	for scanner.Scan() {
		var rec LogRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		lines = append(lines, rec)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "req-1", lines[0].RequestID)
	assert.Equal(t, "insufficient balance", lines[1].Error)
}

func TestS3Writer_EmptyBatch(t *testing.T) {
	putter := &fakePutter{}
	writer := NewS3WriterWithClient(putter, "audit", "logs/", "gateway-0", nil)

	key, err := writer.WriteBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Nil(t, putter.input)
}

func TestS3Writer_UploadError(t *testing.T) {
	writer := NewS3WriterWithClient(&fakePutter{err: errors.New("access denied")}, "audit", "", "pod", nil)

	_, err := writer.WriteBatch(context.Background(), []*LogRecord{{RequestID: "req-1"}})
	assert.ErrorContains(t, err, "access denied")
}

func TestNewS3Writer_RequiresBucket(t *testing.T) {
	_, err := NewS3Writer(context.Background(), config.LoggingSinkConfig{S3Region: "us-east-1"}, nil)
	assert.Error(t, err)
}

// TestS3Writer_MinIO runs against an S3-compatible store when MINIO_ENDPOINT
// and MINIO_BUCKET are set, e.g.
//
//	docker run -p 9000:9000 minio/minio server /data
func TestS3Writer_MinIO(t *testing.T) {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	bucket := os.Getenv("MINIO_BUCKET")
	if endpoint == "" || bucket == "" {
		t.Skip("MINIO_ENDPOINT or MINIO_BUCKET not set")
	}
	if os.Getenv("AWS_ACCESS_KEY_ID") == "" {
		t.Setenv("AWS_ACCESS_KEY_ID", "minioadmin")
		t.Setenv("AWS_SECRET_ACCESS_KEY", "minioadmin")
	}

	ctx := context.Background()
	writer, err := NewS3Writer(ctx, config.LoggingSinkConfig{
		S3Bucket:   bucket,
		S3Region:   "us-east-1",
		S3Prefix:   "test-logs/",
		S3Endpoint: endpoint,
		PodName:    "test-pod",
	}, nil)
	require.NoError(t, err)

	sink := NewBufferedSink(writer, BufferedSinkConfig{BufferSize: 10, FlushSize: 2, FlushInterval: time.Hour}, nil)
	require.NoError(t, sink.Enqueue(&LogRecord{RequestID: "minio-1", Timestamp: time.Now()}))
	require.NoError(t, sink.Enqueue(&LogRecord{RequestID: "minio-2", Timestamp: time.Now()}))
	require.NoError(t, sink.Shutdown(ctx))
}
