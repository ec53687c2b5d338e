package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "kv:"
	scanBatchSize    = 200

	fieldValue    = "value"
	fieldMetadata = "metadata"
)

// RedisStore implements Store on top of Redis. Each entry is a hash with a
// "value" and a "metadata" field, so a put is a single HSET.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// RedisOption configures a RedisStore
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces all keys under prefix (default "kv:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.keyPrefix = prefix
	}
}

// NewRedisStore creates a Redis-backed key store
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		keyPrefix: defaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) redisKey(key string) string {
	return s.keyPrefix + key
}

// Get returns the value stored under key
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.HGet(ctx, s.redisKey(key), fieldValue).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: get %s: %w", ErrUnavailable, key, err)
	}
	return val, nil
}

// GetWithMetadata returns value and metadata stored under key
func (s *RedisStore) GetWithMetadata(ctx context.Context, key string) (*Entry, error) {
	vals, err := s.client.HMGet(ctx, s.redisKey(key), fieldValue, fieldMetadata).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", ErrUnavailable, key, err)
	}

	value, ok := vals[0].(string)
	if !ok {
		return nil, ErrNotFound
	}

	entry := &Entry{Value: value}
	if meta, ok := vals[1].(string); ok && meta != "" {
		entry.Metadata = json.RawMessage(meta)
	}
	return entry, nil
}

// Put overwrites value and metadata of key
func (s *RedisStore) Put(ctx context.Context, key string, value string, metadata any) error {
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata of %s: %w", key, err)
	}

	if err := s.client.HSet(ctx, s.redisKey(key), fieldValue, value, fieldMetadata, string(meta)).Err(); err != nil {
		return fmt.Errorf("%w: put %s: %w", ErrUnavailable, key, err)
	}
	return nil
}

// List returns all keys with the given prefix. It walks the keyspace with
// SCAN, so it is meant for low-frequency operational paths only.
func (s *RedisStore) List(ctx context.Context, prefix string) ([]string, error) {
	pattern := s.keyPrefix + escapeGlob(prefix) + "*"

	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: list %s: %w", ErrUnavailable, prefix, err)
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, s.keyPrefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	sort.Strings(keys)
	return dedupeSorted(keys), nil
}

// escapeGlob quotes the characters SCAN MATCH treats as pattern syntax.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SCAN may return a key more than once
func dedupeSorted(keys []string) []string {
	if len(keys) < 2 {
		return keys
	}
	out := keys[:1]
	for _, k := range keys[1:] {
		if k != out[len(out)-1] {
			out = append(out, k)
		}
	}
	return out
}
