// Package kvstore is the adapter over the eventually consistent key-value
// store that holds hot-path account state and credential records.
//
// The store offers four primitives only: get, get-with-metadata, put and
// list-by-prefix. There are no transactions and no compare-and-swap; every
// put overwrites both the value and the metadata blob of a key. Callers that
// mutate a record must re-read it (including metadata) right before writing.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a key does not exist
	ErrNotFound = errors.New("key not found")

	// ErrUnavailable wraps every failure of the underlying store
	ErrUnavailable = errors.New("key store unavailable")
)

// Entry is a stored value together with its metadata side-channel.
type Entry struct {
	Value    string
	Metadata json.RawMessage
}

// Store is the key store contract consumed by the rest of the gateway.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// GetWithMetadata returns the value and metadata stored under key, or ErrNotFound.
	GetWithMetadata(ctx context.Context, key string) (*Entry, error)

	// Put overwrites value and metadata of key. metadata is JSON-encoded;
	// nil stores no metadata.
	Put(ctx context.Context, key string, value string, metadata any) error

	// List returns all keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// GetJSONWithMetadata decodes the value of key into value and its metadata
// into metadata. Either target may be nil to skip decoding.
func GetJSONWithMetadata(ctx context.Context, s Store, key string, value, metadata any) error {
	entry, err := s.GetWithMetadata(ctx, key)
	if err != nil {
		return err
	}

	if value != nil {
		if err := json.Unmarshal([]byte(entry.Value), value); err != nil {
			return fmt.Errorf("failed to decode value of %s: %w", key, err)
		}
	}

	if metadata != nil && len(entry.Metadata) > 0 {
		if err := json.Unmarshal(entry.Metadata, metadata); err != nil {
			return fmt.Errorf("failed to decode metadata of %s: %w", key, err)
		}
	}

	return nil
}

// PutJSON encodes value as JSON and stores it with metadata.
func PutJSON(ctx context.Context, s Store, key string, value, metadata any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value of %s: %w", key, err)
	}
	return s.Put(ctx, key, string(data), metadata)
}

func encodeMetadata(metadata any) ([]byte, error) {
	if metadata == nil {
		return nil, nil
	}
	if raw, ok := metadata.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(metadata)
}
