package kvstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore implements Store in process memory. It backs standalone
// deployments without Redis and the package tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty in-memory key store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
	}
}

// Get returns the value stored under key
func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok {
		return "", ErrNotFound
	}
	return entry.Value, nil
}

// GetWithMetadata returns value and metadata stored under key
func (s *MemoryStore) GetWithMetadata(ctx context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}

	out := &Entry{Value: entry.Value}
	if entry.Metadata != nil {
		out.Metadata = append([]byte(nil), entry.Metadata...)
	}
	return out, nil
}

// Put overwrites value and metadata of key
func (s *MemoryStore) Put(ctx context.Context, key string, value string, metadata any) error {
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata of %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = Entry{Value: value, Metadata: append([]byte(nil), meta...)}
	return nil
}

// List returns all keys with the given prefix, sorted
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0)
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of stored entries
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
