package claims

import (
	"context"
	"sync"
	"time"

	"metered_gateway/internal/models"
	"metered_gateway/internal/storage"
)

// MemoryStore keeps claim tickets in process memory. MarkUsed is atomic
// under the store mutex, matching the conditional UPDATE of the SQL store.
type MemoryStore struct {
	mu      sync.Mutex
	tickets map[string]models.ClaimTicket
}

// NewMemoryStore creates an empty ticket store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tickets: make(map[string]models.ClaimTicket),
	}
}

// Create stores a ticket, replacing any ticket with the same token
func (s *MemoryStore) Create(ctx context.Context, ticket *models.ClaimTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tickets[ticket.Token] = *ticket
	return nil
}

// Get returns a copy of the ticket
func (s *MemoryStore) Get(ctx context.Context, token string) (*models.ClaimTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[token]
	if !ok {
		return nil, storage.ErrClaimTicketNotFound
	}
	return &t, nil
}

// MarkUsed flips the ticket to used if it is not already
func (s *MemoryStore) MarkUsed(ctx context.Context, token string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[token]
	if !ok || t.Used {
		return false, nil
	}

	t.Used = true
	t.UsedAt = &at
	t.PendingSecret = ""
	s.tickets[token] = t
	return true, nil
}
