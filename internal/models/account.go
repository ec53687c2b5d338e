package models

import "time"

// AccountState is the mutable part of an account record, stored as the
// value of "user:<accountId>" in the key store.
type AccountState struct {
	Balance              float64   `json:"balance"`
	Concurrency          int       `json:"concurrency"`
	ConcurrencyUpdatedAt time.Time `json:"concurrency_updated_at,omitempty"`
	// ConcurrencyLeases holds the acquisition time of each held slot,
	// oldest first. Concurrency is its length.
	ConcurrencyLeases []time.Time `json:"concurrency_leases,omitempty"`
}

// AccountMetadata rides alongside the account record as the key store's
// metadata blob. It is rewritten verbatim on every state update.
type AccountMetadata struct {
	MaxConcurrency *int      `json:"maxConcurrency,omitempty"`
	Email          string    `json:"email"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Account is the assembled view of a single prepaid account.
type Account struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	Balance        float64   `json:"balance"`
	Concurrency    int       `json:"concurrency"`
	MaxConcurrency int       `json:"max_concurrency"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewAccount builds the view from the stored state and metadata.
// defaultMax applies when the metadata carries no override.
func NewAccount(id string, state AccountState, meta AccountMetadata, defaultMax int) *Account {
	limit := defaultMax
	if meta.MaxConcurrency != nil {
		limit = *meta.MaxConcurrency
	}
	return &Account{
		ID:             id,
		Email:          meta.Email,
		Balance:        state.Balance,
		Concurrency:    state.Concurrency,
		MaxConcurrency: limit,
		CreatedAt:      meta.CreatedAt,
	}
}

// EmailIndexMetadata is stored next to an "email:<address>" index entry.
type EmailIndexMetadata struct {
	CreatedAt time.Time `json:"createdAt"`
}
