package models

import (
	"time"
)

// APIKeyMetadata is the metadata blob stored with an "apikey:<hash>" entry.
// The entry's value is the owning account ID.
type APIKeyMetadata struct {
	KeyPrefix string    `json:"keyPrefix"`
	IsActive  bool      `json:"isActive"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// APIKey represents an issued client credential. The secret itself is never
// stored; ID is the SHA-256 hex digest used as the lookup key.
type APIKey struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	KeyPrefix string    `json:"key_prefix"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// NewAPIKey assembles the credential view from its stored parts.
func NewAPIKey(hash, accountID string, meta APIKeyMetadata) *APIKey {
	return &APIKey{
		ID:        hash,
		AccountID: accountID,
		KeyPrefix: meta.KeyPrefix,
		Enabled:   meta.IsActive,
		CreatedAt: meta.CreatedAt,
	}
}

// IsValid checks if the key can still authenticate requests
func (k *APIKey) IsValid() bool {
	return k.Enabled
}
