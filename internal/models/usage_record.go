package models

import (
	"time"

	"github.com/google/uuid"
)

// UsageRecord is one append-only entry in the usage log. APIKeyID is nil
// when the charge could not be attributed to a credential.
type UsageRecord struct {
	ID           uuid.UUID `db:"id" json:"id"`
	AccountID    string    `db:"user_id" json:"account_id"`
	APIKeyID     *string   `db:"api_key_id" json:"api_key_id,omitempty"`
	ModelID      string    `db:"model_id" json:"model_id"`
	RequestID    string    `db:"request_id" json:"request_id"`
	InputTokens  int       `db:"input_tokens" json:"input_tokens"`
	OutputTokens int       `db:"output_tokens" json:"output_tokens"`
	Cost         float64   `db:"cost" json:"cost"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}
