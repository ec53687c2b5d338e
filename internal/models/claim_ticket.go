package models

import "time"

// ClaimTicket is a single-use token that can be exchanged once for the
// plaintext API key issued at provisioning time.
type ClaimTicket struct {
	Token         string     `db:"token"`
	AccountID     string     `db:"user_id"`
	Email         string     `db:"email"`
	PendingSecret string     `db:"temp_raw_key"`
	ExpiresAt     time.Time  `db:"expires_at"`
	Used          bool       `db:"used"`
	UsedAt        *time.Time `db:"used_at"`
	CreatedAt     time.Time  `db:"created_at"`
}

// IsExpired reports whether the ticket's validity window has passed at now.
func (t *ClaimTicket) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
