package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"metered_gateway/internal/models"
)

// ClaimRepository stores claim tickets in the claim_tokens table
type ClaimRepository struct {
	db *DB
}

// NewClaimRepository creates a new claim ticket repository
func NewClaimRepository(db *DB) *ClaimRepository {
	return &ClaimRepository{db: db}
}

// Create inserts a new ticket
func (r *ClaimRepository) Create(ctx context.Context, ticket *models.ClaimTicket) error {
	query := `
		INSERT INTO claim_tokens (token, user_id, email, temp_raw_key, expires_at, used, created_at)
		VALUES (:token, :user_id, :email, :temp_raw_key, :expires_at, :used, :created_at)
	`

	if ticket.CreatedAt.IsZero() {
		ticket.CreatedAt = time.Now().UTC()
	}

	if _, err := r.db.conn.NamedExecContext(ctx, query, ticket); err != nil {
		return fmt.Errorf("failed to create claim ticket: %w", err)
	}
	return nil
}

// Get retrieves a ticket by token
func (r *ClaimRepository) Get(ctx context.Context, token string) (*models.ClaimTicket, error) {
	query := `
		SELECT token, user_id, email, temp_raw_key, expires_at, used, used_at, created_at
		FROM claim_tokens
		WHERE token = $1
	`

	var ticket models.ClaimTicket
	err := r.db.conn.GetContext(ctx, &ticket, query, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrClaimTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get claim ticket: %w", err)
	}
	return &ticket, nil
}

// MarkUsed consumes the ticket with a single conditional update. Exactly
// one caller observes true for a given token.
func (r *ClaimRepository) MarkUsed(ctx context.Context, token string, at time.Time) (bool, error) {
	query := `
		UPDATE claim_tokens
		SET used = TRUE, temp_raw_key = '', used_at = $2
		WHERE token = $1 AND used = FALSE
	`

	res, err := r.db.conn.ExecContext(ctx, query, token, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark claim ticket used: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}
