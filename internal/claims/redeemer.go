// Package claims hands a freshly issued API key to its owner exactly once.
//
// A claim ticket holds the pending secret until it is redeemed. Redemption
// relies on a single conditional update of the ticket (used=false to
// used=true); whichever redeemer's update affects the row wins, every other
// concurrent attempt observes ErrClaimAlreadyUsed.
package claims

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"metered_gateway/internal/auth"
	"metered_gateway/internal/models"
	"metered_gateway/internal/storage"
)

const (
	// DefaultTTL is how long a ticket stays redeemable after issuance
	DefaultTTL = 15 * time.Minute

	tokenBytes = 12
)

var (
	ErrClaimNotFound    = errors.New("claim token not found")
	ErrClaimAlreadyUsed = errors.New("claim token already used")
	ErrClaimExpired     = errors.New("claim token expired")
)

// Store persists claim tickets.
type Store interface {
	Create(ctx context.Context, ticket *models.ClaimTicket) error

	// Get returns storage.ErrClaimTicketNotFound when the token is unknown.
	Get(ctx context.Context, token string) (*models.ClaimTicket, error)

	// MarkUsed flips used to true and clears the pending secret, but only if
	// the ticket is still unused. It reports whether this call made the change.
	MarkUsed(ctx context.Context, token string, at time.Time) (bool, error)
}

// Redemption is the outcome of a successful claim
type Redemption struct {
	AccountID string `json:"-"`
	Email     string `json:"email"`
	Secret    string `json:"apiKey"`
}

// Redeemer issues and redeems claim tickets
type Redeemer struct {
	store      Store
	encryption *storage.Encryption
	ttl        time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Redeemer
type Option func(*Redeemer)

// WithTTL overrides DefaultTTL
func WithTTL(ttl time.Duration) Option {
	return func(r *Redeemer) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithEncryption stores pending secrets AES-GCM encrypted
func WithEncryption(enc *storage.Encryption) Option {
	return func(r *Redeemer) {
		r.encryption = enc
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(r *Redeemer) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRedeemer creates a redeemer over store
func NewRedeemer(store Store, opts ...Option) *Redeemer {
	r := &Redeemer{
		store:  store,
		ttl:    DefaultTTL,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("claims")
	return r
}

// Issue creates a ticket that can be exchanged once for secret.
func (r *Redeemer) Issue(ctx context.Context, accountID, email, secret string) (*models.ClaimTicket, error) {
	token, err := auth.RandomToken(tokenBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to generate claim token: %w", err)
	}

	pending := secret
	if r.encryption != nil {
		pending, err = r.encryption.Seal(secret)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt pending secret: %w", err)
		}
	}

	now := r.now().UTC()
	ticket := &models.ClaimTicket{
		Token:         token,
		AccountID:     accountID,
		Email:         email,
		PendingSecret: pending,
		ExpiresAt:     now.Add(r.ttl),
		CreatedAt:     now,
	}

	if err := r.store.Create(ctx, ticket); err != nil {
		return nil, fmt.Errorf("failed to store claim ticket: %w", err)
	}

	r.logger.Debug("Claim ticket issued",
		zap.String("account_id", accountID),
		zap.Time("expires_at", ticket.ExpiresAt),
	)

	return ticket, nil
}

// Redeem exchanges token for the pending secret. Of any number of
// concurrent calls with the same token, at most one succeeds.
func (r *Redeemer) Redeem(ctx context.Context, token string) (*Redemption, error) {
	ticket, err := r.store.Get(ctx, token)
	if errors.Is(err, storage.ErrClaimTicketNotFound) {
		return nil, ErrClaimNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load claim ticket: %w", err)
	}

	if ticket.Used {
		return nil, ErrClaimAlreadyUsed
	}

	now := r.now()
	if ticket.IsExpired(now) {
		return nil, ErrClaimExpired
	}

	secret := ticket.PendingSecret
	if r.encryption != nil {
		secret, err = r.encryption.Open(secret)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt pending secret: %w", err)
		}
	}

	won, err := r.store.MarkUsed(ctx, token, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to mark claim ticket used: %w", err)
	}
	if !won {
		return nil, ErrClaimAlreadyUsed
	}

	r.logger.Info("Claim ticket redeemed", zap.String("account_id", ticket.AccountID))

	return &Redemption{
		AccountID: ticket.AccountID,
		Email:     ticket.Email,
		Secret:    secret,
	}, nil
}
