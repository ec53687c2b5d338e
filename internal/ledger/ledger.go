// Package ledger keeps prepaid account balances in the key store.
//
// Debit and credit are read-modify-write over a store without transactions:
// two concurrent debits against one account can both read the same balance
// and one of them is lost. Admission caps in-flight requests per account, so
// the drift is bounded by the account's concurrency limit.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"metered_gateway/internal/kvstore"
	"metered_gateway/internal/models"
)

const (
	// MinBalance is the balance an account needs before a request is admitted
	MinBalance = 0.01

	// MinConcurrency and MaxConcurrency bound per-account overrides
	MinConcurrency = 1
	MaxConcurrency = 100
)

var (
	// ErrAccountNotFound is returned when no account record exists
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when creating an account that is already stored
	ErrAccountExists = errors.New("account already exists")

	// ErrInvalidAmount is returned for negative debits and non-positive credits
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidConcurrency is returned for limits outside [MinConcurrency, MaxConcurrency]
	ErrInvalidConcurrency = errors.New("invalid concurrency limit")
)

// Ledger reads and mutates account balances
type Ledger struct {
	store      kvstore.Store
	defaultMax int
	now        func() time.Time
}

// New creates a ledger. defaultMax is the concurrency limit reported for
// accounts without an override.
func New(store kvstore.Store, defaultMax int) *Ledger {
	return &Ledger{store: store, defaultMax: defaultMax, now: time.Now}
}

// GetBalance returns the balance of an account. A missing account has no
// credit and returns 0 without error.
func (l *Ledger) GetBalance(ctx context.Context, accountID string) (float64, error) {
	rec, err := ReadRecord(ctx, l.store, accountID)
	if errors.Is(err, ErrAccountNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return rec.State.Balance, nil
}

// Debit subtracts amount from the balance, clamping at zero. It returns false
// when the account does not exist.
func (l *Ledger) Debit(ctx context.Context, accountID string, amount float64) (bool, error) {
	if amount < 0 || math.IsNaN(amount) {
		return false, ErrInvalidAmount
	}

	rec, err := ReadRecord(ctx, l.store, accountID)
	if errors.Is(err, ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	rec.State.Balance = math.Max(0, rec.State.Balance-amount)
	if err := WriteRecord(ctx, l.store, rec); err != nil {
		return false, err
	}
	return true, nil
}

// Credit adds amount to the balance and returns the new balance. Accounts are
// never created implicitly.
func (l *Ledger) Credit(ctx context.Context, accountID string, amount float64) (float64, error) {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, ErrInvalidAmount
	}

	rec, err := ReadRecord(ctx, l.store, accountID)
	if err != nil {
		return 0, err
	}

	rec.State.Balance += amount
	if err := WriteRecord(ctx, l.store, rec); err != nil {
		return 0, err
	}
	return rec.State.Balance, nil
}

// CreateAccount stores a new account and its email index entry. It is not
// idempotent on its own: callers resolve the email with FindByEmail first.
func (l *Ledger) CreateAccount(ctx context.Context, accountID, email string, initialBalance float64) (*models.Account, error) {
	if initialBalance < 0 || math.IsNaN(initialBalance) {
		return nil, ErrInvalidAmount
	}

	_, err := ReadRecord(ctx, l.store, accountID)
	if err == nil {
		return nil, ErrAccountExists
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	now := l.now().UTC()
	rec := &Record{
		ID:    accountID,
		State: models.AccountState{Balance: initialBalance},
		Meta: models.AccountMetadata{
			Email:     NormalizeEmail(email),
			CreatedAt: now,
		},
	}
	if err := WriteRecord(ctx, l.store, rec); err != nil {
		return nil, err
	}

	// the account exists even if the index write fails; FindByEmail then
	// misses it and the caller sees the error
	if err := l.store.Put(ctx, emailKey(email), accountID, models.EmailIndexMetadata{CreatedAt: now}); err != nil {
		return nil, fmt.Errorf("failed to index email for account %s: %w", accountID, err)
	}

	return models.NewAccount(accountID, rec.State, rec.Meta, l.defaultMax), nil
}

// FindByEmail resolves an account through the email index
func (l *Ledger) FindByEmail(ctx context.Context, email string) (*models.Account, error) {
	accountID, err := l.store.Get(ctx, emailKey(email))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up email: %w", err)
	}
	return l.GetAccount(ctx, accountID)
}

// GetAccount returns the assembled view of an account
func (l *Ledger) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	rec, err := ReadRecord(ctx, l.store, accountID)
	if err != nil {
		return nil, err
	}
	return models.NewAccount(accountID, rec.State, rec.Meta, l.defaultMax), nil
}

// SetMaxConcurrency overrides the concurrency limit of an account
func (l *Ledger) SetMaxConcurrency(ctx context.Context, accountID string, limit int) (*models.Account, error) {
	if limit < MinConcurrency || limit > MaxConcurrency {
		return nil, ErrInvalidConcurrency
	}

	rec, err := ReadRecord(ctx, l.store, accountID)
	if err != nil {
		return nil, err
	}

	rec.Meta.MaxConcurrency = &limit
	if err := WriteRecord(ctx, l.store, rec); err != nil {
		return nil, err
	}
	return models.NewAccount(accountID, rec.State, rec.Meta, l.defaultMax), nil
}

// HasSufficientBalance reports whether balance covers MinBalance
func HasSufficientBalance(balance float64) bool {
	return balance >= MinBalance
}
