// Package recharge tops up prepaid accounts, creating the account and its
// first credential when the email is new.
package recharge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/mail"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"metered_gateway/internal/auth"
	"metered_gateway/internal/ledger"
	"metered_gateway/internal/models"
	"metered_gateway/internal/notifications"
)

var (
	ErrInvalidEmail  = errors.New("invalid email address")
	ErrInvalidAmount = errors.New("amount must be greater than 0")
)

// Ledger is the account side of a recharge
type Ledger interface {
	FindByEmail(ctx context.Context, email string) (*models.Account, error)
	CreateAccount(ctx context.Context, accountID, email string, initialBalance float64) (*models.Account, error)
	Credit(ctx context.Context, accountID string, amount float64) (float64, error)
}

// KeyIssuer mints and revokes credentials
type KeyIssuer interface {
	Issue(ctx context.Context, accountID string) (*auth.IssuedKey, error)
	Disable(ctx context.Context, credentialID string) (*models.APIKey, error)
}

// ClaimIssuer parks a new credential behind a one-time claim ticket
type ClaimIssuer interface {
	Issue(ctx context.Context, accountID, email, secret string) (*models.ClaimTicket, error)
}

// Result describes a completed recharge
type Result struct {
	IsNewUser bool    `json:"isNewUser"`
	AccountID string  `json:"userId"`
	Balance   float64 `json:"balance"`
	ClaimURL  string  `json:"claimUrl,omitempty"`
}

// Service runs recharges
type Service struct {
	ledger   Ledger
	keys     KeyIssuer
	claims   ClaimIssuer
	mailer   notifications.Mailer
	claimURL string
	claimTTL time.Duration
	logger   *zap.Logger

	// outstanding emails
	wg sync.WaitGroup
}

// NewService creates a recharge service. claimBaseURL is the page that
// redeems claim tokens; the token is appended as ?token=.
func NewService(l Ledger, keys KeyIssuer, claims ClaimIssuer, mailer notifications.Mailer, claimBaseURL string, claimTTL time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mailer == nil {
		mailer = notifications.NewNoopMailer(logger)
	}
	return &Service{
		ledger:   l,
		keys:     keys,
		claims:   claims,
		mailer:   mailer,
		claimURL: claimBaseURL,
		claimTTL: claimTTL,
		logger:   logger.Named("recharge"),
	}
}

// Recharge credits amount to the account registered under email, or
// creates that account with amount as its opening balance
func (s *Service) Recharge(ctx context.Context, email string, amount float64) (*Result, error) {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return nil, ErrInvalidAmount
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil || addr.Name != "" {
		return nil, ErrInvalidEmail
	}
	email = ledger.NormalizeEmail(addr.Address)

	account, err := s.ledger.FindByEmail(ctx, email)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return s.createAccount(ctx, email, amount)
	case err != nil:
		return nil, err
	}

	balance, err := s.ledger.Credit(ctx, account.ID, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to credit account %s: %w", account.ID, err)
	}

	s.logger.Info("Account recharged",
		zap.String("account_id", account.ID),
		zap.Float64("amount", amount),
		zap.Float64("balance", balance),
	)

	s.notify(func(ctx context.Context) error {
		return s.mailer.SendRecharge(ctx, email, amount, balance)
	})

	return &Result{AccountID: account.ID, Balance: balance}, nil
}

// createAccount issues the credential and its claim ticket before the
// account record exists, so a failed attempt leaves no funded account
// behind and a retry takes the new-account path again.
func (s *Service) createAccount(ctx context.Context, email string, amount float64) (*Result, error) {
	accountID := uuid.NewString()

	issued, err := s.keys.Issue(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue API key: %w", err)
	}

	ticket, err := s.claims.Issue(ctx, accountID, email, issued.Plaintext)
	if err != nil {
		s.revoke(issued.Key.ID)
		return nil, fmt.Errorf("failed to issue claim ticket: %w", err)
	}

	account, err := s.ledger.CreateAccount(ctx, accountID, email, amount)
	if err != nil {
		s.revoke(issued.Key.ID)
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	claimURL, err := s.buildClaimURL(ticket.Token)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Account created",
		zap.String("account_id", accountID),
		zap.String("key_prefix", issued.Key.KeyPrefix),
		zap.Float64("balance", account.Balance),
	)

	s.notify(func(ctx context.Context) error {
		return s.mailer.SendClaim(ctx, email, claimURL, s.claimTTL)
	})

	return &Result{
		IsNewUser: true,
		AccountID: accountID,
		Balance:   account.Balance,
		ClaimURL:  claimURL,
	}, nil
}

// revoke disables a credential whose account was never created
func (s *Service) revoke(credentialID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.keys.Disable(ctx, credentialID); err != nil {
		s.logger.Warn("Failed to revoke orphaned API key",
			zap.String("credential_id", credentialID),
			zap.Error(err),
		)
	}
}

func (s *Service) buildClaimURL(token string) (string, error) {
	u, err := url.Parse(s.claimURL)
	if err != nil {
		return "", fmt.Errorf("invalid claim base URL: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// notify sends an email in the background. Failures are logged only.
func (s *Service) notify(send func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := send(ctx); err != nil {
			s.logger.Warn("Failed to send email", zap.Error(err))
		}
	}()
}

// Wait blocks until background emails have been sent
func (s *Service) Wait() {
	s.wg.Wait()
}
