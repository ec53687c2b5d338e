// Package billing turns measured token usage into a debit against the
// account balance and an entry in the usage log.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"metered_gateway/internal/ledger"
	"metered_gateway/internal/metrics"
	"metered_gateway/internal/models"
)

// ErrInsufficientBalance is returned by CheckBudget when the account cannot
// pay for another request
var ErrInsufficientBalance = errors.New("insufficient balance")

// UsageEvent is one completed upstream call waiting to be charged
type UsageEvent struct {
	AccountID    string    `json:"account_id"`
	CredentialID string    `json:"credential_id,omitempty"`
	Model        string    `json:"model"`
	RequestID    string    `json:"request_id"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Timestamp    time.Time `json:"timestamp"`
}

// ChargeResult describes what Charge did
type ChargeResult struct {
	Skipped      bool
	Cost         float64
	AccountFound bool
	Record       *models.UsageRecord
}

// Ledger is the balance side of billing
type Ledger interface {
	GetBalance(ctx context.Context, accountID string) (float64, error)
	Debit(ctx context.Context, accountID string, amount float64) (bool, error)
}

// CostCalculator prices token usage
type CostCalculator interface {
	Cost(ctx context.Context, model string, inputTokens, outputTokens int) float64
}

// UsageLog receives one record per charged request
type UsageLog interface {
	Append(ctx context.Context, record *models.UsageRecord) error
}

// Charger is what the queue worker drives
type Charger interface {
	Charge(ctx context.Context, event *UsageEvent) (*ChargeResult, error)
}

// Service sequences cost calculation, debit and usage logging
type Service struct {
	ledger     Ledger
	calculator CostCalculator
	usage      UsageLog
	logger     *zap.Logger
	metrics    *metrics.Recorder
	now        func() time.Time
}

// NewService creates a billing service. usage may be nil, in which case no
// usage records are kept.
func NewService(l Ledger, calculator CostCalculator, usage UsageLog, logger *zap.Logger, m *metrics.Recorder) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		ledger:     l,
		calculator: calculator,
		usage:      usage,
		logger:     logger.Named("billing"),
		metrics:    m,
		now:        time.Now,
	}
}

// Charge prices the event, debits the account and appends a usage record.
// Only a failed debit is returned as an error; the record is appended at
// most once per successful debit.
func (s *Service) Charge(ctx context.Context, event *UsageEvent) (*ChargeResult, error) {
	if event.InputTokens <= 0 && event.OutputTokens <= 0 {
		s.metrics.BillingSkipped()
		s.logger.Debug("No usage observed, skipping charge",
			zap.String("account_id", event.AccountID),
			zap.String("request_id", event.RequestID),
		)
		return &ChargeResult{Skipped: true}, nil
	}

	cost := s.calculator.Cost(ctx, event.Model, event.InputTokens, event.OutputTokens)

	found, err := s.ledger.Debit(ctx, event.AccountID, cost)
	if err != nil {
		s.metrics.BillingFailed()
		return nil, fmt.Errorf("failed to debit account %s: %w", event.AccountID, err)
	}
	if !found {
		s.logger.Warn("Charged account does not exist",
			zap.String("account_id", event.AccountID),
			zap.Float64("cost", cost),
		)
	}

	s.metrics.Charged(cost, event.InputTokens, event.OutputTokens)

	createdAt := event.Timestamp
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	record := &models.UsageRecord{
		ID:           uuid.New(),
		AccountID:    event.AccountID,
		ModelID:      event.Model,
		RequestID:    event.RequestID,
		InputTokens:  event.InputTokens,
		OutputTokens: event.OutputTokens,
		Cost:         cost,
		CreatedAt:    createdAt,
	}
	if event.CredentialID != "" {
		id := event.CredentialID
		record.APIKeyID = &id
	}

	if s.usage != nil {
		if err := s.usage.Append(ctx, record); err != nil {
			s.logger.Error("Failed to append usage record",
				zap.String("account_id", event.AccountID),
				zap.String("request_id", event.RequestID),
				zap.Error(err),
			)
		}
	}

	return &ChargeResult{Cost: cost, AccountFound: found, Record: record}, nil
}

// WithinBudget reports whether the account holds at least the minimum
// balance needed to start a request
func (s *Service) WithinBudget(ctx context.Context, accountID string) (bool, error) {
	balance, err := s.ledger.GetBalance(ctx, accountID)
	if err != nil {
		return false, err
	}
	return ledger.HasSufficientBalance(balance), nil
}

// CheckBudget is WithinBudget as an error
func (s *Service) CheckBudget(ctx context.Context, accountID string) error {
	ok, err := s.WithinBudget(ctx, accountID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInsufficientBalance
	}
	return nil
}
