package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metered_gateway/internal/kvstore"
	"metered_gateway/internal/ledger"
	"metered_gateway/internal/metrics"
	"metered_gateway/internal/models"
	"metered_gateway/internal/pricing"
)

type memoryUsageLog struct {
	mu      sync.Mutex
	records []*models.UsageRecord
	err     error
}

func (l *memoryUsageLog) Append(ctx context.Context, record *models.UsageRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.records = append(l.records, record)
	return nil
}

func (l *memoryUsageLog) all() []*models.UsageRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*models.UsageRecord(nil), l.records...)
}

type failingLedger struct {
	err error
}

func (f *failingLedger) GetBalance(ctx context.Context, accountID string) (float64, error) {
	return 0, f.err
}

func (f *failingLedger) Debit(ctx context.Context, accountID string, amount float64) (bool, error) {
	return false, f.err
}

func newTestService(t *testing.T, balance float64) (*Service, *ledger.Ledger, *memoryUsageLog) {
	t.Helper()

	l := ledger.New(kvstore.NewMemoryStore(), 5)
	if balance >= 0 {
		_, err := l.CreateAccount(context.Background(), "acct-1", "user@example.com", balance)
		require.NoError(t, err)
	}
	usage := &memoryUsageLog{}
	return NewService(l, pricing.NewCalculator(), usage, nil, metrics.NewRecorder()), l, usage
}

func TestService_Charge(t *testing.T) {
	service, l, usage := newTestService(t, 10)
	ctx := context.Background()

	result, err := service.Charge(ctx, &UsageEvent{
		AccountID:    "acct-1",
		CredentialID: "key-hash",
		Model:        "gpt-4o",
		RequestID:    "req-1",
		InputTokens:  1000,
		OutputTokens: 500,
	})
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.True(t, result.AccountFound)
	assert.InDelta(t, 0.009, result.Cost, 1e-12)

	balance, err := l.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.InDelta(t, 9.991, balance, 1e-9)

	records := usage.all()
	require.Len(t, records, 1)
	assert.Equal(t, "acct-1", records[0].AccountID)
	assert.Equal(t, "gpt-4o", records[0].ModelID)
	assert.Equal(t, "req-1", records[0].RequestID)
	require.NotNil(t, records[0].APIKeyID)
	assert.Equal(t, "key-hash", *records[0].APIKeyID)
	assert.False(t, records[0].CreatedAt.IsZero())
}

func TestService_ChargeSkipsZeroUsage(t *testing.T) {
	service, l, usage := newTestService(t, 10)
	ctx := context.Background()

	result, err := service.Charge(ctx, &UsageEvent{AccountID: "acct-1", Model: "gpt-4o"})
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Nil(t, result.Record)

	balance, err := l.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, balance)
	assert.Empty(t, usage.all())
}

func TestService_ChargeClampsAtZero(t *testing.T) {
	service, l, _ := newTestService(t, 0.001)
	ctx := context.Background()

	_, err := service.Charge(ctx, &UsageEvent{AccountID: "acct-1", Model: "gpt-4", InputTokens: 100000, OutputTokens: 100000})
	require.NoError(t, err)

	balance, err := l.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, balance)
}

func TestService_ChargeMissingAccount(t *testing.T) {
	service, _, usage := newTestService(t, -1)

	result, err := service.Charge(context.Background(), &UsageEvent{AccountID: "ghost", Model: "gpt-4o-mini", InputTokens: 10})
	require.NoError(t, err)
	assert.False(t, result.AccountFound)
	assert.Len(t, usage.all(), 1)
}

func TestService_ChargeUnknownModelUsesFallbackPrice(t *testing.T) {
	service, _, _ := newTestService(t, 10)

	result, err := service.Charge(context.Background(), &UsageEvent{AccountID: "acct-1", Model: "mystery", InputTokens: 1_000_000})
	require.NoError(t, err)
	assert.InDelta(t, 0.15*1.2, result.Cost, 1e-12)
}

func TestService_ChargeUsesEventTimestamp(t *testing.T) {
	service, _, usage := newTestService(t, 10)
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	_, err := service.Charge(context.Background(), &UsageEvent{AccountID: "acct-1", Model: "gpt-4o", OutputTokens: 1, Timestamp: at})
	require.NoError(t, err)

	records := usage.all()
	require.Len(t, records, 1)
	assert.Equal(t, at, records[0].CreatedAt)
	assert.Nil(t, records[0].APIKeyID)
}

func TestService_AppendFailureIsNotReturned(t *testing.T) {
	service, l, usage := newTestService(t, 10)
	usage.err = errors.New("usage log down")
	ctx := context.Background()

	result, err := service.Charge(ctx, &UsageEvent{AccountID: "acct-1", Model: "gpt-4o", InputTokens: 1000, OutputTokens: 500})
	require.NoError(t, err)
	assert.InDelta(t, 0.009, result.Cost, 1e-12)

	balance, err := l.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.InDelta(t, 9.991, balance, 1e-9)
}

func TestService_DebitFailureIsReturned(t *testing.T) {
	storeErr := errors.New("store unavailable")
	usage := &memoryUsageLog{}
	service := NewService(&failingLedger{err: storeErr}, pricing.NewCalculator(), usage, nil, nil)

	_, err := service.Charge(context.Background(), &UsageEvent{AccountID: "acct-1", Model: "gpt-4o", InputTokens: 1})
	assert.ErrorIs(t, err, storeErr)
	assert.Empty(t, usage.all())
}

func TestService_WithinBudget(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		balance float64
		want    bool
	}{
		{name: "funded", balance: 5, want: true},
		{name: "exactly minimum", balance: ledger.MinBalance, want: true},
		{name: "below minimum", balance: 0.005, want: false},
		{name: "missing account", balance: -1, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, _, _ := newTestService(t, tt.balance)

			ok, err := service.WithinBudget(ctx, "acct-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)

			err = service.CheckBudget(ctx, "acct-1")
			if tt.want {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInsufficientBalance)
			}
		})
	}
}

func TestService_WithinBudgetStoreError(t *testing.T) {
	storeErr := errors.New("store unavailable")
	service := NewService(&failingLedger{err: storeErr}, pricing.NewCalculator(), nil, nil, nil)

	_, err := service.WithinBudget(context.Background(), "acct-1")
	assert.ErrorIs(t, err, storeErr)
}
