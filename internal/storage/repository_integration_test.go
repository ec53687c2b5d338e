package storage

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metered_gateway/internal/models"
	"metered_gateway/internal/pricing"
)

// skipIfNoDatabase skips tests when no test database is configured
func skipIfNoDatabase(t *testing.T) *DB {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping database integration test")
	}

	cfg := DefaultDBConfig()
	cfg.URL = url
	if driver := os.Getenv("DATABASE_DRIVER"); driver != "" {
		cfg.Driver = driver
	}

	db, err := NewDB(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func TestNewDB_UnsupportedDriver(t *testing.T) {
	cfg := DefaultDBConfig()
	cfg.Driver = "sqlite"

	_, err := NewDB(cfg)
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

func TestModelRepository_Integration(t *testing.T) {
	db := skipIfNoDatabase(t)
	ctx := context.Background()
	repo := db.NewModelRepository()

	name := "test-model-" + uuid.NewString()[:8]
	require.NoError(t, repo.Upsert(ctx, &models.Model{
		ID:          name,
		InputPrice:  sql.NullFloat64{Float64: 1, Valid: true},
		OutputPrice: sql.NullFloat64{Float64: 2, Valid: true},
		IsActive:    true,
	}))
	t.Cleanup(func() {
		db.Conn().ExecContext(ctx, `DELETE FROM models WHERE id = $1`, name)
	})

	price, found, err := repo.LookupPrice(ctx, name)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, pricing.Price{Input: 1, Output: 2}, price)

	_, found, err = repo.LookupPrice(ctx, "does-not-exist-"+name)
	require.NoError(t, err)
	assert.False(t, found)

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	var names []string
	for _, m := range active {
		names = append(names, m.ID)
	}
	assert.Contains(t, names, name)
}

func TestClaimRepository_Integration(t *testing.T) {
	db := skipIfNoDatabase(t)
	ctx := context.Background()
	repo := db.NewClaimRepository()

	token := "tok-" + uuid.NewString()
	require.NoError(t, repo.Create(ctx, &models.ClaimTicket{
		Token:         token,
		AccountID:     "acct-1",
		Email:         "a@example.com",
		PendingSecret: "sk-gw-secret",
		ExpiresAt:     time.Now().Add(15 * time.Minute),
	}))

	got, err := repo.Get(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "sk-gw-secret", got.PendingSecret)
	assert.False(t, got.Used)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := repo.MarkUsed(ctx, token, time.Now())
			assert.NoError(t, err)
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	got, err = repo.Get(ctx, token)
	require.NoError(t, err)
	assert.True(t, got.Used)
	assert.Empty(t, got.PendingSecret)
	assert.NotNil(t, got.UsedAt)

	_, err = repo.Get(ctx, "missing-"+token)
	assert.ErrorIs(t, err, ErrClaimTicketNotFound)
}

func TestUsageRepository_Integration(t *testing.T) {
	db := skipIfNoDatabase(t)
	ctx := context.Background()
	repo := db.NewUsageRepository()

	account := "acct-" + uuid.NewString()
	key := "hash-1"
	require.NoError(t, repo.Create(ctx, &models.UsageRecord{
		AccountID:    account,
		APIKeyID:     &key,
		ModelID:      "gpt-4o",
		InputTokens:  1000,
		OutputTokens: 500,
		Cost:         0.009,
	}))
	require.NoError(t, repo.InsertBatch(ctx, []*models.UsageRecord{
		{AccountID: account, ModelID: "gpt-4o-mini", InputTokens: 10, OutputTokens: 5, Cost: 0.001},
		{AccountID: account, ModelID: "gpt-4o-mini", InputTokens: 20, OutputTokens: 5, Cost: 0.002},
	}))

	records, err := repo.ListByAccount(ctx, account, 10, 0)
	require.NoError(t, err)
	assert.Len(t, records, 3)

	total, err := repo.TotalCostByAccount(ctx, account, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.012, total, 1e-9)
}
