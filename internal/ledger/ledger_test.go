package ledger

import (
	"context"
	"testing"

	"metered_gateway/internal/kvstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*Ledger, *kvstore.MemoryStore) {
	t.Helper()
	store := kvstore.NewMemoryStore()
	return New(store, 3), store
}

func TestLedger_CreateAndFind(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	acct, err := l.CreateAccount(ctx, "acct-1", "  Alice@Example.com ", 10)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", acct.Email)
	assert.Equal(t, 10.0, acct.Balance)
	assert.Equal(t, 3, acct.MaxConcurrency)
	assert.False(t, acct.CreatedAt.IsZero())

	found, err := l.FindByEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", found.ID)

	_, err = l.FindByEmail(ctx, "bob@example.com")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = l.CreateAccount(ctx, "acct-1", "alice@example.com", 1)
	assert.ErrorIs(t, err, ErrAccountExists)
}

func TestLedger_GetBalanceMissingAccount(t *testing.T) {
	l, _ := newTestLedger(t)

	balance, err := l.GetBalance(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestLedger_SequentialDebitsClampAtZero(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	_, err := l.CreateAccount(ctx, "acct-1", "a@example.com", 1.0)
	require.NoError(t, err)

	ok, err := l.Debit(ctx, "acct-1", 0.4)
	require.NoError(t, err)
	assert.True(t, ok)

	balance, err := l.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.6, balance, 1e-9)

	ok, err = l.Debit(ctx, "acct-1", 5)
	require.NoError(t, err)
	assert.True(t, ok)

	balance, err = l.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, balance)
}

func TestLedger_DebitMissingAccount(t *testing.T) {
	l, store := newTestLedger(t)

	ok, err := l.Debit(context.Background(), "ghost", 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, store.Len())
}

func TestLedger_DebitRejectsNegative(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.Debit(context.Background(), "acct-1", -1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestLedger_Credit(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	_, err := l.Credit(ctx, "ghost", 5)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = l.CreateAccount(ctx, "acct-1", "a@example.com", 2)
	require.NoError(t, err)

	balance, err := l.Credit(ctx, "acct-1", 3.5)
	require.NoError(t, err)
	assert.Equal(t, 5.5, balance)

	_, err = l.Credit(ctx, "acct-1", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestLedger_MutationsPreserveMetadataAndConcurrency(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)

	_, err := l.CreateAccount(ctx, "acct-1", "a@example.com", 10)
	require.NoError(t, err)

	_, err = l.SetMaxConcurrency(ctx, "acct-1", 7)
	require.NoError(t, err)

	// simulate an admitted request holding a slot
	rec, err := ReadRecord(ctx, store, "acct-1")
	require.NoError(t, err)
	rec.State.Concurrency = 2
	require.NoError(t, WriteRecord(ctx, store, rec))

	_, err = l.Debit(ctx, "acct-1", 1)
	require.NoError(t, err)

	acct, err := l.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 9.0, acct.Balance)
	assert.Equal(t, 2, acct.Concurrency)
	assert.Equal(t, 7, acct.MaxConcurrency)
	assert.Equal(t, "a@example.com", acct.Email)
}

func TestLedger_SetMaxConcurrencyBounds(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	_, err := l.CreateAccount(ctx, "acct-1", "a@example.com", 10)
	require.NoError(t, err)

	for _, n := range []int{0, -1, 101} {
		_, err := l.SetMaxConcurrency(ctx, "acct-1", n)
		assert.ErrorIs(t, err, ErrInvalidConcurrency, n)
	}

	acct, err := l.SetMaxConcurrency(ctx, "acct-1", 100)
	require.NoError(t, err)
	assert.Equal(t, 100, acct.MaxConcurrency)

	_, err = l.SetMaxConcurrency(ctx, "ghost", 5)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestLedger_StoreUnavailable(t *testing.T) {
	l := New(brokenStore{}, 3)

	_, err := l.GetBalance(context.Background(), "acct-1")
	assert.ErrorIs(t, err, kvstore.ErrUnavailable)

	_, err = l.Debit(context.Background(), "acct-1", 1)
	assert.ErrorIs(t, err, kvstore.ErrUnavailable)
}

func TestListAccountIDs(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)

	for _, id := range []string{"b", "a"} {
		_, err := l.CreateAccount(ctx, id, id+"@example.com", 1)
		require.NoError(t, err)
	}

	ids, err := ListAccountIDs(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestHasSufficientBalance(t *testing.T) {
	assert.True(t, HasSufficientBalance(0.01))
	assert.False(t, HasSufficientBalance(0.009))
	assert.False(t, HasSufficientBalance(0))
}

type brokenStore struct{}

func (brokenStore) Get(ctx context.Context, key string) (string, error) {
	return "", kvstore.ErrUnavailable
}

func (brokenStore) GetWithMetadata(ctx context.Context, key string) (*kvstore.Entry, error) {
	return nil, kvstore.ErrUnavailable
}

func (brokenStore) Put(ctx context.Context, key string, value string, metadata any) error {
	return kvstore.ErrUnavailable
}

func (brokenStore) List(ctx context.Context, prefix string) ([]string, error) {
	return nil, kvstore.ErrUnavailable
}
