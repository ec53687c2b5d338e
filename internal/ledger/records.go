package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"metered_gateway/internal/kvstore"
	"metered_gateway/internal/models"
)

const (
	accountKeyPrefix = "user:"
	emailKeyPrefix   = "email:"
)

// Record is an account as stored: value and metadata, read together so a
// rewrite never drops fields written by someone else.
type Record struct {
	ID    string
	State models.AccountState
	Meta  models.AccountMetadata
}

// AccountKey returns the key store key of an account record
func AccountKey(accountID string) string {
	return accountKeyPrefix + accountID
}

// AccountIDFromKey reverses AccountKey
func AccountIDFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, accountKeyPrefix) {
		return "", false
	}
	return strings.TrimPrefix(key, accountKeyPrefix), true
}

// ListAccountIDs returns every stored account ID. It is a full scan.
func ListAccountIDs(ctx context.Context, store kvstore.Store) ([]string, error) {
	keys, err := store.List(ctx, accountKeyPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if id, ok := AccountIDFromKey(k); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func emailKey(email string) string {
	return emailKeyPrefix + NormalizeEmail(email)
}

// NormalizeEmail is the canonical form used by the email index
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ReadRecord loads an account record. A missing record returns
// ErrAccountNotFound; store failures wrap kvstore.ErrUnavailable.
func ReadRecord(ctx context.Context, store kvstore.Store, accountID string) (*Record, error) {
	rec := &Record{ID: accountID}
	err := kvstore.GetJSONWithMetadata(ctx, store, AccountKey(accountID), &rec.State, &rec.Meta)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read account %s: %w", accountID, err)
	}
	return rec, nil
}

// WriteRecord overwrites the account record with rec's state and metadata.
func WriteRecord(ctx context.Context, store kvstore.Store, rec *Record) error {
	if err := kvstore.PutJSON(ctx, store, AccountKey(rec.ID), rec.State, rec.Meta); err != nil {
		return fmt.Errorf("failed to write account %s: %w", rec.ID, err)
	}
	return nil
}
