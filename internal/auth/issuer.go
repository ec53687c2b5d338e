package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"metered_gateway/internal/kvstore"
	"metered_gateway/internal/models"
)

// IssuedKey is a freshly minted credential. Plaintext is returned exactly
// once and never persisted.
type IssuedKey struct {
	Plaintext string
	Key       *models.APIKey
}

// Issuer creates and revokes credentials in the key store.
type Issuer struct {
	store kvstore.Store
	now   func() time.Time
}

// NewIssuer creates a credential issuer
func NewIssuer(store kvstore.Store) *Issuer {
	return &Issuer{store: store, now: time.Now}
}

// Issue generates a credential for accountID and stores its hash.
func (i *Issuer) Issue(ctx context.Context, accountID string) (*IssuedKey, error) {
	plaintext, err := GenerateAPIKey()
	if err != nil {
		return nil, err
	}

	hash := HashAPIKey(plaintext)
	meta := models.APIKeyMetadata{
		KeyPrefix: DisplayPrefix(plaintext),
		IsActive:  true,
		UserID:    accountID,
		CreatedAt: i.now().UTC(),
	}

	if err := i.store.Put(ctx, apiKeyRecordKey(hash), accountID, meta); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}

	return &IssuedKey{
		Plaintext: plaintext,
		Key:       models.NewAPIKey(hash, accountID, meta),
	}, nil
}

// Get returns the credential record with the given ID (its hash).
func (i *Issuer) Get(ctx context.Context, credentialID string) (*models.APIKey, error) {
	return loadAPIKey(ctx, i.store, credentialID)
}

// Disable marks a credential inactive. The record is kept for audit.
func (i *Issuer) Disable(ctx context.Context, credentialID string) (*models.APIKey, error) {
	entry, err := i.store.GetWithMetadata(ctx, apiKeyRecordKey(credentialID))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, ErrUnknownCredential
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	var meta models.APIKeyMetadata
	if err := decodeMetadata(entry, &meta); err != nil {
		return nil, err
	}
	meta.IsActive = false
	if meta.UserID == "" {
		meta.UserID = entry.Value
	}

	if err := i.store.Put(ctx, apiKeyRecordKey(credentialID), entry.Value, meta); err != nil {
		return nil, fmt.Errorf("failed to disable credential: %w", err)
	}

	return models.NewAPIKey(credentialID, entry.Value, meta), nil
}

// ListForAccount returns every credential owned by accountID. It scans all
// credential records and is meant for admin tooling only.
func (i *Issuer) ListForAccount(ctx context.Context, accountID string) ([]*models.APIKey, error) {
	keys, err := i.store.List(ctx, apiKeyRecordPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	result := make([]*models.APIKey, 0)
	for _, k := range keys {
		hash := strings.TrimPrefix(k, apiKeyRecordPrefix)
		key, err := loadAPIKey(ctx, i.store, hash)
		if err != nil {
			if errors.Is(err, ErrUnknownCredential) {
				continue
			}
			return nil, err
		}
		if key.AccountID == accountID {
			result = append(result, key)
		}
	}
	return result, nil
}
