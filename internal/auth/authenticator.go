// Package auth resolves gateway credentials to accounts and issues them.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"metered_gateway/internal/kvstore"
	"metered_gateway/internal/models"
)

// KeyPrefix is the fixed structural prefix of every gateway credential.
const KeyPrefix = "sk-gw-"

const apiKeyRecordPrefix = "apikey:"

var (
	// ErrMalformedCredential is returned for credentials that do not carry KeyPrefix
	ErrMalformedCredential = errors.New("malformed credential")

	// ErrUnknownCredential is returned when no record exists for the credential hash
	ErrUnknownCredential = errors.New("unknown credential")

	// ErrRevokedCredential is returned when the credential has been disabled
	ErrRevokedCredential = errors.New("credential revoked")
)

// Principal identifies the caller of an authenticated request.
type Principal struct {
	AccountID    string
	CredentialID string
	KeyPrefix    string
}

// Authenticator maps presented credentials to accounts. It never caches and
// never writes.
type Authenticator struct {
	store kvstore.Store
}

// NewAuthenticator creates an authenticator reading from store
func NewAuthenticator(store kvstore.Store) *Authenticator {
	return &Authenticator{store: store}
}

// Authenticate resolves credential to a Principal.
func (a *Authenticator) Authenticate(ctx context.Context, credential string) (*Principal, error) {
	if !IsWellFormed(credential) {
		return nil, ErrMalformedCredential
	}

	hash := HashAPIKey(credential)
	key, err := loadAPIKey(ctx, a.store, hash)
	if err != nil {
		return nil, err
	}
	if !key.IsValid() {
		return nil, ErrRevokedCredential
	}

	return &Principal{
		AccountID:    key.AccountID,
		CredentialID: key.ID,
		KeyPrefix:    key.KeyPrefix,
	}, nil
}

// IsWellFormed reports whether credential has the gateway prefix and a
// non-empty secret part.
func IsWellFormed(credential string) bool {
	return strings.HasPrefix(credential, KeyPrefix) && len(credential) > len(KeyPrefix)
}

func apiKeyRecordKey(hash string) string {
	return apiKeyRecordPrefix + hash
}

func loadAPIKey(ctx context.Context, store kvstore.Store, hash string) (*models.APIKey, error) {
	entry, err := store.GetWithMetadata(ctx, apiKeyRecordKey(hash))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrUnknownCredential
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	var meta models.APIKeyMetadata
	if err := decodeMetadata(entry, &meta); err != nil {
		return nil, err
	}

	return models.NewAPIKey(hash, entry.Value, meta), nil
}

func decodeMetadata(entry *kvstore.Entry, meta *models.APIKeyMetadata) error {
	if len(entry.Metadata) == 0 {
		return nil
	}
	if err := json.Unmarshal(entry.Metadata, meta); err != nil {
		return fmt.Errorf("failed to decode credential metadata: %w", err)
	}
	return nil
}
