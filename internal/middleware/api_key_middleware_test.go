package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metered_gateway/internal/auth"
	"metered_gateway/internal/kvstore"
	"metered_gateway/internal/utils"
)

func newAuthFixture(t *testing.T) (*auth.Authenticator, *auth.Issuer) {
	t.Helper()
	store := kvstore.NewMemoryStore()
	return auth.NewAuthenticator(store), auth.NewIssuer(store)
}

func principalHandler(t *testing.T, got **auth.Principal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := GetPrincipal(r.Context())
		require.True(t, ok)
		*got = p
		w.WriteHeader(http.StatusOK)
	})
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) utils.APIError {
	t.Helper()
	var resp utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp.Error
}

func TestAPIKeyMiddleware_Success(t *testing.T) {
	authenticator, issuer := newAuthFixture(t)
	issued, err := issuer.Issue(context.Background(), "acct-1")
	require.NoError(t, err)

	var got *auth.Principal
	h := APIKeyMiddleware(authenticator, nil)(principalHandler(t, &got))

	for _, header := range []string{"Bearer " + issued.Plaintext, "bearer " + issued.Plaintext} {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
		req.Header.Set("Authorization", header)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, got)
		assert.Equal(t, "acct-1", got.AccountID)
		assert.Equal(t, issued.Key.ID, got.CredentialID)
	}
}

func TestAPIKeyMiddleware_XAPIKeyHeader(t *testing.T) {
	authenticator, issuer := newAuthFixture(t)
	issued, err := issuer.Issue(context.Background(), "acct-2")
	require.NoError(t, err)

	var got *auth.Principal
	h := APIKeyMiddleware(authenticator, nil)(principalHandler(t, &got))

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("X-API-Key", issued.Plaintext)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "acct-2", got.AccountID)
}

func TestAPIKeyMiddleware_Rejections(t *testing.T) {
	authenticator, issuer := newAuthFixture(t)
	ctx := context.Background()

	revoked, err := issuer.Issue(ctx, "acct-1")
	require.NoError(t, err)
	_, err = issuer.Disable(ctx, revoked.Key.ID)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		code   string
	}{
		{name: "missing", header: ""},
		{name: "not bearer", header: "Basic abc"},
		{name: "malformed", header: "Bearer sk-other-123"},
		{name: "unknown", header: "Bearer sk-gw-doesnotexist"},
		{name: "revoked", header: "Bearer " + revoked.Plaintext, code: "api_key_revoked"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := APIKeyMiddleware(authenticator, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))

			req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.False(t, called)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			apiErr := decodeError(t, w)
			assert.Equal(t, utils.ErrTypeInvalidAPIKey, apiErr.Type)
			assert.Equal(t, tt.code, apiErr.Code)
		})
	}
}

type brokenAuthenticator struct{}

func (brokenAuthenticator) Authenticate(ctx context.Context, credential string) (*auth.Principal, error) {
	return nil, errors.New("store unavailable")
}

func TestAPIKeyMiddleware_StoreFailureRejects(t *testing.T) {
	h := APIKeyMiddleware(brokenAuthenticator{}, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer sk-gw-abc")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, utils.ErrTypeInternal, decodeError(t, w).Type)
}

func TestGetPrincipal(t *testing.T) {
	_, ok := GetPrincipal(context.Background())
	assert.False(t, ok)

	ctx := WithPrincipal(context.Background(), &auth.Principal{AccountID: "acct-1"})
	p, ok := GetPrincipal(ctx)
	require.True(t, ok)
	assert.Equal(t, "acct-1", p.AccountID)
}
