package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"metered_gateway/internal/auth"
	"metered_gateway/internal/utils"
)

// ContextKey defines the type for context keys to avoid conflicts
type ContextKey string

const (
	// PrincipalKey is the context key for the authenticated caller
	PrincipalKey ContextKey = "principal"
)

// Authenticator resolves a presented credential
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*auth.Principal, error)
}

// APIKeyMiddleware authenticates gateway credentials and puts the principal
// in the request context. Store failures reject the request.
func APIKeyMiddleware(authenticator Authenticator, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential := bearerToken(r)
			if credential == "" {
				utils.RespondWithError(w, http.StatusUnauthorized, utils.ErrTypeInvalidAPIKey, "", "Missing API key")
				return
			}

			principal, err := authenticator.Authenticate(r.Context(), credential)
			switch {
			case err == nil:
			case errors.Is(err, auth.ErrRevokedCredential):
				utils.RespondWithError(w, http.StatusUnauthorized, utils.ErrTypeInvalidAPIKey, "api_key_revoked", "API key has been revoked")
				return
			case errors.Is(err, auth.ErrMalformedCredential), errors.Is(err, auth.ErrUnknownCredential):
				utils.RespondWithError(w, http.StatusUnauthorized, utils.ErrTypeInvalidAPIKey, "", "Invalid API key")
				return
			default:
				logger.Error("Failed to authenticate request", zap.Error(err))
				utils.RespondWithError(w, http.StatusInternalServerError, utils.ErrTypeInternal, "", "Error validating API key")
				return
			}

			ctx := context.WithValue(r.Context(), PrincipalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken reads "Authorization: Bearer <key>", falling back to X-API-Key
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
			return strings.TrimSpace(header[7:])
		}
		return ""
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// GetPrincipal retrieves the authenticated caller from the request context
func GetPrincipal(ctx context.Context) (*auth.Principal, bool) {
	p, ok := ctx.Value(PrincipalKey).(*auth.Principal)
	return p, ok
}

// WithPrincipal stores p in ctx
func WithPrincipal(ctx context.Context, p *auth.Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}
