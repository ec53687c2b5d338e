package middleware

import (
	"context"
	"net/http"
	"strings"

	"metered_gateway/internal/auth"
	"metered_gateway/internal/config"
	"metered_gateway/internal/utils"
)

const (
	AdminClaimsKey ContextKey = "adminClaims"
)

// AdminJWTMiddleware validates admin JWT tokens and requires a role that
// satisfies required
func AdminJWTMiddleware(cfg *config.Config, required auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := r.Header.Get("Authorization")
			if tokenString == "" {
				utils.RespondWithError(w, http.StatusUnauthorized, utils.ErrTypeInvalidAPIKey, "", "Missing authentication token")
				return
			}
			tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))

			claims, err := auth.ValidateAdminJWT(tokenString, cfg)
			if err != nil {
				utils.RespondWithError(w, http.StatusUnauthorized, utils.ErrTypeInvalidAPIKey, "", "Invalid or expired token")
				return
			}

			if !claims.HasRole(required) {
				utils.RespondWithError(w, http.StatusForbidden, utils.ErrTypePermission, "", "Insufficient permissions")
				return
			}

			ctx := context.WithValue(r.Context(), AdminClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAdminClaims retrieves the admin claims from the request context
func GetAdminClaims(ctx context.Context) (*auth.AdminClaims, bool) {
	claims, ok := ctx.Value(AdminClaimsKey).(*auth.AdminClaims)
	return claims, ok
}

// AdminSubject returns the subject of the admin token, or "" outside an
// admin request
func AdminSubject(ctx context.Context) string {
	if claims, ok := GetAdminClaims(ctx); ok {
		return claims.Subject
	}
	return ""
}
