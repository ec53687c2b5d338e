package auth

import (
	"errors"
	"fmt"
	"time"

	"metered_gateway/internal/config"

	"github.com/golang-jwt/jwt/v4"
)

const adminIssuer = "metered-gateway"

// ErrInvalidAdminToken is returned for admin tokens that fail validation
var ErrInvalidAdminToken = errors.New("invalid admin token")

// AdminClaims are the claims carried by an admin JWT.
type AdminClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether any granted role satisfies required.
func (c *AdminClaims) HasRole(required Role) bool {
	for _, r := range c.Roles {
		if Role(r).HasPermission(required) {
			return true
		}
	}
	return false
}

// GenerateAdminJWT creates a signed admin token for subject with the given
// roles. It returns the token and its expiry as a unix timestamp.
func GenerateAdminJWT(subject string, roles []Role, cfg *config.Config) (string, int64, error) {
	if len(cfg.Security.JWTSecret) == 0 {
		return "", 0, errors.New("jwt secret is not configured")
	}

	names := make([]string, 0, len(roles))
	for _, r := range roles {
		if !r.IsValid() {
			return "", 0, fmt.Errorf("invalid role %q", r)
		}
		names = append(names, r.String())
	}

	now := time.Now()
	expiresAt := now.Add(cfg.Security.AdminTokenTTL)
	claims := &AdminClaims{
		Roles: names,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    adminIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(cfg.Security.JWTSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, expiresAt.Unix(), nil
}

// ValidateAdminJWT verifies the signature and expiry of an admin token.
func ValidateAdminJWT(tokenString string, cfg *config.Config) (*AdminClaims, error) {
	if len(cfg.Security.JWTSecret) == 0 {
		return nil, ErrInvalidAdminToken
	}

	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return cfg.Security.JWTSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAdminToken, err)
	}
	if !token.Valid || claims.Issuer != adminIssuer {
		return nil, ErrInvalidAdminToken
	}
	return claims, nil
}
