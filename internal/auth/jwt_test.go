package auth

import (
	"testing"
	"time"

	"metered_gateway/internal/config"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTestConfig() *config.Config {
	return &config.Config{
		Security: config.SecurityConfig{
			JWTSecret:     []byte("test-secret-key-for-testing"),
			AdminTokenTTL: time.Hour,
		},
	}
}

func TestGenerateAndValidateAdminJWT(t *testing.T) {
	cfg := getTestConfig()

	token, exp, err := GenerateAdminJWT("ops", []Role{RoleAdmin}, cfg)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Greater(t, exp, time.Now().Unix())

	claims, err := ValidateAdminJWT(token, cfg)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, []string{"admin"}, claims.Roles)
	assert.True(t, claims.HasRole(RoleAdmin))
	assert.True(t, claims.HasRole(RoleViewer))
}

func TestValidateAdminJWT_Rejects(t *testing.T) {
	cfg := getTestConfig()

	t.Run("wrong secret", func(t *testing.T) {
		token, _, err := GenerateAdminJWT("ops", []Role{RoleViewer}, cfg)
		require.NoError(t, err)

		other := getTestConfig()
		other.Security.JWTSecret = []byte("another-secret")
		_, err = ValidateAdminJWT(token, other)
		assert.ErrorIs(t, err, ErrInvalidAdminToken)
	})

	t.Run("expired", func(t *testing.T) {
		expired := getTestConfig()
		expired.Security.AdminTokenTTL = -time.Minute
		token, _, err := GenerateAdminJWT("ops", []Role{RoleAdmin}, expired)
		require.NoError(t, err)

		_, err = ValidateAdminJWT(token, cfg)
		assert.ErrorIs(t, err, ErrInvalidAdminToken)
	})

	t.Run("foreign issuer", func(t *testing.T) {
		claims := &AdminClaims{
			Roles: []string{"admin"},
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "someone-else",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Security.JWTSecret)
		require.NoError(t, err)

		_, err = ValidateAdminJWT(token, cfg)
		assert.ErrorIs(t, err, ErrInvalidAdminToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ValidateAdminJWT("not-a-token", cfg)
		assert.ErrorIs(t, err, ErrInvalidAdminToken)
	})
}

func TestGenerateAdminJWT_InvalidRole(t *testing.T) {
	_, _, err := GenerateAdminJWT("ops", []Role{"root"}, getTestConfig())
	assert.Error(t, err)
}

func TestAdminClaims_ViewerCannotAdmin(t *testing.T) {
	claims := &AdminClaims{Roles: []string{"viewer"}}
	assert.True(t, claims.HasRole(RoleViewer))
	assert.False(t, claims.HasRole(RoleAdmin))
}
