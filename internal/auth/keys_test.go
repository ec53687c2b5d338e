package auth

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAPIKey(t *testing.T) {
	key, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key, KeyPrefix))
	assert.True(t, IsWellFormed(key))

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(key, KeyPrefix))
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	other, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestDisplayPrefix(t *testing.T) {
	assert.Equal(t, "sk-gw-abcdef...", DisplayPrefix("sk-gw-abcdefghijkl"))
	assert.Equal(t, "short", DisplayPrefix("short"))
}

func TestRandomToken(t *testing.T) {
	token, err := RandomToken(12)
	require.NoError(t, err)
	assert.Len(t, token, 16)
	assert.NotContains(t, token, "=")
}
