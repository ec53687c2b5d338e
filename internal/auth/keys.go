package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const (
	apiKeySecretBytes = 32
	displayPrefixLen  = 12
)

// RandomToken returns n random bytes encoded as unpadded base64url.
func RandomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateAPIKey creates a new plaintext credential of the form
// "sk-gw-<base64url>".
func GenerateAPIKey() (string, error) {
	secret, err := RandomToken(apiKeySecretBytes)
	if err != nil {
		return "", err
	}
	return KeyPrefix + secret, nil
}

// DisplayPrefix is the part of a credential safe to show back to its owner.
func DisplayPrefix(credential string) string {
	if len(credential) <= displayPrefixLen {
		return credential
	}
	return credential[:displayPrefixLen] + "..."
}
