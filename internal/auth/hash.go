package auth

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashAPIKey returns the SHA-256 hex digest of a credential. The same digest
// is used at issuance and at lookup; the raw secret is never stored.
func HashAPIKey(credential string) string {
	hasher := sha256.New()
	hasher.Write([]byte(credential))
	return hex.EncodeToString(hasher.Sum(nil))
}
