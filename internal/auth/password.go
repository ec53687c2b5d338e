package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"metered_gateway/internal/config"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    uint32 = 1
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 4
	argonKeyLen  uint32 = 32
	argonSaltLen        = 16
)

// ErrInvalidHash is returned for encoded hashes that are not argon2id
var ErrInvalidHash = errors.New("invalid argon2id hash")

// HashSecretArgon2 returns an encoded argon2id hash of secret in the
// "$argon2id$v=19$m=...,t=...,p=...$salt$hash" form.
func HashSecretArgon2(secret string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifySecretArgon2 checks secret against an encoded argon2id hash.
func VerifySecretArgon2(secret, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, ErrInvalidHash
	}

	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false, ErrInvalidHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, ErrInvalidHash
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, ErrInvalidHash
	}

	got := argon2.IDKey([]byte(secret), salt, time, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// VerifyAdminSecret checks a presented admin secret against the configured
// argon2id hash, or the plain secret when no hash is configured.
func VerifyAdminSecret(presented string, cfg *config.Config) bool {
	if presented == "" {
		return false
	}
	if cfg.Security.AdminSecretHash != "" {
		ok, err := VerifySecretArgon2(presented, cfg.Security.AdminSecretHash)
		return err == nil && ok
	}
	if cfg.Security.AdminSecret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(cfg.Security.AdminSecret)) == 1
}
