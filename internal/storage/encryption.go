package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrSealedSecretInvalid is returned when a sealed secret cannot be opened
var ErrSealedSecretInvalid = errors.New("sealed secret is invalid")

// Encryption seals pending API keys of unredeemed claim tickets with
// AES-GCM before they reach the claim_tickets table. A sealed value is
// base64(nonce || ciphertext).
type Encryption struct {
	aead cipher.AEAD
}

func validKeySize(n int) bool {
	return n == 16 || n == 24 || n == 32
}

// NewEncryption creates a sealer for an AES-128, AES-192 or AES-256 key
func NewEncryption(key []byte) (*Encryption, error) {
	if !validKeySize(len(key)) {
		return nil, fmt.Errorf("invalid key size: must be 16, 24, or 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Encryption{aead: aead}, nil
}

// NewEncryptionFromBase64 decodes ENCRYPTION_KEY and creates a sealer
func NewEncryptionFromBase64(encodedKey string) (*Encryption, error) {
	if encodedKey == "" {
		return nil, errors.New("encryption key cannot be empty")
	}

	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	return NewEncryption(key)
}

// GenerateKey returns a random base64 key suitable for ENCRYPTION_KEY
func GenerateKey(keySize int) (string, error) {
	if !validKeySize(keySize) {
		return "", fmt.Errorf("invalid key size: must be 16, 24, or 32 bytes")
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Seal encrypts secret under a fresh nonce
func (e *Encryption) Seal(secret string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(e.aead.Seal(nonce, nonce, []byte(secret), nil)), nil
}

// Open reverses Seal. Tampered values, values sealed under another key and
// malformed input all fail with ErrSealedSecretInvalid.
func (e *Encryption) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < e.aead.NonceSize() {
		return "", ErrSealedSecretInvalid
	}

	nonce, ciphertext := raw[:e.aead.NonceSize()], raw[e.aead.NonceSize():]
	plain, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrSealedSecretInvalid
	}
	return string(plain), nil
}
