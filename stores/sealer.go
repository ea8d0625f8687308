package stores

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrUnsealFailed means a sealed record was tampered with, truncated or
// sealed under a different key.
var ErrUnsealFailed = errors.New("failed to unseal record")

// Sealer encrypts persisted token records with XChaCha20-Poly1305.
// A nil *Sealer stores records in the clear.
type Sealer struct {
	key []byte
}

// NewSealer creates a sealer from a 32 byte key
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Sealer{key: k}, nil
}

// ParseSealerKey creates a sealer from a hex or base64 encoded key. An empty
// string returns a nil sealer.
func ParseSealerKey(encoded string) (*Sealer, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, nil
	}
	if key, err := hex.DecodeString(encoded); err == nil {
		return NewSealer(key)
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("encryption key is neither hex nor base64")
	}
	return NewSealer(key)
}

// GenerateSealerKey returns a new random key, base64 encoded
func GenerateSealerKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Seal returns nonce || ciphertext. The additional data binds the record to its key.
func (s *Sealer) Seal(plaintext, additionalData []byte) ([]byte, error) {
	if s == nil {
		return plaintext, nil
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Open reverses Seal
func (s *Sealer) Open(sealed, additionalData []byte) ([]byte, error) {
	if s == nil {
		return sealed, nil
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrUnsealFailed
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrUnsealFailed
	}
	return plaintext, nil
}
