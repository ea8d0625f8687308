package centralauth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// DefaultTokenType is used when the provider does not send a token_type
const DefaultTokenType = "Bearer"

// DefaultRefreshBuffer is how long before real expiry a token stops being handed out
const DefaultRefreshBuffer = 5 * time.Minute

// Token is an issued access token. It is never mutated after construction.
type Token struct {
	AccessToken   string    `json:"access_token"`
	TokenType     string    `json:"token_type"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	SafeExpiresAt time.Time `json:"safe_expires_at"`
}

// NewToken builds a Token issued at issuedAt that lives for lifetime.
// SafeExpiresAt is always strictly before ExpiresAt: a non-positive buffer
// becomes one second and a buffer covering the whole lifetime is cut to half of it.
func NewToken(accessToken, tokenType string, issuedAt time.Time, lifetime, buffer time.Duration) *Token {
	if tokenType == "" {
		tokenType = DefaultTokenType
	}
	expiresAt := issuedAt.Add(lifetime)
	return &Token{
		AccessToken:   accessToken,
		TokenType:     tokenType,
		IssuedAt:      issuedAt,
		ExpiresAt:     expiresAt,
		SafeExpiresAt: expiresAt.Add(-clampBuffer(lifetime, buffer)),
	}
}

func clampBuffer(lifetime, buffer time.Duration) time.Duration {
	if buffer <= 0 {
		buffer = time.Second
	}
	if lifetime > 0 && buffer >= lifetime {
		buffer = lifetime / 2
	}
	if buffer <= 0 {
		buffer = time.Nanosecond
	}
	return buffer
}

// Valid reports whether the token may still be handed to callers at now.
func (t *Token) Valid(now time.Time) bool {
	return t != nil && t.AccessToken != "" && now.Before(t.SafeExpiresAt)
}

// IsExpired returns true once the provider itself considers the token expired
func (t *Token) IsExpired(now time.Time) bool {
	return t == nil || !now.Before(t.ExpiresAt)
}

// Remaining is the time left until safe expiry, zero when already past it.
func (t *Token) Remaining(now time.Time) time.Duration {
	if !t.Valid(now) {
		return 0
	}
	return t.SafeExpiresAt.Sub(now)
}

// AuthorizationHeader returns the value for the Authorization header
func (t *Token) AuthorizationHeader() string {
	typ := t.TokenType
	if typ == "" {
		typ = DefaultTokenType
	}
	return typ + " " + t.AccessToken
}

// Record converts the token into its persisted form.
func (t *Token) Record() *TokenRecord {
	return &TokenRecord{
		AccessToken: t.AccessToken,
		TokenType:   t.TokenType,
		ExpiresAt:   t.ExpiresAt,
		CachedAt:    t.IssuedAt,
	}
}

// TokenRecord is what a TokenStore persists for a credential set
type TokenRecord struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
	CachedAt    time.Time `json:"cached_at"`

	// SecretHash is a bcrypt hash of the secrets the token was obtained with
	SecretHash string `json:"secret_hash,omitempty"`
}

// Token rebuilds a Token from the record using the given refresh buffer.
// Returns nil for records without an access token or with an expiry that
// does not follow the caching time.
func (r *TokenRecord) Token(buffer time.Duration) *Token {
	if r == nil || r.AccessToken == "" || !r.ExpiresAt.After(r.CachedAt) {
		return nil
	}
	return NewToken(r.AccessToken, r.TokenType, r.CachedAt, r.ExpiresAt.Sub(r.CachedAt), buffer)
}

// GenerateSecureToken generates a cryptographically secure random token
func GenerateSecureToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
