package centralauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// GrantType selects how a token is obtained from the provider
type GrantType string

const (
	GrantClientCredentials GrantType = "client_credentials"
	GrantPassword          GrantType = "password"
)

// CredentialSet is the configuration used to obtain tokens. It is not rotated at runtime.
type CredentialSet struct {
	ClientID      string    `json:"client_id"`
	ClientSecret  string    `json:"client_secret"`
	Username      string    `json:"username,omitempty"`
	Password      string    `json:"password,omitempty"`
	TokenEndpoint string    `json:"token_endpoint"`
	GrantType     GrantType `json:"grant_type"`

	// Scopes requested with the token, optional
	Scopes []string `json:"scopes,omitempty"`

	// CustomerID is sent along with token requests when set
	CustomerID string `json:"customer_id,omitempty"`

	// AuthorizeURL is used by code based password flows
	AuthorizeURL string `json:"authorize_url,omitempty"`

	// BaseURL is the root of the domain API the tokens are used against
	BaseURL string `json:"base_url,omitempty"`
}

// Key is a stable identity for the credential set that does not contain secrets.
// It is what token stores key persisted tokens by. Two sets with the same key
// may still hold different secrets, see SameSecrets.
func (c CredentialSet) Key() string {
	grant := c.GrantType
	if grant == "" {
		grant = GrantClientCredentials
	}
	parts := []string{
		strings.TrimRight(c.TokenEndpoint, "/"),
		string(grant),
		c.ClientID,
		c.Username,
		c.CustomerID,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:16])
}

// Validate checks that the fields the selected grant needs are present
func (c CredentialSet) Validate() error {
	var missing []string
	if c.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if c.TokenEndpoint == "" {
		missing = append(missing, "token_endpoint")
	}
	switch c.GrantType {
	case "", GrantClientCredentials:
		if c.ClientSecret == "" {
			missing = append(missing, "client_secret")
		}
	case GrantPassword:
		if c.Username == "" {
			missing = append(missing, "username")
		}
		if c.Password == "" {
			missing = append(missing, "password")
		}
	default:
		return fmt.Errorf("unsupported grant type %q", c.GrantType)
	}
	if len(missing) > 0 {
		return fmt.Errorf("credential set missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Redacted returns a copy safe to log
func (c CredentialSet) Redacted() CredentialSet {
	out := c
	if out.ClientSecret != "" {
		out.ClientSecret = "***"
	}
	if out.Password != "" {
		out.Password = "***"
	}
	return out
}

// secretDigest folds the secrets into a fixed size value. bcrypt only looks
// at the first 72 bytes of its input, so long client secrets go through it.
func (c CredentialSet) secretDigest() []byte {
	sum := sha256.Sum256([]byte(c.ClientSecret + "\x00" + c.Password))
	return []byte(hex.EncodeToString(sum[:]))
}

// SameSecrets reports whether other carries the same client secret and password
func (c CredentialSet) SameSecrets(other CredentialSet) bool {
	return subtle.ConstantTimeCompare(c.secretDigest(), other.secretDigest()) == 1
}

// HashSecrets returns a bcrypt hash of the secrets for storing next to a
// persisted token, so the token is only handed back to the same secrets.
func (c CredentialSet) HashSecrets() (string, error) {
	hash, err := bcrypt.GenerateFromPassword(c.secretDigest(), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secrets: %w", err)
	}
	return string(hash), nil
}

// MatchesSecretHash checks the secrets against a hash from HashSecrets
func (c CredentialSet) MatchesSecretHash(hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), c.secretDigest()) == nil
}
