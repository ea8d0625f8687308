// Package grpc carries managed bearer tokens on outgoing gRPC calls, either
// as per-RPC credentials or through client interceptors that also retry once
// with a fresh token when the server answers Unauthenticated.
package grpc

import (
	"context"
	"strings"

	"google.golang.org/grpc/metadata"

	"github.com/panyam/centralauth"
)

// Default metadata keys.
const (
	// DefaultMetadataKeyAuthorization carries the bearer token
	DefaultMetadataKeyAuthorization = "authorization"

	// DefaultMetadataKeyCustomerID carries the tenant for partitioned APIs
	DefaultMetadataKeyCustomerID = "x-customer-id"
)

// Config holds the metadata key configuration.
type Config struct {
	// MetadataKeyAuthorization defaults to "authorization".
	MetadataKeyAuthorization string

	// MetadataKeyCustomerID defaults to "x-customer-id". Only sent when CustomerID is set.
	MetadataKeyCustomerID string

	// CustomerID is sent with every call when not empty
	CustomerID string

	// RequireTLS makes the per-RPC credentials refuse insecure connections.
	RequireTLS bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MetadataKeyAuthorization: DefaultMetadataKeyAuthorization,
		MetadataKeyCustomerID:    DefaultMetadataKeyCustomerID,
		RequireTLS:               true,
	}
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() {
	if c.MetadataKeyAuthorization == "" {
		c.MetadataKeyAuthorization = DefaultMetadataKeyAuthorization
	}
	if c.MetadataKeyCustomerID == "" {
		c.MetadataKeyCustomerID = DefaultMetadataKeyCustomerID
	}
}

func (c *Config) metadata(tok *centralauth.Token) map[string]string {
	md := map[string]string{c.MetadataKeyAuthorization: tok.AuthorizationHeader()}
	if c.CustomerID != "" {
		md[c.MetadataKeyCustomerID] = c.CustomerID
	}
	return md
}

// TokenToOutgoingContext adds the token to outgoing gRPC context metadata.
func TokenToOutgoingContext(ctx context.Context, tok *centralauth.Token, config *Config) context.Context {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()

	pairs := make([]string, 0, 4)
	for k, v := range config.metadata(tok) {
		pairs = append(pairs, k, v)
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

// BearerFromIncomingContext returns the bearer token a server received, or
// empty when there is none.
func BearerFromIncomingContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(DefaultMetadataKeyAuthorization)
	if len(values) == 0 {
		return ""
	}
	scheme, token, found := strings.Cut(values[0], " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return token
}

// Credentials implements credentials.PerRPCCredentials with a token provider.
// It cannot see the call's outcome, so pair it with the interceptors when
// Unauthenticated responses should trigger a refresh.
type Credentials struct {
	tokens centralauth.TokenProvider
	config *Config
}

// NewCredentials creates per-RPC credentials backed by tokens
func NewCredentials(tokens centralauth.TokenProvider, config *Config) *Credentials {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()
	return &Credentials{tokens: tokens, config: config}
}

func (c *Credentials) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	tok, err := c.tokens.GetValidToken(ctx, false)
	if err != nil {
		return nil, err
	}
	return c.config.metadata(tok), nil
}

func (c *Credentials) RequireTransportSecurity() bool {
	return c.config.RequireTLS
}
