// Package grants implements centralauth.Acquirer for the token flows the
// provider supports: client credentials, resource owner password (direct or
// through an authorization code) and a fixed pre-issued token.
package grants

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/panyam/centralauth"
)

// DefaultTimeout bounds a token request when the caller's context has no deadline
const DefaultTimeout = 30 * time.Second

// Encoding selects how token requests are sent
type Encoding int

const (
	// EncodingForm posts application/x-www-form-urlencoded, the OAuth2 default
	EncodingForm Encoding = iota
	// EncodingJSON posts a JSON body, for providers that only accept JSON
	EncodingJSON
)

type options struct {
	httpClient *http.Client
	encoding   Encoding
	codeSource CodeSource
	clock      clockwork.Clock
	logger     *slog.Logger
}

// Option configures an acquirer
type Option func(*options)

// WithHTTPClient sets the client used to reach the token endpoint
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithEncoding selects form or JSON token requests
func WithEncoding(e Encoding) Option {
	return func(o *options) {
		o.encoding = e
	}
}

// WithCodeSource turns the password grant into the three step flow: log in,
// obtain an authorization code, exchange it.
func WithCodeSource(cs CodeSource) Option {
	return func(o *options) {
		o.codeSource = cs
	}
}

// WithClock sets the clock used to read JWT lifetimes
func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) *options {
	o := &options{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		clock:      clockwork.NewRealClock(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// New returns the acquirer matching creds.GrantType
func New(creds centralauth.CredentialSet, opts ...Option) (centralauth.Acquirer, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)

	if o.encoding == EncodingJSON {
		return &jsonGrant{creds: creds, opts: o}, nil
	}
	switch creds.GrantType {
	case "", centralauth.GrantClientCredentials:
		return NewClientCredentials(creds, opts...), nil
	case centralauth.GrantPassword:
		if o.codeSource != nil {
			return NewAuthorizationCode(creds, o.codeSource, opts...), nil
		}
		return NewPassword(creds, opts...), nil
	}
	return nil, fmt.Errorf("unsupported grant type %q", creds.GrantType)
}

// ClientCredentials acquires tokens with the client_credentials grant
type ClientCredentials struct {
	config clientcredentials.Config
	opts   *options
}

// NewClientCredentials creates a client_credentials acquirer. The customer ID,
// when set, is sent as an extra token request parameter.
func NewClientCredentials(creds centralauth.CredentialSet, opts ...Option) *ClientCredentials {
	cfg := clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     creds.TokenEndpoint,
		Scopes:       creds.Scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if creds.CustomerID != "" {
		cfg.EndpointParams = map[string][]string{"customer_id": {creds.CustomerID}}
	}
	return &ClientCredentials{config: cfg, opts: buildOptions(opts)}
}

func (g *ClientCredentials) Acquire(ctx context.Context) (*centralauth.Grant, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.opts.httpClient)
	tok, err := g.config.Token(ctx)
	if err != nil {
		return nil, classify("client_credentials", err, g.opts.clock.Now())
	}
	g.opts.warnNarrowedScopes("client_credentials", g.config.Scopes, grantedScope(tok))
	return toGrant(tok, g.opts.clock.Now()), nil
}

// Password acquires tokens with the resource owner password grant
type Password struct {
	config   oauth2.Config
	username string
	password string
	opts     *options
}

// NewPassword creates a direct password grant acquirer
func NewPassword(creds centralauth.CredentialSet, opts ...Option) *Password {
	return &Password{
		config:   oauthConfig(creds),
		username: creds.Username,
		password: creds.Password,
		opts:     buildOptions(opts),
	}
}

func (g *Password) Acquire(ctx context.Context) (*centralauth.Grant, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.opts.httpClient)
	tok, err := g.config.PasswordCredentialsToken(ctx, g.username, g.password)
	if err != nil {
		return nil, classify("password", err, g.opts.clock.Now())
	}
	g.opts.warnNarrowedScopes("password", g.config.Scopes, grantedScope(tok))
	return toGrant(tok, g.opts.clock.Now()), nil
}

func oauthConfig(creds centralauth.CredentialSet) oauth2.Config {
	return oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Scopes:       creds.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   creds.AuthorizeURL,
			TokenURL:  creds.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// Static hands out one pre-issued token. Its lifetime comes from the JWT
// claims when the token is a JWT, otherwise DefaultTokenLifetime is assumed.
type Static struct {
	token string
	clock clockwork.Clock
}

// NewStatic creates a static acquirer for a token obtained out of band
func NewStatic(token string, opts ...Option) *Static {
	return &Static{token: token, clock: buildOptions(opts).clock}
}

func (s *Static) Acquire(ctx context.Context) (*centralauth.Grant, error) {
	if s.token == "" {
		return nil, &centralauth.Error{Kind: centralauth.KindAuth, Op: "static token", Err: errNoToken}
	}
	lifetime, err := jwtRemaining(s.token, s.clock.Now())
	if err != nil {
		return nil, &centralauth.Error{Kind: centralauth.KindAuth, Op: "static token", Err: err}
	}
	return &centralauth.Grant{
		AccessToken: s.token,
		TokenType:   centralauth.DefaultTokenType,
		ExpiresIn:   lifetime,
	}, nil
}
