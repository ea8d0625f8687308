package grants

import (
	"context"
	"errors"

	"golang.org/x/oauth2"

	"github.com/panyam/centralauth"
)

// CodeSource obtains an authorization code for a user, e.g. by logging in to
// the provider's authorize endpoint with the user's password.
type CodeSource interface {
	AuthorizationCode(ctx context.Context, creds centralauth.CredentialSet) (string, error)
}

// CodeSourceFunc adapts a function to a CodeSource
type CodeSourceFunc func(ctx context.Context, creds centralauth.CredentialSet) (string, error)

func (f CodeSourceFunc) AuthorizationCode(ctx context.Context, creds centralauth.CredentialSet) (string, error) {
	return f(ctx, creds)
}

var (
	errNoCode  = errors.New("code source returned an empty authorization code")
	errNoToken = errors.New("no access token configured")

	errStaticExpired = errors.New("static access token has expired")
)

// AuthorizationCode runs the three step password flow: the CodeSource turns
// the user's credentials into an authorization code, which is then exchanged
// for a token.
type AuthorizationCode struct {
	creds  centralauth.CredentialSet
	config oauth2.Config
	source CodeSource
	opts   *options
}

// NewAuthorizationCode creates a three step acquirer
func NewAuthorizationCode(creds centralauth.CredentialSet, source CodeSource, opts ...Option) *AuthorizationCode {
	return &AuthorizationCode{
		creds:  creds,
		config: oauthConfig(creds),
		source: source,
		opts:   buildOptions(opts),
	}
}

func (g *AuthorizationCode) Acquire(ctx context.Context) (*centralauth.Grant, error) {
	code, err := g.source.AuthorizationCode(ctx, g.creds)
	if err != nil {
		return nil, centralauth.AsAuthError("authorization code", err)
	}
	if code == "" {
		return nil, &centralauth.Error{Kind: centralauth.KindAuth, Op: "authorization code", Err: errNoCode}
	}

	var params []oauth2.AuthCodeOption
	if g.creds.CustomerID != "" {
		params = append(params, oauth2.SetAuthURLParam("customer_id", g.creds.CustomerID))
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.opts.httpClient)
	tok, err := g.config.Exchange(ctx, code, params...)
	if err != nil {
		return nil, classify("authorization_code", err, g.opts.clock.Now())
	}
	g.opts.warnNarrowedScopes("authorization_code", g.config.Scopes, grantedScope(tok))
	return toGrant(tok, g.opts.clock.Now()), nil
}
