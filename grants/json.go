package grants

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/panyam/centralauth"
)

// tokenRequest is the JSON body for providers that do not take form posts
type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	Scope        string `json:"scope,omitempty"`
	CustomerID   string `json:"customer_id,omitempty"`
}

// tokenResponse is the token endpoint reply
type tokenResponse struct {
	AccessToken string          `json:"access_token"`
	TokenType   string          `json:"token_type"`
	ExpiresIn   json.RawMessage `json:"expires_in,omitempty"`
	Scope       string          `json:"scope,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorDesc   string          `json:"error_description,omitempty"`
}

type jsonGrant struct {
	creds centralauth.CredentialSet
	opts  *options
}

func (g *jsonGrant) Acquire(ctx context.Context) (*centralauth.Grant, error) {
	grantType := g.creds.GrantType
	if grantType == "" {
		grantType = centralauth.GrantClientCredentials
	}
	req := tokenRequest{
		GrantType:    string(grantType),
		ClientID:     g.creds.ClientID,
		ClientSecret: g.creds.ClientSecret,
		Scope:        centralauth.JoinScopes(g.creds.Scopes),
		CustomerID:   g.creds.CustomerID,
	}
	if grantType == centralauth.GrantPassword {
		req.Username = g.creds.Username
		req.Password = g.creds.Password
	}

	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.creds.TokenEndpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	g.opts.logger.Debug("Requesting token", "endpoint", g.creds.TokenEndpoint, "grant_type", string(grantType))
	resp, err := g.opts.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	now := g.opts.clock.Now()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(string(grantType), resp.StatusCode, resp.Header, body, now)
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("invalid response from token endpoint: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access token")
	}

	g.opts.warnNarrowedScopes(string(grantType), g.creds.Scopes, tokenResp.Scope)

	lifetime := parseExpiresIn(tokenResp.ExpiresIn)
	if lifetime <= 0 {
		lifetime = jwtLifetime(tokenResp.AccessToken, now)
	}
	return &centralauth.Grant{
		AccessToken: tokenResp.AccessToken,
		TokenType:   tokenResp.TokenType,
		ExpiresIn:   lifetime,
	}, nil
}

// parseExpiresIn accepts expires_in as a number or a numeric string
func parseExpiresIn(raw json.RawMessage) time.Duration {
	if len(raw) == 0 {
		return 0
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0
		}
		n = json.Number(s)
	}
	secs, err := n.Float64()
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
