package grants

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/panyam/centralauth"
)

// toGrant reads the lifetime from expires_in, then the JWT claims, then
// whatever expiry the oauth2 package computed.
func toGrant(tok *oauth2.Token, now time.Time) *centralauth.Grant {
	lifetime := extraExpiresIn(tok)
	if lifetime <= 0 {
		lifetime = jwtLifetime(tok.AccessToken, now)
	}
	if lifetime <= 0 && !tok.Expiry.IsZero() {
		lifetime = tok.Expiry.Sub(now)
	}
	return &centralauth.Grant{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		ExpiresIn:   lifetime,
	}
}

// warnNarrowedScopes logs when the provider granted less than was asked for
func (o *options) warnNarrowedScopes(flow string, requested []string, granted string) {
	if granted == "" || len(requested) == 0 {
		return
	}
	if missing := centralauth.MissingScopes(centralauth.ParseScopes(granted), requested); len(missing) > 0 {
		o.logger.Warn("Provider granted fewer scopes than requested", "flow", flow, "missing", centralauth.JoinScopes(missing))
	}
}

func grantedScope(tok *oauth2.Token) string {
	s, _ := tok.Extra("scope").(string)
	return s
}

func extraExpiresIn(tok *oauth2.Token) time.Duration {
	if tok.ExpiresIn > 0 {
		return time.Duration(tok.ExpiresIn) * time.Second
	}
	var secs float64
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		secs = v
	case int64:
		secs = float64(v)
	case json.Number:
		secs, _ = v.Float64()
	case string:
		secs, _ = strconv.ParseFloat(strings.TrimSpace(v), 64)
	}
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// jwtLifetime returns exp - iat from an unverified JWT, or exp - now when
// there is no iat. Zero when the token is not a JWT or carries no exp.
func jwtLifetime(token string, now time.Time) time.Duration {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return 0
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0
	}
	iat, err := claims.GetIssuedAt()
	if err == nil && iat != nil && exp.After(iat.Time) {
		return exp.Sub(iat.Time)
	}
	if d := exp.Sub(now); d > 0 {
		return d
	}
	return 0
}

// jwtRemaining is how long a pre-issued JWT has left. Tokens that are not
// JWTs report zero so the caller falls back to its default lifetime.
func jwtRemaining(token string, now time.Time) (time.Duration, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return 0, nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0, nil
	}
	d := exp.Sub(now)
	if d <= 0 {
		return 0, errStaticExpired
	}
	return d, nil
}

// classify turns an oauth2 token error into a centralauth error. A 429 keeps
// the provider's Retry-After so the manager holds off until then.
func classify(flow string, err error, now time.Time) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return statusError(flow, re.Response.StatusCode, re.Response.Header, re.Body, now)
	}
	return &centralauth.Error{Kind: centralauth.KindAuth, Op: flow + " grant", Err: err}
}

func statusError(flow string, status int, header http.Header, body []byte, now time.Time) error {
	e := &centralauth.Error{
		Kind:       centralauth.KindAuth,
		Op:         flow + " grant",
		StatusCode: status,
		Body:       body,
		Err:        fmt.Errorf("token endpoint returned HTTP %d%s", status, describe(body)),
	}
	if status == http.StatusTooManyRequests {
		e.Kind = centralauth.KindRateLimitExceeded
		if at, ok := centralauth.ParseRetryAfter(header, now); ok {
			e.RetryAfter = at
		}
	}
	return e
}

// describe pulls the OAuth2 error fields out of a token endpoint reply
func describe(body []byte) string {
	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	switch {
	case resp.ErrorDesc != "":
		return ": " + resp.ErrorDesc
	case resp.Error != "":
		return ": " + resp.Error
	}
	return ""
}
