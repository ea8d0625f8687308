package centralauth

import (
	"io"
	"net/http"
)

// refreshTransport is an http.RoundTripper that adds the bearer token and
// retries once with a refreshed token on 401.
type refreshTransport struct {
	tokens TokenProvider
	base   http.RoundTripper
}

func (t *refreshTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}

	tok, err := t.tokens.GetValidToken(req.Context(), false)
	if err != nil {
		return nil, err
	}

	// Clone the request to avoid mutating the caller's
	authed := req.Clone(req.Context())
	authed.Header.Set("Authorization", tok.AuthorizationHeader())

	resp, err := base.RoundTrip(authed)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	// A body we cannot rewind cannot be sent twice
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, nil
	}

	newTok, err := t.tokens.RefreshRejected(req.Context(), tok)
	if err != nil {
		return resp, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	retry.Header.Set("Authorization", newTok.AuthorizationHeader())
	return base.RoundTrip(retry)
}
