package centralauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/panyam/centralauth/instrumentation"
)

// DefaultRequestTimeout bounds a single domain request attempt
const DefaultRequestTimeout = 60 * time.Second

// maxErrorBody caps how much of a failed response is kept on the error
const maxErrorBody = 64 << 10

// TokenProvider is what the client needs from a TokenManager
type TokenProvider interface {
	GetValidToken(ctx context.Context, forceRefresh bool) (*Token, error)
	RefreshRejected(ctx context.Context, rejected *Token) (*Token, error)
}

// Unsupported enumerates a 4xx response that means "this resource has no data
// here" rather than a failure, e.g. a device that does not report a metric.
// A rule needs a path prefix and a status; Contains narrows it by body text.
type Unsupported struct {
	PathPrefix string
	Status     int
	Contains   string
}

func (u Unsupported) matches(path string, status int, body []byte) bool {
	if u.PathPrefix == "" || u.Status == 0 {
		return false
	}
	if status != u.Status || !strings.HasPrefix(path, u.PathPrefix) {
		return false
	}
	return u.Contains == "" || bytes.Contains(body, []byte(u.Contains))
}

// Response is a completed domain call
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Absent is set when an Unsupported rule matched; Body is the provider's message
	Absent bool
}

// Decode unmarshals the JSON body into v. Empty and absent bodies leave v untouched.
func (r *Response) Decode(v any) error {
	if r == nil || r.Absent || v == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("invalid JSON response: %w", err)
	}
	return nil
}

// AuthClient performs domain API calls with a managed bearer token.
// It refreshes once on 401, backs off on 429 and optionally retries 5xx.
type AuthClient struct {
	baseURL        string
	tokens         TokenProvider
	httpClient     *http.Client
	baseTransport  http.RoundTripper
	backoff        Backoff
	serverRetries  int
	requestTimeout time.Duration
	throttle       *Throttle
	unsupported    []Unsupported
	clock          clockwork.Clock
	logger         *slog.Logger
	metrics        *instrumentation.Metrics
}

// ClientOption configures an AuthClient
type ClientOption func(*AuthClient)

// WithHTTPClient sets a custom base HTTP client (for TLS config, proxies, etc.)
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *AuthClient) {
		if client == nil {
			return
		}
		if client.Transport != nil {
			c.baseTransport = client.Transport
		}
		c.httpClient.CheckRedirect = client.CheckRedirect
		c.httpClient.Jar = client.Jar
	}
}

// WithTransport sets a custom base transport (for connection pooling, proxies, etc.)
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *AuthClient) {
		if transport != nil {
			c.baseTransport = transport
		}
	}
}

// WithBackoff sets the 429 retry policy
func WithBackoff(b Backoff) ClientOption {
	return func(c *AuthClient) {
		c.backoff = b
	}
}

// WithServerRetries sets how many immediate retries a 5xx gets. Default 0.
func WithServerRetries(n int) ClientOption {
	return func(c *AuthClient) {
		if n >= 0 {
			c.serverRetries = n
		}
	}
}

// WithRequestTimeout bounds each request attempt
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *AuthClient) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithThrottle limits outgoing request rate
func WithThrottle(t *Throttle) ClientOption {
	return func(c *AuthClient) {
		c.throttle = t
	}
}

// WithUnsupported registers responses that mean "no data" instead of an error
func WithUnsupported(rules ...Unsupported) ClientOption {
	return func(c *AuthClient) {
		c.unsupported = append(c.unsupported, rules...)
	}
}

// WithClientClock sets the clock used for backoff
func WithClientClock(clock clockwork.Clock) ClientOption {
	return func(c *AuthClient) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithClientLogger sets the logger
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *AuthClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClientMetrics sets the metrics holder
func WithClientMetrics(metrics *instrumentation.Metrics) ClientOption {
	return func(c *AuthClient) {
		c.metrics = metrics
	}
}

// NewAuthClient creates a client for the API rooted at baseURL
func NewAuthClient(baseURL string, tokens TokenProvider, opts ...ClientOption) *AuthClient {
	c := &AuthClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		tokens:         tokens,
		httpClient:     &http.Client{},
		baseTransport:  http.DefaultTransport,
		backoff:        DefaultBackoff(),
		requestTimeout: DefaultRequestTimeout,
		clock:          clockwork.NewRealClock(),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.backoff.Sleep == nil {
		c.backoff.Sleep = ClockSleep(c.clock)
	}
	c.httpClient.Transport = c.baseTransport
	return c
}

// BaseURL returns the API root this client talks to
func (c *AuthClient) BaseURL() string {
	return c.baseURL
}

// HTTPClient returns a plain *http.Client that adds the bearer token and
// refreshes once on 401. It does not apply the 429 or 5xx policies.
func (c *AuthClient) HTTPClient() *http.Client {
	return &http.Client{
		Transport:     &refreshTransport{tokens: c.tokens, base: c.baseTransport},
		CheckRedirect: c.httpClient.CheckRedirect,
		Jar:           c.httpClient.Jar,
		Timeout:       c.requestTimeout,
	}
}

// Call performs one logical request. path is relative to the base URL, params
// become the query string and body is JSON encoded unless it is already bytes.
func (c *AuthClient) Call(ctx context.Context, method, path string, params url.Values, body any) (*Response, error) {
	op := method + " " + path
	target := c.url(path, params)
	payload, err := encodeBody(body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to encode request: %w", op, err)
	}

	tok, err := c.tokens.GetValidToken(ctx, false)
	if err != nil {
		return nil, err
	}

	refreshed := false
	rateRetries := 0
	serverRetries := 0
	for {
		if err := c.throttle.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		resp, err := c.do(ctx, method, target, payload, tok)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, target, err)
		}

		switch status := resp.StatusCode; {
		case status == http.StatusUnauthorized:
			if refreshed {
				return nil, c.fail(op, KindAuthenticationFailed, resp, time.Time{})
			}
			refreshed = true
			c.metrics.RecordAPIRetry(ctx, "unauthorized")
			c.logger.Info("Token rejected, refreshing", "op", op)
			tok, err = c.tokens.RefreshRejected(ctx, tok)
			if err != nil {
				return nil, err
			}
			continue

		case status == http.StatusTooManyRequests:
			now := c.clock.Now()
			retryAt, hasRetryAfter := ParseRetryAfter(resp.Header, now)
			if rateRetries >= c.backoff.MaxRetries {
				return nil, c.fail(op, KindRateLimitExceeded, resp, retryAt)
			}
			var serverWait time.Duration
			if hasRetryAfter {
				serverWait = retryAt.Sub(now)
			}
			delay := c.backoff.Delay(rateRetries, serverWait)
			rateRetries++
			c.metrics.RecordAPIRetry(ctx, "rate_limited")
			c.logger.Warn("Rate limited, backing off",
				"op", op, "attempt", rateRetries, "max_retries", c.backoff.MaxRetries, "delay", delay)
			if err := c.backoff.Sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			continue

		case status == http.StatusForbidden:
			return nil, c.fail(op, KindForbidden, resp, time.Time{})

		case status == http.StatusNotFound:
			return nil, c.fail(op, KindNotFound, resp, time.Time{})

		case status >= 500:
			if serverRetries < c.serverRetries {
				serverRetries++
				c.metrics.RecordAPIRetry(ctx, "server_error")
				c.logger.Warn("Server error, retrying", "op", op, "status", status, "attempt", serverRetries)
				continue
			}
			return nil, c.fail(op, KindTransientServer, resp, time.Time{})

		case status >= 400:
			if c.isUnsupported(path, status, resp.Body) {
				c.logger.Debug("Endpoint reports no data", "op", op, "status", status)
				resp.Absent = true
				return resp, nil
			}
			return nil, c.fail(op, KindAPI, resp, time.Time{})
		}

		if len(bytes.TrimSpace(resp.Body)) == 0 {
			c.logger.Debug("Empty response body", "op", op)
		}
		return resp, nil
	}
}

// Get performs a GET and decodes the JSON response into out
func (c *AuthClient) Get(ctx context.Context, path string, params url.Values, out any) error {
	resp, err := c.Call(ctx, http.MethodGet, path, params, nil)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// Post performs a POST with a JSON body and decodes the response into out
func (c *AuthClient) Post(ctx context.Context, path string, body any, out any) error {
	resp, err := c.Call(ctx, http.MethodPost, path, nil, body)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// Put performs a PUT with a JSON body and decodes the response into out
func (c *AuthClient) Put(ctx context.Context, path string, body any, out any) error {
	resp, err := c.Call(ctx, http.MethodPut, path, nil, body)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// Delete performs a DELETE and decodes the response into out
func (c *AuthClient) Delete(ctx context.Context, path string, params url.Values, out any) error {
	resp, err := c.Call(ctx, http.MethodDelete, path, params, nil)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

func (c *AuthClient) url(path string, params url.Values) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := c.baseURL + path
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + params.Encode()
	}
	return u
}

// do sends one attempt and reads the whole body within the request timeout
func (c *AuthClient) do(ctx context.Context, method, target string, payload []byte, tok *Token) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", tok.AuthorizationHeader())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("Sending request", "method", method, "url", target)
	start := c.clock.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	elapsed := c.clock.Since(start)
	c.metrics.RecordAPIRequest(ctx, method, resp.StatusCode, float64(elapsed.Microseconds())/1000)

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (c *AuthClient) isUnsupported(path string, status int, body []byte) bool {
	for _, rule := range c.unsupported {
		if rule.matches(path, status, body) {
			return true
		}
	}
	return false
}

func (c *AuthClient) fail(op string, kind ErrorKind, resp *Response, retryAfter time.Time) error {
	body := resp.Body
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	preview := body
	if len(preview) > 500 {
		preview = preview[:500]
	}
	c.logger.Error("API error", "op", op, "status", resp.StatusCode, "kind", kind.String(), "body", string(preview))
	return &Error{
		Kind:       kind,
		Op:         op,
		StatusCode: resp.StatusCode,
		RetryAfter: retryAfter,
		Body:       body,
	}
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case json.RawMessage:
		return b, nil
	case io.Reader:
		return io.ReadAll(b)
	default:
		return json.Marshal(b)
	}
}
