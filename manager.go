package centralauth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/panyam/centralauth/instrumentation"
)

const (
	// DefaultRefreshTimeout bounds a single token acquisition
	DefaultRefreshTimeout = 30 * time.Second

	// DefaultTokenLifetime is assumed when the provider does not say how long a token lives
	DefaultTokenLifetime = 2 * time.Hour
)

// Grant is what an Acquirer gets back from the provider
type Grant struct {
	AccessToken string
	TokenType   string
	ExpiresIn   time.Duration
}

// Acquirer obtains a fresh token from the provider. Implementations live in
// the grants package, one per grant flow.
type Acquirer interface {
	Acquire(ctx context.Context) (*Grant, error)
}

// AcquirerFunc adapts a function to an Acquirer
type AcquirerFunc func(ctx context.Context) (*Grant, error)

func (f AcquirerFunc) Acquire(ctx context.Context) (*Grant, error) { return f(ctx) }

// TokenManager hands out valid tokens for one credential set while keeping
// token endpoint calls to a minimum. Concurrent callers that find the cached
// token stale share a single refresh.
type TokenManager struct {
	key            string
	creds          CredentialSet
	acquirer       Acquirer
	store          TokenStore
	clock          clockwork.Clock
	buffer         time.Duration
	cooldown       *Cooldown
	refreshTimeout time.Duration
	logger         *slog.Logger
	metrics        *instrumentation.Metrics

	mu      sync.RWMutex
	current *Token

	// group holds the in-flight refresh, keyed by the credential key
	group singleflight.Group
}

// ManagerOption configures a TokenManager
type ManagerOption func(*TokenManager)

// WithClock sets the clock used for expiry checks
func WithClock(clock clockwork.Clock) ManagerOption {
	return func(m *TokenManager) {
		m.clock = clock
	}
}

// WithRefreshBuffer sets how long before real expiry a token is renewed
func WithRefreshBuffer(d time.Duration) ManagerOption {
	return func(m *TokenManager) {
		m.buffer = d
	}
}

// WithCooldown shares a cooldown tracker (e.g. across managers of one process)
func WithCooldown(c *Cooldown) ManagerOption {
	return func(m *TokenManager) {
		if c != nil {
			m.cooldown = c
		}
	}
}

// WithRefreshTimeout bounds each token acquisition
func WithRefreshTimeout(d time.Duration) ManagerOption {
	return func(m *TokenManager) {
		if d > 0 {
			m.refreshTimeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *TokenManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics holder
func WithMetrics(metrics *instrumentation.Metrics) ManagerOption {
	return func(m *TokenManager) {
		m.metrics = metrics
	}
}

// NewTokenManager creates a manager for creds. A still valid token found in
// the store is adopted right away, so a restarted process does not ask the
// provider for a token it already has.
func NewTokenManager(ctx context.Context, creds CredentialSet, acquirer Acquirer, store TokenStore, opts ...ManagerOption) *TokenManager {
	if store == nil {
		store = NoopTokenStore{}
	}
	m := &TokenManager{
		key:            creds.Key(),
		creds:          creds,
		acquirer:       acquirer,
		store:          store,
		clock:          clockwork.NewRealClock(),
		buffer:         DefaultRefreshBuffer,
		refreshTimeout: DefaultRefreshTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cooldown == nil {
		m.cooldown = NewCooldown(DefaultCooldown)
	}
	m.adopt(ctx)
	return m
}

func (m *TokenManager) adopt(ctx context.Context) {
	rec := m.store.Load(ctx, m.key)
	if rec == nil {
		return
	}
	// The cached_at of a persisted record is the last issuance we know of,
	// even when the token itself is no longer usable.
	m.cooldown.Record(m.key, rec.CachedAt)

	tok := rec.Token(m.buffer)
	now := m.clock.Now()
	if !tok.Valid(now) {
		m.logger.Info("Cached token is no longer valid", "credential_key", m.key, "expires_at", rec.ExpiresAt)
		return
	}
	if !m.creds.MatchesSecretHash(rec.SecretHash) {
		m.logger.Warn("Cached token was obtained with other secrets, not adopting it", "credential_key", m.key)
		return
	}
	m.mu.Lock()
	m.current = tok
	m.mu.Unlock()
	m.logger.Info("Adopted cached token", "credential_key", m.key, "safe_expires_at", tok.SafeExpiresAt)
}

// Key returns the credential key this manager is responsible for
func (m *TokenManager) Key() string { return m.key }

// Current returns the token held in memory, valid or not. May be nil.
func (m *TokenManager) Current() *Token {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// GetValidToken returns a token that is valid now. With forceRefresh the
// cached token is bypassed, but the call still joins a refresh already in flight.
func (m *TokenManager) GetValidToken(ctx context.Context, forceRefresh bool) (*Token, error) {
	cur := m.Current()
	if !forceRefresh {
		if cur.Valid(m.clock.Now()) {
			m.metrics.RecordCacheHit(ctx)
			return cur, nil
		}
		return m.refresh(ctx, nil)
	}
	return m.refresh(ctx, cur)
}

// RefreshRejected replaces a token the API refused. If some other caller has
// already replaced it, the newer token is returned without another request.
func (m *TokenManager) RefreshRejected(ctx context.Context, rejected *Token) (*Token, error) {
	return m.refresh(ctx, rejected)
}

// AccessToken is GetValidToken for callers that only need the secret
func (m *TokenManager) AccessToken(ctx context.Context) (string, error) {
	tok, err := m.GetValidToken(ctx, false)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// refresh joins or starts the in-flight refresh. A flight started by a
// non-forced caller may hand back the very token that was rejected, in which
// case one more flight is run.
func (m *TokenManager) refresh(ctx context.Context, rejected *Token) (*Token, error) {
	tok, err := m.join(ctx, rejected)
	if err == nil && rejected != nil && tok.AccessToken == rejected.AccessToken {
		m.logger.Debug("Joined flight returned the rejected token, refreshing again", "credential_key", m.key)
		tok, err = m.join(ctx, rejected)
	}
	return tok, err
}

// join waits on the flight for this key. The flight runs on its own context
// so a caller giving up does not cancel it for everyone else.
func (m *TokenManager) join(ctx context.Context, rejected *Token) (*Token, error) {
	ch := m.group.DoChan(m.key, func() (any, error) {
		return m.acquire(rejected)
	})
	select {
	case <-ctx.Done():
		return nil, &Error{Kind: KindAuth, Op: "get token", Err: ctx.Err()}
	case res := <-ch:
		if res.Shared {
			m.metrics.RecordJoin(ctx)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Token), nil
	}
}

func (m *TokenManager) acquire(rejected *Token) (*Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.refreshTimeout)
	defer cancel()

	now := m.clock.Now()
	cur := m.Current()
	if cur.Valid(now) && (rejected == nil || cur.AccessToken != rejected.AccessToken) {
		// Someone refreshed between the caller's check and this flight.
		return cur, nil
	}

	if !cur.Valid(now) {
		if wait := m.cooldown.Remaining(m.key, now); wait > 0 {
			m.metrics.RecordCooldownBlocked(ctx)
			retryAt := now.Add(wait)
			m.logger.Warn("Token request suppressed by cooldown",
				"credential_key", m.key, "retry_after", retryAt, "wait", wait)
			return nil, &Error{
				Kind:       KindRateLimitExceeded,
				Op:         "acquire token",
				RetryAfter: retryAt,
				Err:        errors.New("token cooldown window has not elapsed"),
			}
		}
	}

	m.logger.Info("Requesting new token", "credential_key", m.key, "forced", rejected != nil)
	grant, err := m.acquirer.Acquire(ctx)
	if err == nil && (grant == nil || grant.AccessToken == "") {
		err = errors.New("provider returned no access token")
	}
	if err != nil {
		err = AsAuthError("acquire token", err)
		var e *Error
		if errors.As(err, &e) && e.Kind == KindRateLimitExceeded && !e.RetryAfter.IsZero() {
			m.cooldown.Block(m.key, e.RetryAfter)
		}
		m.metrics.RecordTokenRequest(ctx, "error")
		m.logger.Warn("Token request failed", "credential_key", m.key, "error", err)
		return nil, err
	}

	lifetime := grant.ExpiresIn
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}
	issued := m.clock.Now()
	tok := NewToken(grant.AccessToken, grant.TokenType, issued, lifetime, m.buffer)
	m.cooldown.Record(m.key, issued)

	m.mu.Lock()
	m.current = tok
	m.mu.Unlock()

	m.persist(ctx, tok)
	m.metrics.RecordTokenRequest(ctx, "success")
	m.logger.Info("Token refreshed", "credential_key", m.key, "safe_expires_at", tok.SafeExpiresAt)
	return tok, nil
}

func (m *TokenManager) persist(ctx context.Context, tok *Token) {
	if _, ok := m.store.(NoopTokenStore); ok {
		return
	}
	rec := tok.Record()
	hash, err := m.creds.HashSecrets()
	if err != nil {
		m.logger.Warn("Not persisting token", "credential_key", m.key, "error", err)
		return
	}
	rec.SecretHash = hash
	if err := m.store.Save(ctx, m.key, rec); err != nil {
		m.logger.Warn("Failed to persist token", "credential_key", m.key, "error", err)
	}
}

// Invalidate drops the in-memory token. The persisted record is left alone so
// a later manager for the same credentials can still adopt it.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
}

// Status describes the manager's token without exposing it
type Status struct {
	CredentialKey string        `json:"credential_key"`
	HasToken      bool          `json:"has_token"`
	Valid         bool          `json:"valid"`
	TokenType     string        `json:"token_type,omitempty"`
	IssuedAt      time.Time     `json:"issued_at,omitempty"`
	ExpiresAt     time.Time     `json:"expires_at,omitempty"`
	SafeExpiresAt time.Time     `json:"safe_expires_at,omitempty"`
	Remaining     time.Duration `json:"remaining"`
	NextAllowed   time.Time     `json:"next_token_allowed,omitempty"`
}

// Status reports on the current token
func (m *TokenManager) Status() Status {
	now := m.clock.Now()
	cur := m.Current()
	st := Status{
		CredentialKey: m.key,
		HasToken:      cur != nil,
		Valid:         cur.Valid(now),
		Remaining:     cur.Remaining(now),
		NextAllowed:   m.cooldown.NextAllowed(m.key),
	}
	if cur != nil {
		st.TokenType = cur.TokenType
		st.IssuedAt = cur.IssuedAt
		st.ExpiresAt = cur.ExpiresAt
		st.SafeExpiresAt = cur.SafeExpiresAt
	}
	return st
}

// TokenSource adapts the manager to oauth2.TokenSource for SDKs that take one.
func (m *TokenManager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &managerTokenSource{ctx: ctx, m: m}
}

type managerTokenSource struct {
	ctx context.Context
	m   *TokenManager
}

func (s *managerTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.m.GetValidToken(s.ctx, false)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		Expiry:      tok.SafeExpiresAt,
	}, nil
}
