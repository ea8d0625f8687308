package centralauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/panyam/centralauth/instrumentation"
)

// ExpiryPolicy decides when an idle or old session is evicted
type ExpiryPolicy string

const (
	// ExpiryAbsolute evicts a session TTL after it was created, activity or not
	ExpiryAbsolute ExpiryPolicy = "absolute"
	// ExpirySliding evicts a session IdleTimeout after its last activity
	ExpirySliding ExpiryPolicy = "sliding"
)

// ErrSessionNotFound is returned for unknown, expired or logged out sessions
var ErrSessionNotFound = errors.New("session not found")

// SessionConfig configures a SessionRegistry
type SessionConfig struct {
	Policy ExpiryPolicy
	// TTL is the absolute lifetime used by ExpiryAbsolute
	TTL time.Duration
	// IdleTimeout is the inactivity limit used by ExpirySliding
	IdleTimeout time.Duration
	// SweepInterval is how often Start's background sweep runs
	SweepInterval time.Duration
}

// DefaultSessionConfig is a one hour sliding session swept every minute
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Policy:        ExpirySliding,
		TTL:           time.Hour,
		IdleTimeout:   time.Hour,
		SweepInterval: time.Minute,
	}
}

// Session ties a browser or CLI session to the token machinery for one credential set
type Session struct {
	ID           string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastActivity time.Time
	Credentials  CredentialSet
	Manager      *TokenManager
	Client       *AuthClient
}

// SessionFactory builds the token manager and client for a credential set.
// It is called once per credential key; sessions for the same key share the result.
type SessionFactory func(ctx context.Context, creds CredentialSet) (*TokenManager, *AuthClient, error)

type sharedManager struct {
	manager *TokenManager
	client  *AuthClient
	creds   CredentialSet
	refs    int
}

// SessionRegistry maps opaque session IDs to token managers. One registry is
// created per process and handed to whatever serves requests.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	managers map[string]*sharedManager

	config  SessionConfig
	factory SessionFactory
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *instrumentation.Metrics

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// RegistryOption configures a SessionRegistry
type RegistryOption func(*SessionRegistry)

// WithRegistryClock sets the clock used for expiry
func WithRegistryClock(clock clockwork.Clock) RegistryOption {
	return func(r *SessionRegistry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *SessionRegistry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRegistryMetrics sets the metrics holder
func WithRegistryMetrics(metrics *instrumentation.Metrics) RegistryOption {
	return func(r *SessionRegistry) {
		r.metrics = metrics
	}
}

// NewSessionRegistry creates a registry. Missing config values fall back to DefaultSessionConfig.
func NewSessionRegistry(config SessionConfig, factory SessionFactory, opts ...RegistryOption) *SessionRegistry {
	def := DefaultSessionConfig()
	if config.Policy == "" {
		config.Policy = def.Policy
	}
	if config.TTL <= 0 {
		config.TTL = def.TTL
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = def.SweepInterval
	}
	r := &SessionRegistry{
		sessions: make(map[string]*Session),
		managers: make(map[string]*sharedManager),
		config:   config,
		factory:  factory,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the effective configuration
func (r *SessionRegistry) Config() SessionConfig { return r.config }

// Create registers a new session for creds and returns its ID
func (r *SessionRegistry) Create(ctx context.Context, creds CredentialSet) (string, error) {
	if err := creds.Validate(); err != nil {
		return "", err
	}
	id, err := GenerateSecureToken()
	if err != nil {
		return "", err
	}

	key := creds.Key()
	r.mu.Lock()
	shared, ok := r.managers[key]
	if ok {
		if !shared.creds.SameSecrets(creds) {
			r.mu.Unlock()
			return "", r.secretMismatch(key)
		}
		shared.refs++
	}
	r.mu.Unlock()

	if !ok {
		// Built outside the lock: the factory may touch the token store.
		manager, client, err := r.factory(ctx, creds)
		if err != nil {
			return "", fmt.Errorf("failed to set up session: %w", err)
		}
		r.mu.Lock()
		if existing, raced := r.managers[key]; raced {
			if !existing.creds.SameSecrets(creds) {
				r.mu.Unlock()
				return "", r.secretMismatch(key)
			}
			shared = existing
		} else {
			shared = &sharedManager{manager: manager, client: client, creds: creds}
			r.managers[key] = shared
		}
		shared.refs++
		r.mu.Unlock()
	}

	now := r.clock.Now()
	sess := &Session{
		ID:           id,
		CreatedAt:    now,
		LastActivity: now,
		Credentials:  creds,
	}
	sess.ExpiresAt = r.expiresAt(sess)

	r.mu.Lock()
	sess.Manager = shared.manager
	sess.Client = shared.client
	r.sessions[id] = sess
	r.mu.Unlock()

	r.metrics.RecordSessionCreated(ctx)
	r.logger.Info("Session created", "credential_key", key, "expires_at", sess.ExpiresAt, "policy", string(r.config.Policy))
	return id, nil
}

// secretMismatch is returned when a live manager for the same client was set
// up with other secrets. Its token must not be handed to these credentials.
func (r *SessionRegistry) secretMismatch(key string) error {
	r.logger.Warn("Session rejected, secrets differ from the active session for this client", "credential_key", key)
	return &Error{
		Kind: KindAuthenticationFailed,
		Op:   "create session",
		Err:  errors.New("credentials do not match the active session for this client"),
	}
}

// Get returns the session and marks it active. Expired sessions are evicted on the spot.
func (r *SessionRegistry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	now := r.clock.Now()
	if r.expired(sess, now) {
		r.removeLocked(sess, "expired")
		return nil, ErrSessionNotFound
	}
	sess.LastActivity = now
	sess.ExpiresAt = r.expiresAt(sess)
	out := *sess
	return &out, nil
}

// IsValid reports whether id names a live session. It does not count as activity.
func (r *SessionRegistry) IsValid(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return false
	}
	if r.expired(sess, r.clock.Now()) {
		r.removeLocked(sess, "expired")
		return false
	}
	return true
}

// Destroy logs a session out. Returns false when there was nothing to destroy.
func (r *SessionRegistry) Destroy(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return false
	}
	r.removeLocked(sess, "logout")
	return true
}

// Sweep evicts every expired session and returns how many went
func (r *SessionRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	removed := 0
	for _, sess := range r.sessions {
		if r.expired(sess, now) {
			r.removeLocked(sess, "expired")
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("Session sweep completed", "removed", removed, "remaining", len(r.sessions))
	}
	return removed
}

// Len returns the number of registered sessions, expired ones included until swept
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Start runs Sweep every SweepInterval until Stop is called
func (r *SessionRegistry) Start() {
	r.mu.Lock()
	if r.stop != nil {
		r.mu.Unlock()
		return
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	stop, done := r.stop, r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := r.clock.NewTicker(r.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				r.Sweep()
			case <-stop:
				return
			}
		}
	}()
}

// Stop ends the background sweep and waits for it to exit
func (r *SessionRegistry) Stop() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.mu.Unlock()
	if stop == nil {
		return
	}
	r.stopOnce.Do(func() { close(stop) })
	<-done
}

func (r *SessionRegistry) expiresAt(sess *Session) time.Time {
	if r.config.Policy == ExpiryAbsolute {
		return sess.CreatedAt.Add(r.config.TTL)
	}
	return sess.LastActivity.Add(r.config.IdleTimeout)
}

func (r *SessionRegistry) expired(sess *Session, now time.Time) bool {
	if r.config.Policy == ExpiryAbsolute {
		return now.After(sess.ExpiresAt)
	}
	return now.Sub(sess.LastActivity) > r.config.IdleTimeout
}

// removeLocked drops the session and releases its manager. The last release
// clears the manager's in-memory token; persisted tokens stay.
// Caller must hold r.mu
func (r *SessionRegistry) removeLocked(sess *Session, reason string) {
	delete(r.sessions, sess.ID)
	key := sess.Credentials.Key()
	if shared, ok := r.managers[key]; ok {
		shared.refs--
		if shared.refs <= 0 {
			shared.manager.Invalidate()
			delete(r.managers, key)
		}
	}
	r.metrics.RecordSessionRemoved(context.Background(), reason)
	r.logger.Info("Session removed", "credential_key", key, "reason", reason)
}
