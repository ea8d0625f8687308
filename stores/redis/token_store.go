// Package redis stores token records in Redis so several processes sharing
// one credential set also share its token.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/panyam/centralauth"
	"github.com/panyam/centralauth/stores"
)

// DefaultPrefix namespaces keys when none is given
const DefaultPrefix = "centralauth"

// TokenStore implements centralauth.TokenStore on Redis. Each record is one
// string key written with a single SET, which Redis applies atomically.
type TokenStore struct {
	client redis.UniversalClient
	prefix string
	sealer *stores.Sealer
	// retention keeps a record around after its token expires so the
	// issuance time still seeds the cooldown of a restarted process
	retention time.Duration
	clock     clockwork.Clock
	logger    *slog.Logger
}

// Option configures a TokenStore
type Option func(*TokenStore)

// WithSealer encrypts records at rest
func WithSealer(s *stores.Sealer) Option {
	return func(t *TokenStore) { t.sealer = s }
}

// WithRetention sets how long a record outlives its token
func WithRetention(d time.Duration) Option {
	return func(t *TokenStore) {
		if d >= 0 {
			t.retention = d
		}
	}
}

// WithClock sets the clock used to compute key TTLs
func WithClock(c clockwork.Clock) Option {
	return func(t *TokenStore) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(t *TokenStore) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTokenStore creates a new [TokenStore] instance
func NewTokenStore(client redis.UniversalClient, prefix string, opts ...Option) *TokenStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	s := &TokenStore{
		client:    client,
		prefix:    prefix,
		retention: centralauth.DefaultCooldown,
		clock:     clockwork.NewRealClock(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// redisKey returns the Redis key for a credential key
func (s *TokenStore) redisKey(key string) string {
	return fmt.Sprintf("%s:token:%s", s.prefix, key)
}

func (s *TokenStore) Load(ctx context.Context, key string) *centralauth.TokenRecord {
	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("Failed to read token record from Redis", "key", key, "error", err)
		}
		return nil
	}
	rec, err := stores.DecodeRecord(s.sealer, key, data)
	if err != nil {
		s.logger.Warn("Ignoring unusable token record", "key", key, "error", err)
		return nil
	}
	return rec
}

func (s *TokenStore) Save(ctx context.Context, key string, rec *centralauth.TokenRecord) error {
	data, err := stores.EncodeRecord(s.sealer, key, rec)
	if err != nil {
		return err
	}
	ttl := rec.ExpiresAt.Sub(s.clock.Now()) + s.retention
	if ttl <= 0 {
		// Nothing worth keeping
		return s.Delete(ctx, key)
	}
	if err := s.client.Set(ctx, s.redisKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set token in Redis: %w", err)
	}
	return nil
}

func (s *TokenStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete token from Redis: %w", err)
	}
	return nil
}

// Clear removes every record under this store's prefix
func (s *TokenStore) Clear(ctx context.Context) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, s.prefix+":token:*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return removed, fmt.Errorf("failed to delete token from Redis: %w", err)
		}
		removed++
	}
	return removed, iter.Err()
}
