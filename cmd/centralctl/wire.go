package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/datastore"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/panyam/centralauth"
	"github.com/panyam/centralauth/config"
	"github.com/panyam/centralauth/grants"
	"github.com/panyam/centralauth/instrumentation"
	"github.com/panyam/centralauth/stores"
	gaestore "github.com/panyam/centralauth/stores/gae"
	gormstore "github.com/panyam/centralauth/stores/gorm"
	redisstore "github.com/panyam/centralauth/stores/redis"
)

// tokenStore is what every backend offers beyond centralauth.TokenStore
type tokenStore interface {
	centralauth.TokenStore
	Clear(ctx context.Context) (int, error)
}

// purger is implemented by the database backends
type purger interface {
	PurgeExpired(ctx context.Context, cutoff time.Time) (int, error)
}

type noopStore struct{ centralauth.NoopTokenStore }

func (noopStore) Clear(context.Context) (int, error) { return 0, nil }

func newLogger(w io.Writer, cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q", cfg.Level)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
}

// openStore builds the configured token store. The returned close func is never nil.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (tokenStore, func() error, error) {
	nop := func() error { return nil }
	sealer, err := stores.ParseSealerKey(cfg.Token.EncryptionKey)
	if err != nil {
		return nil, nop, err
	}

	switch cfg.Token.Store {
	case "none":
		return noopStore{}, nop, nil

	case "", "fs":
		s, err := stores.NewFSTokenStore(cfg.Token.Dir, "centralauth", sealer)
		if err != nil {
			return nil, nop, err
		}
		return s.WithLogger(logger), nop, nil

	case "redis":
		opt, err := goredis.ParseURL(cfg.Token.RedisURL)
		if err != nil {
			return nil, nop, fmt.Errorf("invalid redis url: %w", err)
		}
		client := goredis.NewClient(opt)
		s := redisstore.NewTokenStore(client, cfg.Token.RedisPrefix,
			redisstore.WithSealer(sealer),
			redisstore.WithRetention(cfg.Token.Cooldown),
			redisstore.WithLogger(logger),
		)
		return s, client.Close, nil

	case "gorm", "sqlite":
		db, err := gorm.Open(sqlite.Open(cfg.Token.DatabasePath), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, nop, fmt.Errorf("failed to open database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nop, err
		}
		if err := gormstore.AutoMigrate(db); err != nil {
			sqlDB.Close()
			return nil, nop, fmt.Errorf("failed to migrate database: %w", err)
		}
		return gormstore.NewTokenStore(db, sealer).WithLogger(logger), sqlDB.Close, nil

	case "datastore", "gae":
		if cfg.Token.DatastoreProject == "" {
			return nil, nop, fmt.Errorf("token.datastore_project is required for the datastore store")
		}
		client, err := datastore.NewClient(ctx, cfg.Token.DatastoreProject)
		if err != nil {
			return nil, nop, fmt.Errorf("failed to create datastore client: %w", err)
		}
		s := gaestore.NewTokenStore(client, cfg.Token.DatastoreNamespace, sealer).WithLogger(logger)
		return s, client.Close, nil
	}
	return nil, nop, fmt.Errorf("unknown token store %q", cfg.Token.Store)
}

func newAcquirer(cfg *config.Config, creds centralauth.CredentialSet, logger *slog.Logger) (centralauth.Acquirer, error) {
	if cfg.Static() {
		return grants.NewStatic(cfg.Central.AccessToken, grants.WithLogger(logger)), nil
	}
	encoding := grants.EncodingForm
	if cfg.Central.Encoding == "json" {
		encoding = grants.EncodingJSON
	}
	return grants.New(creds, grants.WithEncoding(encoding), grants.WithLogger(logger))
}

// stack is one credential set's manager and client
type stack struct {
	manager *centralauth.TokenManager
	client  *centralauth.AuthClient
}

type builder struct {
	cfg     *config.Config
	store   centralauth.TokenStore
	logger  *slog.Logger
	metrics *instrumentation.Metrics

	// cooldown is shared by every manager the builder makes
	cooldown *centralauth.Cooldown
}

func newBuilder(cfg *config.Config, store centralauth.TokenStore, logger *slog.Logger) (*builder, error) {
	metrics, err := instrumentation.New(instrumentation.Config{})
	if err != nil {
		return nil, err
	}
	return &builder{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		metrics:  metrics,
		cooldown: centralauth.NewCooldown(cfg.Token.Cooldown),
	}, nil
}

func (b *builder) build(ctx context.Context, creds centralauth.CredentialSet) (*stack, error) {
	acquirer, err := newAcquirer(b.cfg, creds, b.logger)
	if err != nil {
		return nil, err
	}
	store := b.store
	if b.cfg.Static() {
		// A fixed token has nothing worth persisting
		store = centralauth.NoopTokenStore{}
	}
	manager := centralauth.NewTokenManager(ctx, creds, acquirer, store,
		centralauth.WithRefreshBuffer(b.cfg.Token.RefreshBuffer),
		centralauth.WithCooldown(b.cooldown),
		centralauth.WithRefreshTimeout(b.cfg.Token.RefreshTimeout),
		centralauth.WithLogger(b.logger),
		centralauth.WithMetrics(b.metrics),
	)
	baseURL := creds.BaseURL
	if baseURL == "" {
		baseURL = b.cfg.Central.BaseURL
	}
	client := centralauth.NewAuthClient(baseURL, manager,
		centralauth.WithBackoff(b.cfg.Backoff()),
		centralauth.WithServerRetries(b.cfg.Retry.ServerRetries),
		centralauth.WithRequestTimeout(b.cfg.Retry.RequestTimeout),
		centralauth.WithThrottle(centralauth.NewThrottle(b.cfg.Retry.RateLimit, b.cfg.Retry.Burst)),
		centralauth.WithClientLogger(b.logger),
		centralauth.WithClientMetrics(b.metrics),
	)
	return &stack{manager: manager, client: client}, nil
}

// factory adapts build for the session registry
func (b *builder) factory(ctx context.Context, creds centralauth.CredentialSet) (*centralauth.TokenManager, *centralauth.AuthClient, error) {
	s, err := b.build(ctx, creds)
	if err != nil {
		return nil, nil, err
	}
	return s.manager, s.client, nil
}
