//go:build !wasm
// +build !wasm

package gae

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/datastore"
	"google.golang.org/api/iterator"

	"github.com/panyam/centralauth"
	"github.com/panyam/centralauth/stores"
)

// KindToken is the Datastore kind for token records
const KindToken = "CentralToken"

// TokenStore implements centralauth.TokenStore using Google Cloud Datastore.
// A single Put replaces the whole entity, so readers never see a partial record.
type TokenStore struct {
	client    *datastore.Client
	namespace string
	sealer    *stores.Sealer
	logger    *slog.Logger
}

// NewTokenStore creates a new Datastore-backed TokenStore
func NewTokenStore(client *datastore.Client, namespace string, sealer *stores.Sealer) *TokenStore {
	return &TokenStore{
		client:    client,
		namespace: namespace,
		sealer:    sealer,
		logger:    slog.Default(),
	}
}

// WithLogger sets the logger used to report unreadable entities
func (s *TokenStore) WithLogger(logger *slog.Logger) *TokenStore {
	if logger != nil {
		s.logger = logger
	}
	return s
}

func (s *TokenStore) namespacedKey(name string) *datastore.Key {
	key := datastore.NameKey(KindToken, name, nil)
	key.Namespace = s.namespace
	return key
}

func (s *TokenStore) query() *datastore.Query {
	query := datastore.NewQuery(KindToken)
	if s.namespace != "" {
		query = query.Namespace(s.namespace)
	}
	return query
}

func (s *TokenStore) Load(ctx context.Context, key string) *centralauth.TokenRecord {
	var entity TokenEntity
	if err := s.client.Get(ctx, s.namespacedKey(key), &entity); err != nil {
		if !errors.Is(err, datastore.ErrNoSuchEntity) {
			s.logger.Warn("Failed to read token record", "key", key, "error", err)
		}
		return nil
	}
	rec, err := entity.toRecord(s.sealer, key)
	if err != nil {
		s.logger.Warn("Ignoring unusable token record", "key", key, "error", err)
		return nil
	}
	return rec
}

func (s *TokenStore) Save(ctx context.Context, key string, rec *centralauth.TokenRecord) error {
	entity, err := recordToEntity(s.sealer, s.namespacedKey(key), rec, time.Now())
	if err != nil {
		return err
	}
	if _, err := s.client.Put(ctx, entity.Key, entity); err != nil {
		return fmt.Errorf("failed to save token record: %w", err)
	}
	return nil
}

func (s *TokenStore) Delete(ctx context.Context, key string) error {
	err := s.client.Delete(ctx, s.namespacedKey(key))
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return nil
	}
	return err
}

// Clear removes every token record in the namespace
func (s *TokenStore) Clear(ctx context.Context) (int, error) {
	keys, err := s.client.GetAll(ctx, s.query().KeysOnly(), nil)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := s.client.DeleteMulti(ctx, keys); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// PurgeExpired removes records whose token expired before cutoff
func (s *TokenStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	query := s.query().FilterField("expires_at", "<", cutoff).KeysOnly()

	var keys []*datastore.Key
	it := s.client.Run(ctx, query)
	for {
		key, err := it.Next(nil)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, err
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := s.client.DeleteMulti(ctx, keys); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func recordToEntity(sealer *stores.Sealer, key *datastore.Key, rec *centralauth.TokenRecord, now time.Time) (*TokenEntity, error) {
	data, err := stores.EncodeRecord(sealer, key.Name, rec)
	if err != nil {
		return nil, err
	}
	return &TokenEntity{
		Key:       key,
		Record:    data,
		CachedAt:  rec.CachedAt,
		ExpiresAt: rec.ExpiresAt,
		UpdatedAt: now,
	}, nil
}

func (e *TokenEntity) toRecord(sealer *stores.Sealer, key string) (*centralauth.TokenRecord, error) {
	return stores.DecodeRecord(sealer, key, e.Record)
}
