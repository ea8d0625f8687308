//go:build !wasm
// +build !wasm

package gorm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/panyam/centralauth"
	"github.com/panyam/centralauth/stores"
)

// AutoMigrate runs database migrations for the token table
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&TokenModel{})
}

// TokenStore implements centralauth.TokenStore using GORM
type TokenStore struct {
	db     *gorm.DB
	sealer *stores.Sealer
	logger *slog.Logger
}

// NewTokenStore creates a store on db. A non-nil sealer encrypts records at rest.
func NewTokenStore(db *gorm.DB, sealer *stores.Sealer) *TokenStore {
	return &TokenStore{db: db, sealer: sealer, logger: slog.Default()}
}

// WithLogger sets the logger used to report unreadable rows
func (s *TokenStore) WithLogger(logger *slog.Logger) *TokenStore {
	if logger != nil {
		s.logger = logger
	}
	return s
}

func (s *TokenStore) Load(ctx context.Context, key string) *centralauth.TokenRecord {
	var model TokenModel
	if err := s.db.WithContext(ctx).First(&model, "credential_key = ?", key).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warn("Failed to read token record", "key", key, "error", err)
		}
		return nil
	}
	rec, err := stores.DecodeRecord(s.sealer, key, model.Record)
	if err != nil {
		s.logger.Warn("Ignoring unusable token record", "key", key, "error", err)
		return nil
	}
	return rec
}

// Save upserts the record inside a transaction so concurrent writers never
// leave a half-updated row.
func (s *TokenStore) Save(ctx context.Context, key string, rec *centralauth.TokenRecord) error {
	data, err := stores.EncodeRecord(s.sealer, key, rec)
	if err != nil {
		return err
	}
	model := &TokenModel{
		CredentialKey: key,
		Record:        data,
		CachedAt:      rec.CachedAt,
		ExpiresAt:     rec.ExpiresAt,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "credential_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"record", "cached_at", "expires_at", "updated_at"}),
		}).Create(model).Error
	})
	if err != nil {
		return fmt.Errorf("failed to save token record: %w", err)
	}
	return nil
}

func (s *TokenStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Delete(&TokenModel{}, "credential_key = ?", key).Error
}

// Clear removes every token record
func (s *TokenStore) Clear(ctx context.Context) (int, error) {
	res := s.db.WithContext(ctx).Where("1 = 1").Delete(&TokenModel{})
	return int(res.RowsAffected), res.Error
}

// PurgeExpired removes records whose token expired before cutoff
func (s *TokenStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", cutoff).Delete(&TokenModel{})
	return int(res.RowsAffected), res.Error
}
