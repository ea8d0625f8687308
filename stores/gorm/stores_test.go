//go:build !wasm
// +build !wasm

package gorm

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/panyam/centralauth"
	"github.com/panyam/centralauth/stores"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func testRecord(access string, cached time.Time) *centralauth.TokenRecord {
	return &centralauth.TokenRecord{
		AccessToken: access,
		TokenType:   "Bearer",
		CachedAt:    cached,
		ExpiresAt:   cached.Add(2 * time.Hour),
	}
}

func TestTokenStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	store := NewTokenStore(setupTestDB(t), nil)
	cached := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	if store.Load(ctx, "k") != nil {
		t.Fatal("Load() on empty table should be nil")
	}
	if err := store.Save(ctx, "k", testRecord("first", cached)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Save(ctx, "k", testRecord("second", cached.Add(time.Hour))); err != nil {
		t.Fatalf("Save() upsert error = %v", err)
	}

	got := store.Load(ctx, "k")
	if got == nil || got.AccessToken != "second" {
		t.Fatalf("Load() = %+v, want second", got)
	}
	if !got.CachedAt.Equal(cached.Add(time.Hour)) {
		t.Errorf("CachedAt = %v", got.CachedAt)
	}

	var count int64
	store.db.Model(&TokenModel{}).Count(&count)
	if count != 1 {
		t.Errorf("row count = %d, want 1", count)
	}
}

func TestTokenStore_CorruptRow(t *testing.T) {
	ctx := context.Background()
	store := NewTokenStore(setupTestDB(t), nil)

	store.db.Create(&TokenModel{CredentialKey: "k", Record: []byte("{oops")})
	if got := store.Load(ctx, "k"); got != nil {
		t.Errorf("Load() = %+v, want nil", got)
	}
}

func TestTokenStore_Sealed(t *testing.T) {
	ctx := context.Background()
	key, _ := stores.GenerateSealerKey()
	sealer, err := stores.ParseSealerKey(key)
	if err != nil {
		t.Fatal(err)
	}
	store := NewTokenStore(setupTestDB(t), sealer)

	if err := store.Save(ctx, "k", testRecord("secret-token", time.Now())); err != nil {
		t.Fatal(err)
	}
	var model TokenModel
	store.db.First(&model, "credential_key = ?", "k")
	if string(model.Record) == "" || bytes.Contains(model.Record, []byte("secret-token")) {
		t.Error("row must not hold the token in the clear")
	}
	if got := store.Load(ctx, "k"); got == nil || got.AccessToken != "secret-token" {
		t.Errorf("Load() = %+v", got)
	}
}

func TestTokenStore_DeletePurgeClear(t *testing.T) {
	ctx := context.Background()
	store := NewTokenStore(setupTestDB(t), nil)
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	_ = store.Save(ctx, "old", testRecord("old", base))
	_ = store.Save(ctx, "new", testRecord("new", base.Add(5*time.Hour)))
	_ = store.Save(ctx, "gone", testRecord("gone", base))

	if err := store.Delete(ctx, "gone"); err != nil {
		t.Fatal(err)
	}
	if store.Load(ctx, "gone") != nil {
		t.Error("deleted record still loads")
	}

	n, err := store.PurgeExpired(ctx, base.Add(3*time.Hour))
	if err != nil || n != 1 {
		t.Errorf("PurgeExpired() = %d, %v; want 1", n, err)
	}
	if store.Load(ctx, "new") == nil {
		t.Error("unexpired record was purged")
	}

	n, err = store.Clear(ctx)
	if err != nil || n != 1 {
		t.Errorf("Clear() = %d, %v; want 1", n, err)
	}
}
