//go:build !wasm
// +build !wasm

package gae

import (
	"time"

	"cloud.google.com/go/datastore"
)

// TokenEntity is the Datastore entity for persisted token records.
// Key name: the credential key
type TokenEntity struct {
	Key       *datastore.Key `datastore:"__key__"`
	Record    []byte         `datastore:"record,noindex"` // encoded, possibly sealed
	CachedAt  time.Time      `datastore:"cached_at"`
	ExpiresAt time.Time      `datastore:"expires_at"`
	UpdatedAt time.Time      `datastore:"updated_at"`
}
