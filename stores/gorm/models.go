//go:build !wasm
// +build !wasm

package gorm

import (
	"time"
)

// TokenModel is the GORM model for persisted token records.
// Record holds the encoded (and possibly sealed) record; the timestamps are
// duplicated in plain columns so expired rows can be purged with a query.
type TokenModel struct {
	CredentialKey string    `gorm:"primaryKey;size:64"`
	Record        []byte    `gorm:"not null"`
	CachedAt      time.Time `gorm:"index"`
	ExpiresAt     time.Time `gorm:"index"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

func (TokenModel) TableName() string {
	return "central_tokens"
}
