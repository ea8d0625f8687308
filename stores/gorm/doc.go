//go:build !wasm
// +build !wasm

// Package gorm provides a GORM-based centralauth.TokenStore.
// It supports any database that GORM supports (PostgreSQL, MySQL, SQLite, etc.)
// and suits deployments where several processes already share a relational database.
//
// # Database Schema
//
// The package auto-migrates one table:
//   - central_tokens: the latest token record per credential key
//
// # Usage
//
//	db, _ := gorm.Open(postgres.Open(dsn), &gorm.Config{})
//	_ = gormstore.AutoMigrate(db)
//	store := gormstore.NewTokenStore(db, nil)
//	manager := centralauth.NewTokenManager(ctx, creds, acquirer, store)
package gorm
