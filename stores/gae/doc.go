//go:build !wasm
// +build !wasm

// Package gae provides a Google Cloud Datastore centralauth.TokenStore.
// It is designed for deployment on Google Cloud Platform and supports multi-tenancy
// through Datastore namespaces.
//
// # Datastore Kinds
//
// The package uses one Datastore kind:
//   - CentralToken: the latest token record per credential key, keyed by the credential key
//
// # Namespacing
//
// Pass a namespace when creating the store to isolate tenants that happen to
// share client credentials:
//
//	store := gae.NewTokenStore(client, "tenant-123", nil)
//
// # Usage
//
//	client, _ := datastore.NewClient(ctx, projectID)
//	store := gae.NewTokenStore(client, "", nil) // default namespace
//	manager := centralauth.NewTokenManager(ctx, creds, acquirer, store)
package gae
