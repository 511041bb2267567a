// Package memory provides an in-memory implementation of the mcp-auth storage interfaces.
//
// This package implements CodeStore, TenantStore, CredentialStore, TokenStore,
// StateStore and ConnectionStore using Go maps with mutex protection. It is
// suitable for development, testing, and single-instance deployments where
// persistence is not required.
//
// Features:
//   - Atomic consume of authorization codes under a single write lock
//   - Expired codes retained for a configurable window, then cleaned up
//   - Background cleanup of expired codes, opaque tokens and used state nonces
//   - Connection token encryption via security.Encryptor
//
// Authorization codes held here cannot be redeemed on another instance. For
// multi-instance deployments use the storage/valkey package for codes, tokens
// and state, and storage/sqlite for tenants and connections.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, _ := server.New(store, store, store, store, cfg, logger)
package memory
