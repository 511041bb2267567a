// Package valkey provides a Valkey storage backend for mcp-auth.
//
// Valkey is a key-value store that is wire-compatible with Redis. This package
// holds the short-lived, security-critical records that must be shared between
// instances of a horizontally scaled deployment.
//
// # Implemented Interfaces
//
//   - [storage.CodeStore]: authorization codes with atomic consume
//   - [storage.TokenStore]: opaque access tokens (opaque token mode only)
//   - [storage.StateStore]: consumed outbound OAuth state nonces
//
// Tenants, credentials and integration connections are durable and live in
// storage/sqlite.
//
// # Key Schema
//
// All keys use a configurable prefix (default "mcp:"):
//
//	{prefix}code:{code}          -> JSON(AuthorizationCode), TTL = expiry + retention
//	{prefix}token:{token}        -> JSON(AccessToken), TTL = expiry
//	{prefix}state:used:{nonce}   -> "1", TTL = state expiry
//
// # Atomic Operations
//
//   - ConsumeAuthorizationCode uses GETDEL, so concurrent redemptions of one
//     code on any number of instances yield exactly one success.
//   - MarkStateUsed uses SET NX, so a replayed callback loses to the first.
//
// # Configuration
//
// Basic usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "mcp:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	})
package valkey
