// Package storage provides the persistence interfaces used by the authorization server
// and the outbound MCP OAuth flow.
//
// The interfaces are:
//   - CodeStore: one-time authorization codes with atomic consume
//   - TenantStore: client_id to organization resolution
//   - CredentialStore: per-tenant client secrets (API keys)
//   - TokenStore: opaque access tokens (only in opaque token mode)
//   - StateStore: mark-and-check for consumed outbound OAuth state nonces
//   - ConnectionStore: tokens obtained from third-party MCP servers
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development, tests and single-instance deployments
//   - storage/valkey: Valkey/Redis-compatible storage for codes, tokens and states shared across instances
//   - storage/sqlite: SQLite storage for organizations, credentials and connections
package storage
