// Package server implements the core of the mcp-auth authorization server.
//
// It issues one-time authorization codes bound to a tenant client, redirect URI
// and PKCE challenge, and exchanges them for access tokens after verifying the
// binding, the PKCE verifier and (when presented) the client secret.
//
// The Server type coordinates:
//   - Authorization code storage (storage.CodeStore, memory or valkey)
//   - Tenant and credential lookup (storage.TenantStore, storage.CredentialStore)
//   - Opaque token storage in opaque token mode (storage.TokenStore)
//   - Security auditing and instrumentation (security, instrumentation packages)
//
// Protocol failures are returned as *OAuthError; anything else is an
// infrastructure failure and maps to server_error.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	config := &server.Config{
//	    Issuer:            "https://auth.example.com",
//	    DisallowPKCEPlain: true,
//	}
//
//	srv, err := server.New(store, store, store, store, config, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
