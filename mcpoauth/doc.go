// Package mcpoauth is the client side of OAuth 2.1 against third-party MCP
// servers: this platform connecting to a hosted MCP tool server on behalf of
// a user.
//
// The Client discovers RFC 8414 metadata, exchanges authorization codes and
// refreshes tokens through golang.org/x/oauth2. Every call is bounded by a
// timeout and none is retried. Discovery returns nil instead of an error so
// callers can treat a provider as not OAuth capable.
//
// Flow wires the Client into two browser routes:
//
//	GET /api/integrations/mcp-oauth/start?provider=<key>
//	GET /api/integrations/mcp-oauth/callback?code=&state=
//
// The start route seals the PKCE verifier and tenant context into a state
// cookie (package oauthstate) and the discovered token endpoint into a sibling
// metadata cookie. The callback validates both, exchanges the code and saves
// the tokens as a storage.Connection.
//
// Token expiry follows two checks: TokenNeedsRefresh triggers a proactive
// refresh five minutes before expiry and TokenIsExpired is the hard deadline.
// Tokens without an expiry are never refreshed.
package mcpoauth
