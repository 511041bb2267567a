// Package security provides the security primitives of the authorization server:
// AES-256-GCM encryption and sealing, per-client rate limiting, security audit
// logging, response security headers, client IP extraction and request IDs.
//
// # Rate Limiting
//
// RateLimiter keeps one token bucket (golang.org/x/time/rate) per identifier,
// usually the client IP. Identifiers are kept in LRU order and capped at
// DefaultRateLimiterMaxEntries so that spraying requests from many addresses
// cannot grow memory without bound. Idle identifiers are dropped every five
// minutes.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    // respond 429
//	}
//
// # Sealing
//
// Encryptor.SealString binds a value to a purpose string via GCM associated data.
// The outbound OAuth state cookie and the MCP flow metadata cookie use different
// purposes, so one can never be replayed as the other.
package security
