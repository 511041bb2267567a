// Package testutil provides shared test fixtures: a controllable clock, real
// encryption keys, PKCE pairs, quiet loggers and a seeded in-memory tenant.
package testutil
