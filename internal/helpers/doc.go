// Package helpers provides IP and hostname classification used when validating
// redirect URIs.
//
// Key utilities:
//   - ClassifyIP: classifies IP addresses (public, private, loopback, link-local, unspecified)
//   - IsLoopbackHostname: reports whether a hostname refers to the local machine
package helpers
