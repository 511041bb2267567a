// Package util provides small helpers shared across mcp-auth packages.
//
// Key utilities:
//   - SafeTruncate: truncates codes and tokens for logging
//   - Origin: reduces a URL to scheme://host for well-known lookups
package util
