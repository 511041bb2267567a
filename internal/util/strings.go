// Package util provides small helpers shared across mcp-auth packages.
package util

import (
	"fmt"
	"net/url"
	"strings"
)

// SafeTruncate truncates s to at most maxLen bytes without panicking.
// Used to log a recognisable prefix of codes and tokens instead of the whole value.
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
//	SafeTruncate("short", 10)                  // "short"
//	SafeTruncate("test", -1)                   // ""
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes so equivalent URLs compare equal.
func NormalizeURL(u string) string {
	return strings.TrimRight(u, "/")
}

// Origin returns scheme://host[:port] of rawURL.
func Origin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("URL must be absolute: %q", rawURL)
	}
	return u.Scheme + "://" + u.Host, nil
}
