package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/agentc2/mcp-auth/internal/helpers"
)

// PKCE constants (RFC 7636)
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

var (
	// DangerousSchemes lists URI schemes that must never be allowed for security
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

	// DefaultRFC3986SchemePattern is the default regex pattern for custom URI schemes (RFC 3986)
	DefaultRFC3986SchemePattern = []string{"^[a-z][a-z0-9+.-]*$"}
)

// ComputeS256Challenge returns BASE64URL(SHA256(verifier)) without padding.
func ComputeS256Challenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// VerifyPKCE reports whether verifier satisfies challenge under method.
// An empty method means plain (RFC 7636 §4.3). Unknown methods never verify.
// Comparison is constant time.
func VerifyPKCE(verifier, challenge, method string) bool {
	var computed string
	switch method {
	case PKCEMethodS256:
		computed = ComputeS256Challenge(verifier)
	case PKCEMethodPlain, "":
		computed = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// normalizeChallengeMethod validates code_challenge_method and applies the
// RFC 7636 default. Returns "" when no challenge was sent.
func (s *Server) normalizeChallengeMethod(challenge, method string) (string, error) {
	if challenge == "" {
		if method != "" {
			return "", fmt.Errorf("code_challenge_method without code_challenge")
		}
		if s.Config.RequirePKCE {
			return "", fmt.Errorf("code_challenge is required")
		}
		return "", nil
	}

	switch method {
	case PKCEMethodS256:
		return PKCEMethodS256, nil
	case PKCEMethodPlain, "":
		if s.Config.DisallowPKCEPlain {
			return "", fmt.Errorf("'%s' code_challenge_method is not allowed", PKCEMethodPlain)
		}
		return PKCEMethodPlain, nil
	default:
		supported := PKCEMethodS256
		if !s.Config.DisallowPKCEPlain {
			supported += ", " + PKCEMethodPlain
		}
		return "", fmt.Errorf("unsupported code_challenge_method: %s (supported: %s)", method, supported)
	}
}

// SupportedChallengeMethods lists the PKCE methods to advertise, S256 first
func (s *Server) SupportedChallengeMethods() []string {
	if s.Config.DisallowPKCEPlain {
		return []string{PKCEMethodS256}
	}
	return []string{PKCEMethodS256, PKCEMethodPlain}
}

// validateRedirectURI checks a redirect_uri before anything is redirected to it.
// Errors here must be reported to the user agent directly, never via redirect.
func (s *Server) validateRedirectURI(redirectURI string) error {
	if redirectURI == "" {
		return fmt.Errorf("redirect_uri is required")
	}

	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}

	// OAuth 2.0 Security BCP Section 4.1.3: redirect_uri MUST NOT contain fragments
	if parsed.Fragment != "" || strings.Contains(redirectURI, "#") {
		return fmt.Errorf("redirect_uri must not contain fragments")
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme == "" {
		return fmt.Errorf("redirect_uri must be an absolute URI")
	}

	switch scheme {
	case SchemeHTTPS:
		if parsed.Host == "" {
			return fmt.Errorf("redirect_uri must include a host")
		}
	case SchemeHTTP:
		if parsed.Host == "" {
			return fmt.Errorf("redirect_uri must include a host")
		}
		if !helpers.IsLoopbackHostname(strings.ToLower(parsed.Hostname())) && !s.Config.AllowInsecureRedirects {
			return fmt.Errorf("redirect_uri must use HTTPS unless it targets a loopback address")
		}
	default:
		if err := validateCustomScheme(scheme, s.Config.AllowedCustomSchemes); err != nil {
			return err
		}
	}

	return nil
}

// validateCustomScheme validates a custom URI scheme against allowed patterns
func validateCustomScheme(scheme string, allowedSchemes []string) error {
	for _, dangerous := range DangerousSchemes {
		if scheme == dangerous {
			return fmt.Errorf("redirect_uri scheme '%s' is not allowed for security reasons", scheme)
		}
	}

	if len(allowedSchemes) == 0 {
		allowedSchemes = DefaultRFC3986SchemePattern
	}

	for _, pattern := range allowedSchemes {
		matched, err := regexp.MatchString(pattern, scheme)
		if err != nil {
			return fmt.Errorf("invalid scheme pattern '%s': %w", pattern, err)
		}
		if matched {
			return nil
		}
	}

	return fmt.Errorf("redirect_uri scheme '%s' does not match allowed patterns", scheme)
}
