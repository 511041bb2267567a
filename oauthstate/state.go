// Package oauthstate binds the CSRF state of an outbound OAuth flow to its
// PKCE verifier and tenant context in a sealed, short-lived cookie.
//
// Cookie values are AES-256-GCM sealed with the purpose as associated data,
// so they are confidential and tamper-evident, and a value sealed for one
// purpose cannot be replayed as another. When a storage.StateStore is
// configured, every successfully validated nonce is also recorded until its
// expiry and a second validation is rejected even if the cookie survived.
package oauthstate

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentc2/mcp-auth/instrumentation"
	"github.com/agentc2/mcp-auth/internal/util"
	"github.com/agentc2/mcp-auth/security"
	"github.com/agentc2/mcp-auth/storage"
)

const (
	// DefaultTTL is how long a state cookie stays valid
	DefaultTTL = 10 * time.Minute

	// DefaultCookieName is the name of the state cookie
	DefaultCookieName = "oauth_state"

	// DefaultCookiePath scopes cookies to the integration routes
	DefaultCookiePath = "/api/integrations"

	// nonceBytes is the entropy of the state nonce (256 bits)
	nonceBytes = 32

	statePurpose = "oauthstate.state"
)

var (
	// ErrStateCookieMissing is returned when the callback carries no state cookie
	ErrStateCookieMissing = errors.New("state cookie missing")

	// ErrStateMismatch is returned when the state query parameter differs from the cookie
	ErrStateMismatch = errors.New("state parameter does not match state cookie")

	// ErrStateExpired is returned when the state cookie is past its expiry
	ErrStateExpired = errors.New("state cookie expired")

	// ErrStateCookieInvalid is returned when the cookie was modified or cannot be decrypted
	ErrStateCookieInvalid = errors.New("state cookie invalid")

	// ErrStateReplayed is returned when a state nonce was already validated once
	ErrStateReplayed = errors.New("state already used")
)

// Payload is the content of a state cookie
type Payload struct {
	OrganizationID string    `json:"organizationId"`
	UserID         string    `json:"userId"`
	ProviderKey    string    `json:"providerKey"`
	CodeVerifier   string    `json:"codeVerifier"`
	State          string    `json:"state"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Config configures a Manager
type Config struct {
	// Encryptor seals cookie values (required, must be enabled)
	Encryptor *security.Encryptor

	// TTL is the state lifetime
	// Default: 10 minutes
	TTL time.Duration

	// CookieName is the name of the state cookie
	// Default: "oauth_state"
	CookieName string

	// CookiePath is the Path attribute of every cookie set by the manager
	// Default: "/api/integrations"
	CookiePath string

	// Secure sets the Secure attribute on cookies. Disable only for local http development.
	Secure bool

	// Store records consumed nonces. Optional; nil relies on the cookie being cleared.
	Store storage.StateStore

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// Manager creates and validates sealed state cookies
type Manager struct {
	encryptor  *security.Encryptor
	ttl        time.Duration
	cookieName string
	cookiePath string
	secure     bool
	store      storage.StateStore
	logger     *slog.Logger

	auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation
	now             func() time.Time
}

// New creates a Manager
func New(cfg Config) (*Manager, error) {
	if !cfg.Encryptor.IsEnabled() {
		return nil, fmt.Errorf("an enabled encryptor is required to seal state cookies")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = DefaultCookiePath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if !cfg.Secure {
		cfg.Logger.Warn("⚠️  SECURITY WARNING: OAuth state cookies are sent without the Secure attribute",
			"risk", "State and PKCE verifier exposed over plain http",
			"recommendation", "Enable Secure cookies outside local development")
	}

	return &Manager{
		encryptor:  cfg.Encryptor,
		ttl:        cfg.TTL,
		cookieName: cfg.CookieName,
		cookiePath: cfg.CookiePath,
		secure:     cfg.Secure,
		store:      cfg.Store,
		logger:     cfg.Logger,
		now:        time.Now,
	}, nil
}

// SetAuditor sets the security auditor used for rejected callbacks
func (m *Manager) SetAuditor(aud *security.Auditor) {
	m.auditor = aud
}

// SetInstrumentation enables validation metrics
func (m *Manager) SetInstrumentation(inst *instrumentation.Instrumentation) {
	m.instrumentation = inst
}

// TTL returns the state lifetime
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// CreateState generates a fresh state nonce and seals it together with the
// verifier and tenant context. The state goes into the authorization URL,
// the cookie value into the state cookie.
func (m *Manager) CreateState(ctx context.Context, organizationID, userID, providerKey, codeVerifier string) (state, cookieValue string, err error) {
	state, err = generateNonce()
	if err != nil {
		return "", "", err
	}

	payload := Payload{
		OrganizationID: organizationID,
		UserID:         userID,
		ProviderKey:    providerKey,
		CodeVerifier:   codeVerifier,
		State:          state,
		ExpiresAt:      m.now().Add(m.ttl),
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode state: %w", err)
	}

	cookieValue, err = m.encryptor.SealString(statePurpose, plaintext)
	if err != nil {
		return "", "", fmt.Errorf("failed to seal state: %w", err)
	}

	m.logger.Debug("Created OAuth state",
		"provider_key", providerKey,
		"state_prefix", util.SafeTruncate(state, 8))

	return state, cookieValue, nil
}

// ValidateState checks a callback's state parameter against the state cookie
// and returns the sealed payload. Errors are one of the package sentinels, or
// a wrapped store error.
func (m *Manager) ValidateState(ctx context.Context, cookieValue, stateParam string) (*Payload, error) {
	payload, err := m.validateState(ctx, cookieValue, stateParam)
	if err != nil {
		m.recordValidation(ctx, resultFor(err))
		if !errors.Is(err, ErrStateCookieMissing) {
			m.logger.Warn("OAuth state rejected", "error", err)
		}
		return nil, err
	}

	m.recordValidation(ctx, "ok")
	return payload, nil
}

func (m *Manager) validateState(ctx context.Context, cookieValue, stateParam string) (*Payload, error) {
	if cookieValue == "" {
		return nil, ErrStateCookieMissing
	}

	plaintext, err := m.encryptor.OpenString(statePurpose, cookieValue)
	if err != nil {
		return nil, ErrStateCookieInvalid
	}

	var payload Payload
	if err := json.Unmarshal(plaintext, &payload); err != nil || payload.State == "" {
		return nil, ErrStateCookieInvalid
	}

	if stateParam == "" || subtle.ConstantTimeCompare([]byte(payload.State), []byte(stateParam)) != 1 {
		return nil, ErrStateMismatch
	}

	if !m.now().Before(payload.ExpiresAt) {
		return nil, ErrStateExpired
	}

	if m.store != nil {
		if err := m.store.MarkStateUsed(ctx, payload.State, payload.ExpiresAt); err != nil {
			if errors.Is(err, storage.ErrStateAlreadyUsed) {
				return nil, ErrStateReplayed
			}
			return nil, fmt.Errorf("failed to record state: %w", err)
		}
	}

	return &payload, nil
}

// sealedEnvelope wraps values sealed with Seal
type sealedEnvelope struct {
	ExpiresAt time.Time       `json:"exp"`
	Data      json.RawMessage `json:"data"`
}

// Seal encodes v as JSON and seals it for purpose with the given lifetime.
// A ttl of zero uses the manager's TTL.
func (m *Manager) Seal(purpose string, v any, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}

	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode value: %w", err)
	}

	plaintext, err := json.Marshal(sealedEnvelope{ExpiresAt: m.now().Add(ttl), Data: data})
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope: %w", err)
	}

	return m.encryptor.SealString(purpose, plaintext)
}

// Open reverses Seal into v. Returns ErrStateCookieMissing for an empty value,
// ErrStateCookieInvalid for a tampered value or one sealed for another purpose,
// and ErrStateExpired once the lifetime has passed.
func (m *Manager) Open(purpose, value string, v any) error {
	if value == "" {
		return ErrStateCookieMissing
	}

	plaintext, err := m.encryptor.OpenString(purpose, value)
	if err != nil {
		return ErrStateCookieInvalid
	}

	var envelope sealedEnvelope
	if err := json.Unmarshal(plaintext, &envelope); err != nil {
		return ErrStateCookieInvalid
	}
	if !m.now().Before(envelope.ExpiresAt) {
		return ErrStateExpired
	}
	if err := json.Unmarshal(envelope.Data, v); err != nil {
		return ErrStateCookieInvalid
	}
	return nil
}

func (m *Manager) recordValidation(ctx context.Context, result string) {
	if m.instrumentation != nil {
		m.instrumentation.Metrics().RecordStateValidation(ctx, result)
	}
}

// resultFor maps a validation error to its metric label
func resultFor(err error) string {
	switch {
	case errors.Is(err, ErrStateCookieMissing):
		return "missing"
	case errors.Is(err, ErrStateMismatch):
		return "mismatch"
	case errors.Is(err, ErrStateExpired):
		return "expired"
	case errors.Is(err, ErrStateCookieInvalid):
		return "invalid"
	case errors.Is(err, ErrStateReplayed):
		return "replayed"
	default:
		return "error"
	}
}

func generateNonce() (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
