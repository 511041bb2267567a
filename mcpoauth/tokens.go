package mcpoauth

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// RefreshBuffer is how long before expiry a token is proactively refreshed
const RefreshBuffer = 5 * time.Minute

var (
	// ErrNoRefreshToken is returned when a refresh is needed but the provider never issued a refresh token
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrInvalidMetadata is returned when authorization server metadata lacks a required endpoint
	ErrInvalidMetadata = errors.New("authorization server metadata is incomplete")
)

// Tokens are the credentials obtained from a third-party authorization server
type Tokens struct {
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	TokenType    string     `json:"tokenType"`
	Scope        string     `json:"scope,omitempty"`
}

// TokenNeedsRefresh reports whether tokens are within RefreshBuffer of expiry.
// Tokens without an expiry never need a refresh.
func TokenNeedsRefresh(tokens *Tokens) bool {
	return tokenNeedsRefreshAt(tokens, time.Now())
}

// TokenIsExpired reports whether tokens are past their hard expiry.
// Tokens without an expiry never expire.
func TokenIsExpired(tokens *Tokens) bool {
	return tokenIsExpiredAt(tokens, time.Now())
}

func tokenNeedsRefreshAt(tokens *Tokens, now time.Time) bool {
	if tokens == nil || tokens.ExpiresAt == nil {
		return false
	}
	return !now.Add(RefreshBuffer).Before(*tokens.ExpiresAt)
}

func tokenIsExpiredAt(tokens *Tokens, now time.Time) bool {
	if tokens == nil || tokens.ExpiresAt == nil {
		return false
	}
	return !now.Before(*tokens.ExpiresAt)
}

// tokensFromOAuth2 normalizes an x/oauth2 token. The library already turned
// the relative expires_in into an absolute Expiry.
func tokensFromOAuth2(tok *oauth2.Token) *Tokens {
	tokens := &Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
	}
	if !tok.Expiry.IsZero() {
		expiresAt := tok.Expiry
		tokens.ExpiresAt = &expiresAt
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		tokens.Scope = scope
	}
	return tokens
}

// UpstreamError is a non-2xx response from a third-party token endpoint.
// Status and body are kept so callers can surface the provider's reason.
type UpstreamError struct {
	Operation  string
	StatusCode int
	Body       string
	ErrorCode  string
	Err        error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s failed: upstream status %d: %s", e.Operation, e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// upstreamError converts an x/oauth2 error into an *UpstreamError when the
// provider answered, or wraps a transport failure.
func upstreamError(operation string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return &UpstreamError{
			Operation:  operation,
			StatusCode: status,
			Body:       string(re.Body),
			ErrorCode:  re.ErrorCode,
			Err:        err,
		}
	}
	return fmt.Errorf("%s failed: %w", operation, err)
}

// statusOf returns the upstream status carried by err, or 0
func statusOf(err error) int {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.StatusCode
	}
	return 0
}
