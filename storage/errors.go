package storage

import "errors"

var (
	// ErrAuthorizationCodeNotFound is returned when a code was never issued or was already consumed.
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")

	// ErrOrganizationNotFound is returned when a client_id does not resolve to a tenant.
	ErrOrganizationNotFound = errors.New("organization not found")

	// ErrCredentialNotFound is returned when a tenant has no active credential for a tool.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrTokenNotFound is returned when an opaque access token is unknown or revoked.
	ErrTokenNotFound = errors.New("access token not found")

	// ErrTokenExpired is returned when a stored access token is past its expiry.
	ErrTokenExpired = errors.New("access token expired")

	// ErrStateAlreadyUsed is returned by StateStore when a state nonce was already consumed.
	ErrStateAlreadyUsed = errors.New("state already used")

	// ErrConnectionNotFound is returned when no integration connection exists for a provider.
	ErrConnectionNotFound = errors.New("connection not found")
)
