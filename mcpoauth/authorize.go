package mcpoauth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// AuthorizationParams describes an authorization request to a third-party server
type AuthorizationParams struct {
	ClientID    string
	RedirectURI string
	Scopes      []string

	// State is used verbatim when set; otherwise a random nonce is generated
	State string

	// CodeVerifier is used verbatim when set; otherwise one is generated
	CodeVerifier string

	// ExtraParams are provider-specific query parameters
	ExtraParams map[string]string
}

// AuthorizationRequest is a built authorization URL plus the values the
// caller must keep until the callback.
type AuthorizationRequest struct {
	URL          string
	State        string
	CodeVerifier string
}

// BuildAuthorizationURL builds the S256 PKCE authorization URL for meta's
// authorization endpoint, generating the verifier and state unless given.
func BuildAuthorizationURL(meta *AuthServerMetadata, params AuthorizationParams) (*AuthorizationRequest, error) {
	if meta == nil || meta.AuthorizationEndpoint == "" {
		return nil, ErrInvalidMetadata
	}
	if params.ClientID == "" {
		return nil, fmt.Errorf("client_id is required")
	}
	if _, err := url.Parse(meta.AuthorizationEndpoint); err != nil {
		return nil, fmt.Errorf("invalid authorization endpoint: %w", err)
	}

	state := params.State
	if state == "" {
		var err error
		state, err = generateState()
		if err != nil {
			return nil, err
		}
	}

	verifier := params.CodeVerifier
	if verifier == "" {
		verifier = oauth2.GenerateVerifier()
	}

	cfg := &oauth2.Config{
		ClientID:    params.ClientID,
		RedirectURL: params.RedirectURI,
		Scopes:      params.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   meta.AuthorizationEndpoint,
			TokenURL:  meta.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	for k, v := range params.ExtraParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	return &AuthorizationRequest{
		URL:          cfg.AuthCodeURL(state, opts...),
		State:        state,
		CodeVerifier: verifier,
	}, nil
}

// ParseScopes splits a space or comma separated scope list
func ParseScopes(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ','
	})
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
