package server

import (
	"strings"
	"testing"
)

func TestComputeS256Challenge(t *testing.T) {
	// RFC 7636 Appendix B
	got := ComputeS256Challenge("dBjftJeZ4CVP-mJ92K9mWJvOgMp0QrY9tb_7jHtt0wWcRvcXdKmrVWxN")
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	if got != want {
		t.Errorf("ComputeS256Challenge() = %q, want %q", got, want)
	}
}

func TestVerifyPKCE(t *testing.T) {
	challenge := ComputeS256Challenge(testVerifier)

	tests := []struct {
		name      string
		verifier  string
		challenge string
		method    string
		want      bool
	}{
		{name: "S256 match", verifier: testVerifier, challenge: challenge, method: PKCEMethodS256, want: true},
		{name: "S256 mismatch", verifier: testVerifier + "x", challenge: challenge, method: PKCEMethodS256, want: false},
		{name: "S256 verifier equal to challenge", verifier: challenge, challenge: challenge, method: PKCEMethodS256, want: false},
		{name: "plain match", verifier: "abc", challenge: "abc", method: PKCEMethodPlain, want: true},
		{name: "plain mismatch", verifier: "abc", challenge: "abd", method: PKCEMethodPlain, want: false},
		{name: "empty method is plain", verifier: "abc", challenge: "abc", method: "", want: true},
		{name: "empty method does not hash", verifier: testVerifier, challenge: challenge, method: "", want: false},
		{name: "unknown method", verifier: "abc", challenge: "abc", method: "S512", want: false},
		{name: "method is case sensitive", verifier: testVerifier, challenge: challenge, method: "s256", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyPKCE(tt.verifier, tt.challenge, tt.method); got != tt.want {
				t.Errorf("VerifyPKCE() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalizeChallengeMethod(t *testing.T) {
	tests := []struct {
		name       string
		config     *Config
		challenge  string
		method     string
		wantMethod string
		wantErr    bool
	}{
		{name: "no PKCE", wantMethod: ""},
		{name: "S256", challenge: "c", method: "S256", wantMethod: PKCEMethodS256},
		{name: "plain", challenge: "c", method: "plain", wantMethod: PKCEMethodPlain},
		{name: "default plain", challenge: "c", wantMethod: PKCEMethodPlain},
		{name: "unknown", challenge: "c", method: "S1", wantErr: true},
		{name: "method only", method: "S256", wantErr: true},
		{name: "required", config: &Config{RequirePKCE: true}, wantErr: true},
		{name: "plain disallowed", config: &Config{DisallowPKCEPlain: true}, challenge: "c", method: "plain", wantErr: true},
		{name: "S256 with plain disallowed", config: &Config{DisallowPKCEPlain: true}, challenge: "c", method: "S256", wantMethod: PKCEMethodS256},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := tt.config
			if config == nil {
				config = &Config{}
			}
			srv := &Server{Config: config}

			got, err := srv.normalizeChallengeMethod(tt.challenge, tt.method)
			if (err != nil) != tt.wantErr {
				t.Fatalf("normalizeChallengeMethod() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.wantMethod {
				t.Errorf("normalizeChallengeMethod() = %q, want %q", got, tt.wantMethod)
			}
		})
	}
}

func TestSupportedChallengeMethods(t *testing.T) {
	srv := &Server{Config: &Config{}}
	if got := strings.Join(srv.SupportedChallengeMethods(), ","); got != "S256,plain" {
		t.Errorf("SupportedChallengeMethods() = %q, want S256 first", got)
	}

	srv.Config.DisallowPKCEPlain = true
	if got := strings.Join(srv.SupportedChallengeMethods(), ","); got != "S256" {
		t.Errorf("SupportedChallengeMethods() = %q, want S256 only", got)
	}
}

func TestValidateRedirectURI(t *testing.T) {
	tests := []struct {
		name        string
		config      *Config
		uri         string
		wantErr     bool
		errContains string
	}{
		{name: "https", uri: "https://app.example.com/cb"},
		{name: "https with query", uri: "https://app.example.com/cb?a=b"},
		{name: "http loopback", uri: "http://127.0.0.1:8765/cb"},
		{name: "http localhost", uri: "http://localhost:3000/cb"},
		{name: "http ipv6 loopback", uri: "http://[::1]:3000/cb"},
		{name: "native app scheme", uri: "com.example.app:/oauth"},
		{name: "cursor scheme", uri: "cursor://anysphere.cursor-retrieval/oauth/callback"},
		{name: "empty", uri: "", wantErr: true, errContains: "required"},
		{name: "relative", uri: "/callback", wantErr: true, errContains: "absolute"},
		{name: "fragment", uri: "https://app.example.com/cb#x", wantErr: true, errContains: "fragment"},
		{name: "http remote", uri: "http://app.example.com/cb", wantErr: true, errContains: "HTTPS"},
		{name: "http remote allowed", config: &Config{AllowInsecureRedirects: true}, uri: "http://app.example.com/cb"},
		{name: "https without host", uri: "https:///cb", wantErr: true, errContains: "host"},
		{name: "javascript", uri: "javascript:alert(1)", wantErr: true, errContains: "not allowed"},
		{name: "data", uri: "data:text/html,hi", wantErr: true, errContains: "not allowed"},
		{name: "file", uri: "file:///etc/passwd", wantErr: true, errContains: "not allowed"},
		{name: "vbscript", uri: "vbscript:msgbox", wantErr: true, errContains: "not allowed"},
		{name: "uppercase javascript", uri: "JavaScript:alert(1)", wantErr: true, errContains: "not allowed"},
		{
			name:        "custom scheme outside allowlist",
			config:      &Config{AllowedCustomSchemes: []string{"^com\\.example\\."}},
			uri:         "myapp://cb",
			wantErr:     true,
			errContains: "allowed patterns",
		},
		{
			name:   "custom scheme in allowlist",
			config: &Config{AllowedCustomSchemes: []string{"^com\\.example\\."}},
			uri:    "com.example.app:/cb",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := tt.config
			if config == nil {
				config = &Config{}
			}
			srv := &Server{Config: config}

			err := srv.validateRedirectURI(tt.uri)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validateRedirectURI(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			}
			if err != nil && tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.errContains)
			}
		})
	}
}
