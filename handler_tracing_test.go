package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/agentc2/mcp-auth/instrumentation"
)

func setupTracedHandler(t *testing.T, logClientIPs bool) (*Handler, *tracetest.SpanRecorder) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:        true,
		LogClientIPs:   logClientIPs,
		SpanProcessors: []sdktrace.SpanProcessor{recorder},
	})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })

	base, _, _ := setupTestHandler(t, nil, nil)
	base.server.SetInstrumentation(inst)
	return NewHandler(base.server, nil, discardLogger), recorder
}

func findSpan(t *testing.T, recorder *tracetest.SpanRecorder, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, span := range recorder.Ended() {
		if span.Name() == name {
			return span
		}
	}
	t.Fatalf("no ended span named %q", name)
	return nil
}

func attrValue(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestHandler_TokenSpanAttributes(t *testing.T) {
	tests := []struct {
		name         string
		logClientIPs bool
	}{
		{name: "client ip opted in", logClientIPs: true},
		{name: "client ip withheld", logClientIPs: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, recorder := setupTracedHandler(t, tt.logClientIPs)

			w := postForm(h, url.Values{
				"grant_type":    {"refresh_token"},
				"client_id":     {testOrgSlug},
				"client_secret": {testAPIKey},
			}, func(r *http.Request) {
				r.RemoteAddr = "198.51.100.7:4711"
			})
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
			}

			span := findSpan(t, recorder, "oauth.http.token")
			if v, ok := attrValue(span, instrumentation.AttrHTTPStatusCode); !ok || v.AsInt64() != http.StatusOK {
				t.Errorf("status attribute = %v", v)
			}
			if v, ok := attrValue(span, instrumentation.AttrHTTPEndpoint); !ok || v.AsString() != "token" {
				t.Errorf("endpoint attribute = %v", v)
			}

			ip, ok := attrValue(span, instrumentation.AttrClientIP)
			if tt.logClientIPs && (!ok || ip.AsString() != "198.51.100.7") {
				t.Errorf("client ip attribute = %v, %v", ip, ok)
			}
			if !tt.logClientIPs && ok {
				t.Errorf("client ip attribute should be withheld, got %v", ip)
			}
		})
	}
}

func TestHandler_AuthorizationSpanRecordsRejection(t *testing.T) {
	h, recorder := setupTracedHandler(t, true)

	params := pkceAuthorizeParams()
	params.Set("client_id", "unknown-org")
	w := httptest.NewRecorder()
	h.ServeAuthorization(w, httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil))
	if location := w.Header().Get("Location"); strings.Contains(location, "code=") {
		t.Fatalf("unknown client was issued a code: %s", location)
	}

	span := findSpan(t, recorder, "oauth.http.authorization")
	if v, ok := attrValue(span, instrumentation.AttrHTTPStatusCode); !ok || v.AsInt64() != int64(w.Code) {
		t.Errorf("status attribute = %v, want %d", v, w.Code)
	}
	if _, ok := attrValue(span, instrumentation.AttrClientIP); !ok {
		t.Error("client ip attribute missing")
	}
}
