package oauthstate

import (
	"net/http"
)

// SetStateCookie stores a value returned by CreateState
func (m *Manager) SetStateCookie(w http.ResponseWriter, value string) {
	m.SetCookie(w, m.cookieName, value)
}

// ReadStateCookie returns the state cookie value, or "" when absent
func (m *Manager) ReadStateCookie(r *http.Request) string {
	return m.ReadCookie(r, m.cookieName)
}

// ClearStateCookie expires the state cookie
func (m *Manager) ClearStateCookie(w http.ResponseWriter) {
	m.ClearCookie(w, m.cookieName)
}

// SetCookie sets an HttpOnly, SameSite=Lax cookie that lives as long as the state.
// Lax is required: the provider's redirect back is a cross-site top-level navigation.
func (m *Manager) SetCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     m.cookiePath,
		MaxAge:   int(m.ttl.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ReadCookie returns the named cookie value, or "" when absent
func (m *Manager) ReadCookie(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// ClearCookie expires the named cookie
func (m *Manager) ClearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     m.cookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ValidateRequest validates the state of a provider callback: the "state"
// query parameter against the state cookie. Rejections are audited with clientIP.
func (m *Manager) ValidateRequest(r *http.Request, clientIP string) (*Payload, error) {
	payload, err := m.ValidateState(r.Context(), m.ReadStateCookie(r), r.URL.Query().Get("state"))
	if err != nil {
		m.auditor.LogStateRejected(clientIP, resultFor(err))
		return nil, err
	}
	return payload, nil
}
