package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the client IP address from the request.
//
// SECURITY: X-Forwarded-For and X-Real-IP are only honoured when trustProxy is set,
// i.e. when the server runs behind a reverse proxy that overwrites them.
// trustedProxyCount is the number of proxies on the right of X-Forwarded-For
// that belong to us (0 is treated as 1).
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientIPFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientIPFromXFF picks the entry left of the trusted proxies.
//
//	Client (1.2.3.4) -> Untrusted -> Trusted2 -> Trusted1 (us)
//	X-Forwarded-For: "1.2.3.4, untrusted-ip, trusted2-ip", trustedProxyCount=2
//	result: "1.2.3.4"
func clientIPFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}

	idx := len(ips) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(ips[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
