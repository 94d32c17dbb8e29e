package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP resolves the originating client IP for rate limiting and audit
// logs. With trustProxy false the connection's RemoteAddr is used unchanged;
// with it true, X-Forwarded-For is consulted first (counting
// trustedProxyCount hops from the right), then X-Real-IP. Only enable
// trustProxy behind a reverse proxy you control, since the headers are
// client-supplied otherwise.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientIPFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := validIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return hostOnly(r.RemoteAddr)
}

// clientIPFromForwardedFor picks the client entry out of an X-Forwarded-For
// list. The list reads "client, proxy1, proxy2, ..." with our own proxies
// appended rightmost, so the client sits trustedProxyCount+1 places from the
// right; entries further left were written by parties we do not trust.
func clientIPFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	hops := strings.Split(xff, ",")
	if trustedProxyCount == 0 {
		trustedProxyCount = 1
	}
	idx := len(hops) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}
	return validIP(strings.TrimSpace(hops[idx]))
}

// validIP returns s if it parses as an IP address, else "".
func validIP(s string) string {
	if s != "" && net.ParseIP(s) != nil {
		return s
	}
	return ""
}

// hostOnly strips the port from a RemoteAddr-style host:port string.
func hostOnly(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
