package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the caller's IP for rate limiting and audit logs.
// Forwarding headers are consulted only when trustProxy is set, because an
// untrusted X-Forwarded-For lets a caller spoof its identity and evade
// per-IP limits. trustedProxyCount is how many trailing hops in the
// X-Forwarded-For chain belong to infrastructure we control.
func ClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := ipFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" && net.ParseIP(ip) != nil {
			return ip
		}
	}
	return ipFromRemoteAddr(r.RemoteAddr)
}

// ipFromForwardedFor picks the client entry out of an X-Forwarded-For
// chain. The chain reads "client, hop1, hop2, ..."; the last
// trustedProxyCount entries were appended by our own proxies, so the
// client is the entry just before them.
func ipFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	idx := len(ips) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(ips[idx])
	if net.ParseIP(ip) != nil {
		return ip
	}
	return ""
}

func ipFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		// RemoteAddr without a port, e.g. in tests.
		return remoteAddr
	}
	return host
}
