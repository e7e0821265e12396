package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the real client IP from the request. When trustProxy
// is set, X-Forwarded-For and X-Real-IP are consulted; otherwise RemoteAddr
// is authoritative.
//
// Only enable trustProxy behind a reverse proxy you control.
// trustedProxyCount is the number of proxies counted from the right of
// X-Forwarded-For that are yours; everything left of them is
// client-controlled and spoofable.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientIPFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := validIPOrEmpty(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return ipFromRemoteAddr(r.RemoteAddr)
}

// clientIPFromXFF picks the client IP out of an X-Forwarded-For chain.
// The header reads "client, proxy1, proxy2, ..." with our own proxies at the
// right end; the client is the entry just left of the trusted tail.
func clientIPFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	if len(ips) == 0 {
		return ""
	}

	// Zero configured proxies still means at least one hop appended the
	// header, so treat it as one
	proxyCount := trustedProxyCount
	if proxyCount == 0 {
		proxyCount = 1
	}

	idx := len(ips) - proxyCount - 1
	if idx < 0 {
		idx = 0
	}

	return validIPOrEmpty(strings.TrimSpace(ips[idx]))
}

func validIPOrEmpty(s string) string {
	if s == "" || net.ParseIP(s) == nil {
		return ""
	}
	return s
}

// ipFromRemoteAddr strips the port from a direct connection's RemoteAddr.
func ipFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
