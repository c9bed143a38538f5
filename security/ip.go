package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP returns the caller's address. Forwarding headers are only
// consulted when trustProxy is set; trustedProxyCount is the number of proxies
// we operate, counted from the right of X-Forwarded-For (0 means 1).
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := forwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// forwardedFor picks the client entry from "client, proxyN, ..., proxy1".
func forwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}
	hops := strings.Split(xff, ",")
	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}
	idx := max(len(hops)-trustedProxyCount-1, 0)
	ip := strings.TrimSpace(hops[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
