package util

import (
	"net"
	"net/url"
	"strings"
)

// IsLoopbackHostname reports whether hostname (as returned by url.URL.Hostname)
// is "localhost" or a loopback IP. 0.0.0.0 is not loopback.
func IsLoopbackHostname(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	hostname = strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// IsInsecureRemoteURL reports whether raw is a plain http URL pointing at a
// host other than loopback. Unparseable input counts as insecure.
func IsInsecureRemoteURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return true
	}
	return u.Scheme == "http" && !IsLoopbackHostname(u.Hostname())
}
