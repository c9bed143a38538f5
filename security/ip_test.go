package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name              string
		remoteAddr        string
		xForwardedFor     string
		xRealIP           string
		trustProxy        bool
		trustedProxyCount int
		want              string
	}{
		{name: "direct connection", remoteAddr: "192.168.1.100:12345", want: "192.168.1.100"},
		{name: "forwarded with trust", remoteAddr: "10.0.0.1:1", xForwardedFor: "203.0.113.1, 10.0.0.2", trustProxy: true, want: "203.0.113.1"},
		{name: "forwarded without trust", remoteAddr: "10.0.0.1:1", xForwardedFor: "203.0.113.1", want: "10.0.0.1"},
		{name: "X-Real-IP with trust", remoteAddr: "10.0.0.1:1", xRealIP: "203.0.113.1", trustProxy: true, want: "203.0.113.1"},
		{name: "multiple proxies", remoteAddr: "10.0.0.1:1", xForwardedFor: "203.0.113.1, 10.0.0.2, 10.0.0.3", trustProxy: true, trustedProxyCount: 2, want: "203.0.113.1"},
		{name: "spoofed leftmost entry ignored", remoteAddr: "10.0.0.1:1", xForwardedFor: "6.6.6.6, 203.0.113.1, 10.0.0.2", trustProxy: true, want: "203.0.113.1"},
		{name: "invalid forwarded falls back", remoteAddr: "10.0.0.1:1", xForwardedFor: "not-an-ip", trustProxy: true, want: "10.0.0.1"},
		{name: "remote addr without port", remoteAddr: "10.0.0.1", want: "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if tt.xRealIP != "" {
				req.Header.Set("X-Real-IP", tt.xRealIP)
			}

			if got := GetClientIP(req, tt.trustProxy, tt.trustedProxyCount); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
