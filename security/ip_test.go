package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        []string
		xRealIP    string
		trust      ProxyTrust
		want       string
	}{
		{
			name:       "direct connection",
			remoteAddr: "192.0.2.10:51234",
			want:       "192.0.2.10",
		},
		{
			name:       "forwarded headers ignored without trust",
			remoteAddr: "10.0.0.1:443",
			xff:        []string{"203.0.113.7"},
			xRealIP:    "203.0.113.8",
			want:       "10.0.0.1",
		},
		{
			name:       "single trusted proxy takes the rightmost entry",
			remoteAddr: "10.0.0.1:443",
			xff:        []string{"198.51.100.66, 203.0.113.7"},
			trust:      ProxyTrust{Enabled: true},
			want:       "203.0.113.7",
		},
		{
			name:       "two trusted proxies",
			remoteAddr: "10.0.0.1:443",
			xff:        []string{"198.51.100.66, 203.0.113.7, 10.0.0.2"},
			trust:      ProxyTrust{Enabled: true, Hops: 2},
			want:       "203.0.113.7",
		},
		{
			name:       "repeated headers are one list",
			remoteAddr: "10.0.0.1:443",
			xff:        []string{"198.51.100.66", "203.0.113.7"},
			trust:      ProxyTrust{Enabled: true},
			want:       "203.0.113.7",
		},
		{
			name:       "fewer entries than hops uses the leftmost",
			remoteAddr: "10.0.0.1:443",
			xff:        []string{"203.0.113.7"},
			trust:      ProxyTrust{Enabled: true, Hops: 3},
			want:       "203.0.113.7",
		},
		{
			name:       "malformed entry falls back to X-Real-IP",
			remoteAddr: "10.0.0.1:443",
			xff:        []string{"not-an-ip"},
			xRealIP:    "203.0.113.8",
			trust:      ProxyTrust{Enabled: true},
			want:       "203.0.113.8",
		},
		{
			name:       "malformed headers fall back to the peer",
			remoteAddr: "10.0.0.1:443",
			xff:        []string{"not-an-ip"},
			xRealIP:    "also-not",
			trust:      ProxyTrust{Enabled: true},
			want:       "10.0.0.1",
		},
		{
			name:       "IPv6 peer",
			remoteAddr: "[2001:db8::1]:443",
			want:       "2001:db8::1",
		},
		{
			name:       "IPv4-mapped IPv6 is unmapped",
			remoteAddr: "10.0.0.1:443",
			xff:        []string{"::ffff:203.0.113.7"},
			trust:      ProxyTrust{Enabled: true},
			want:       "203.0.113.7",
		},
		{
			name:       "remote address without port",
			remoteAddr: "192.0.2.10",
			want:       "192.0.2.10",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/token", nil)
			r.RemoteAddr = tt.remoteAddr
			for _, v := range tt.xff {
				r.Header.Add("X-Forwarded-For", v)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}
			assert.Equal(t, tt.want, ClientIP(r, tt.trust))
		})
	}
}
