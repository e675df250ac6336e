package security

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ProxyTrust describes the reverse proxies in front of the provider.
type ProxyTrust struct {
	// Enabled honors X-Forwarded-For and X-Real-IP. Leave it off unless every
	// request passes through a proxy that overwrites or appends these headers.
	Enabled bool

	// Hops is the number of trusted proxies appending to X-Forwarded-For.
	// Zero means one.
	Hops int
}

// ClientIP returns the address rate limits and audit events are keyed on.
//
// With proxy trust the client is the X-Forwarded-For entry appended by the
// outermost trusted proxy, i.e. Hops entries from the right. Entries further
// left are supplied by the client and never used.
func ClientIP(r *http.Request, trust ProxyTrust) string {
	if trust.Enabled {
		if ip, ok := forwardedFor(r.Header.Values("X-Forwarded-For"), trust.Hops); ok {
			return ip
		}
		if ip, ok := parseIP(r.Header.Get("X-Real-IP")); ok {
			return ip
		}
	}
	return remoteIP(r.RemoteAddr)
}

func forwardedFor(headers []string, hops int) (string, bool) {
	var entries []string
	for _, h := range headers {
		for _, e := range strings.Split(h, ",") {
			if e = strings.TrimSpace(e); e != "" {
				entries = append(entries, e)
			}
		}
	}
	if len(entries) == 0 {
		return "", false
	}
	if hops <= 0 {
		hops = 1
	}
	i := len(entries) - hops
	if i < 0 {
		i = 0
	}
	return parseIP(entries[i])
}

func parseIP(s string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}

func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if ip, ok := parseIP(host); ok {
		return ip
	}
	return host
}
