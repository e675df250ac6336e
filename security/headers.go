package security

import (
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HeaderPolicy sets the hardening headers of provider responses.
type HeaderPolicy struct {
	// HSTS adds Strict-Transport-Security. Only meaningful on an https issuer.
	HSTS bool
}

// NewHeaderPolicy returns the policy for an issuer URL.
func NewHeaderPolicy(issuer string) HeaderPolicy {
	u, err := url.Parse(issuer)
	return HeaderPolicy{HSTS: err == nil && u.Scheme == "https"}
}

// Apply sets the hardening headers and forbids caching. Every response that
// carries a code, a token or client information uses it (RFC 6749 section 5.1).
func (p HeaderPolicy) Apply(h http.Header) {
	p.setCommon(h)
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}

// ApplyCacheable sets the hardening headers for a public document such as
// discovery or the JWKS that clients may cache for maxAge.
func (p HeaderPolicy) ApplyCacheable(h http.Header, maxAge time.Duration) {
	p.setCommon(h)
	h.Set("Cache-Control", "public, max-age="+strconv.Itoa(int(maxAge.Seconds())))
	h.Del("Pragma")
}

func (p HeaderPolicy) setCommon(h http.Header) {
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")
	if p.HSTS {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}
