package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// SafeTruncate truncates s to at most maxLen bytes without panicking.
// A negative maxLen yields an empty string. Used when logging handle prefixes.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL removes trailing slashes so that audience and resource
// identifiers compare equal with and without them.
func NormalizeURL(u string) string {
	return strings.TrimRight(u, "/")
}

// GenerateHandle returns a 256-bit random, URL-safe opaque identifier.
func GenerateHandle() string {
	// GenerateVerifier produces 32 random bytes in base64url without padding.
	return oauth2.GenerateVerifier()
}

// HashHandle returns the hex SHA-256 of an opaque handle. Persistent stores key
// entries by this value so that a leaked store does not leak usable handles.
func HashHandle(handle string) string {
	sum := sha256.Sum256([]byte(handle))
	return hex.EncodeToString(sum[:])
}

// IsAbsoluteURI reports whether s is an absolute URI without a fragment.
func IsAbsoluteURI(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.IsAbs() && u.Fragment == "" && !strings.Contains(s, "#")
}

// IsLoopbackHost reports whether host names the local machine.
func IsLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}
