package validation

import (
	"crypto/subtle"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-provider/protocol"
)

// PKCE limits (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
)

// IsWellFormedPKCEValue reports whether v is 43-128 characters from the
// unreserved alphabet [A-Za-z0-9-._~]. Code challenges follow the same rule.
func IsWellFormedPKCEValue(v string) bool {
	if len(v) < MinCodeVerifierLength || len(v) > MaxCodeVerifierLength {
		return false
	}
	for i := 0; i < len(v); i++ {
		ch := v[i]
		valid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !valid {
			return false
		}
	}
	return true
}

// VerifyCodeChallenge checks verifier against a challenge stored at
// authorization time. An empty method means plain (RFC 7636 section 4.3).
func VerifyCodeChallenge(challenge, method, verifier string) bool {
	if !IsWellFormedPKCEValue(verifier) {
		return false
	}

	var computed string
	switch method {
	case protocol.PKCEMethodS256:
		computed = oauth2.S256ChallengeFromVerifier(verifier)
	case protocol.PKCEMethodPlain, "":
		computed = verifier
	default:
		return false
	}

	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
