// Package tokens mints identity, access and refresh tokens and validates tokens
// presented back to the provider.
//
// Minting is pure: Service builds Token values and serializes them to signed
// JWTs or reference handles without writing to any store. The caller persists
// reference and refresh records so that a failed request can roll back every
// artifact it created.
package tokens

import (
	"slices"
	"strconv"
	"time"

	"github.com/giantswarm/oidc-provider/claims"
	"github.com/giantswarm/oidc-provider/protocol"
)

// Token is an identity or access token before serialization.
type Token struct {
	// Type is protocol.TokenTypeAccess or protocol.TokenTypeIdentity.
	Type      string
	CreatedAt time.Time
	Lifetime  time.Duration
	Issuer    string
	Audiences []string
	ClientID  string
	Subject   string

	// Claims follow the registered claims in the payload, in this order.
	Claims []claims.Claim

	// Reference tokens are stored server-side and handed out as opaque handles.
	Reference                    bool
	ScopesAsSpaceDelimitedString bool

	// LineageID links the token to the refresh lineage it was issued with.
	LineageID string
}

// ExpiresAt returns CreatedAt + Lifetime.
func (t *Token) ExpiresAt() time.Time {
	return t.CreatedAt.Add(t.Lifetime)
}

// Scopes returns the values of the scope claims.
func (t *Token) Scopes() []string {
	return claims.Values(t.Claims, protocol.ClaimScope)
}

// JWTID returns the jti claim.
func (t *Token) JWTID() string {
	jti, _ := claims.First(t.Claims, protocol.ClaimJWTID)
	return jti
}

// AllClaims returns the registered claims (iss, nbf, iat, exp, aud) followed by
// Claims.
func (t *Token) AllClaims() []claims.Claim {
	out := make([]claims.Claim, 0, 4+len(t.Audiences)+len(t.Claims))
	out = append(out,
		claims.New(protocol.ClaimIssuer, t.Issuer),
		unixClaim(protocol.ClaimNotBefore, t.CreatedAt),
		unixClaim(protocol.ClaimIssuedAt, t.CreatedAt),
		unixClaim(protocol.ClaimExpiration, t.ExpiresAt()),
	)
	for _, aud := range t.Audiences {
		out = append(out, claims.New(protocol.ClaimAudience, aud))
	}
	return append(out, t.Claims...)
}

// Payload reduces AllClaims into the JWT payload.
func (t *Token) Payload() (*claims.Payload, error) {
	return claims.BuildPayload(t.AllClaims(), payloadOptions(t.ScopesAsSpaceDelimitedString))
}

func payloadOptions(scopesAsString bool) claims.Options {
	return claims.Options{
		ScopesAsSpaceDelimitedString: scopesAsString,
		ArrayTypes:                   []string{protocol.ClaimAuthMethods},
	}
}

func unixClaim(claimType string, t time.Time) claims.Claim {
	return claims.NewTyped(claimType, strconv.FormatInt(t.Unix(), 10), claims.ValueTypeInteger64)
}

func (t *Token) clone() *Token {
	cp := *t
	cp.Audiences = slices.Clone(t.Audiences)
	cp.Claims = slices.Clone(t.Claims)
	return &cp
}
