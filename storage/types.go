package storage

import (
	"slices"
	"time"

	"github.com/giantswarm/oidc-provider/claims"
)

// SubjectContext captures what the login step established about the resource
// owner. It travels with codes and refresh tokens so that later token requests
// can rebuild identity claims.
type SubjectContext struct {
	Subject   string         `json:"sub"`
	SessionID string         `json:"sid,omitempty"`
	AuthTime  time.Time      `json:"auth_time,omitzero"`
	Claims    []claims.Claim `json:"claims,omitempty"`
}

func (s SubjectContext) clone() SubjectContext {
	s.Claims = slices.Clone(s.Claims)
	return s
}

// AuthorizationCode is a single-use code issued at the authorization endpoint.
type AuthorizationCode struct {
	Code                string         `json:"code"`
	ClientID            string         `json:"client_id"`
	Subject             SubjectContext `json:"subject"`
	RedirectURI         string         `json:"redirect_uri"`
	Scopes              []string       `json:"scopes"`
	Resources           []string       `json:"resources,omitempty"`
	Nonce               string         `json:"nonce,omitempty"`
	CodeChallenge       string         `json:"code_challenge,omitempty"`
	CodeChallengeMethod string         `json:"code_challenge_method,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	ExpiresAt           time.Time      `json:"expires_at"`
	ConsumedAt          time.Time      `json:"consumed_at,omitzero"`
}

// Consumed reports whether the code has been redeemed.
func (c *AuthorizationCode) Consumed() bool { return !c.ConsumedAt.IsZero() }

// IsExpired reports whether the code is past its expiry at now.
func (c *AuthorizationCode) IsExpired(now time.Time) bool { return !now.Before(c.ExpiresAt) }

// Clone returns a deep copy.
func (c *AuthorizationCode) Clone() *AuthorizationCode {
	cp := *c
	cp.Subject = c.Subject.clone()
	cp.Scopes = slices.Clone(c.Scopes)
	cp.Resources = slices.Clone(c.Resources)
	return &cp
}

// DeviceCodeStatus is the state of a device authorization.
type DeviceCodeStatus string

// Device code states. Expiry is derived from ExpiresAt rather than stored.
const (
	DeviceCodePending    DeviceCodeStatus = "pending"
	DeviceCodeAuthorized DeviceCodeStatus = "authorized"
	DeviceCodeDenied     DeviceCodeStatus = "denied"
)

// DeviceCode is an RFC 8628 device authorization.
type DeviceCode struct {
	DeviceCode   string           `json:"device_code"`
	UserCode     string           `json:"user_code"`
	ClientID     string           `json:"client_id"`
	Status       DeviceCodeStatus `json:"status"`
	Subject      SubjectContext   `json:"subject,omitzero"`
	Scopes       []string         `json:"scopes"`
	Resources    []string         `json:"resources,omitempty"`
	Interval     time.Duration    `json:"interval"`
	CreatedAt    time.Time        `json:"created_at"`
	ExpiresAt    time.Time        `json:"expires_at"`
	LastPolledAt time.Time        `json:"last_polled_at,omitzero"`
	ConsumedAt   time.Time        `json:"consumed_at,omitzero"`
}

// Consumed reports whether tokens were already issued for this device code.
func (d *DeviceCode) Consumed() bool { return !d.ConsumedAt.IsZero() }

// IsExpired reports whether the device code is past its expiry at now.
func (d *DeviceCode) IsExpired(now time.Time) bool { return !now.Before(d.ExpiresAt) }

// Clone returns a deep copy.
func (d *DeviceCode) Clone() *DeviceCode {
	cp := *d
	cp.Subject = d.Subject.clone()
	cp.Scopes = slices.Clone(d.Scopes)
	cp.Resources = slices.Clone(d.Resources)
	return &cp
}

// DeviceDecision is the resource owner's answer to a device authorization.
type DeviceDecision struct {
	Status  DeviceCodeStatus
	Subject SubjectContext
	// Scopes narrows the granted scopes; empty keeps the requested ones.
	Scopes []string
}

// RefreshToken is a stored refresh grant. Tokens rotated from the same original
// grant share a LineageID; Generation counts rotations.
type RefreshToken struct {
	Handle     string         `json:"handle"`
	LineageID  string         `json:"lineage_id"`
	Generation int            `json:"generation"`
	ClientID   string         `json:"client_id"`
	Subject    SubjectContext `json:"subject"`
	Scopes     []string       `json:"scopes"`
	Resources  []string       `json:"resources,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	ConsumedAt time.Time      `json:"consumed_at,omitzero"`
}

// Consumed reports whether the token was rotated away.
func (r *RefreshToken) Consumed() bool { return !r.ConsumedAt.IsZero() }

// IsExpired reports whether the token is past its expiry at now.
func (r *RefreshToken) IsExpired(now time.Time) bool { return !now.Before(r.ExpiresAt) }

// Clone returns a deep copy.
func (r *RefreshToken) Clone() *RefreshToken {
	cp := *r
	cp.Subject = r.Subject.clone()
	cp.Scopes = slices.Clone(r.Scopes)
	cp.Resources = slices.Clone(r.Resources)
	return &cp
}

// ReferenceToken is an access token persisted server-side and handed out as an
// opaque handle.
type ReferenceToken struct {
	Handle    string         `json:"handle"`
	ClientID  string         `json:"client_id"`
	Subject   string         `json:"sub,omitempty"`
	Issuer    string         `json:"iss"`
	Audiences []string       `json:"aud,omitempty"`
	Scopes    []string       `json:"scopes"`
	Claims    []claims.Claim `json:"claims"`
	// ScopesAsSpaceDelimitedString records the client's scope emission preference.
	ScopesAsSpaceDelimitedString bool      `json:"scopes_as_string,omitempty"`
	LineageID                    string    `json:"lineage_id,omitempty"`
	CreatedAt                    time.Time `json:"created_at"`
	ExpiresAt                    time.Time `json:"expires_at"`
}

// Clone returns a deep copy.
func (r *ReferenceToken) Clone() *ReferenceToken {
	cp := *r
	cp.Audiences = slices.Clone(r.Audiences)
	cp.Scopes = slices.Clone(r.Scopes)
	cp.Claims = slices.Clone(r.Claims)
	return &cp
}
