package registry

import (
	"slices"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-provider/claims"
)

// AccessTokenType selects how access tokens are represented.
type AccessTokenType string

const (
	// AccessTokenJWT issues self-contained signed access tokens
	AccessTokenJWT AccessTokenType = "jwt"
	// AccessTokenReference issues opaque handles resolved through the reference token store
	AccessTokenReference AccessTokenType = "reference"
)

// RefreshTokenUsage selects refresh token rotation behavior.
type RefreshTokenUsage string

const (
	// RefreshTokenOneTimeOnly rotates the refresh token on every use
	RefreshTokenOneTimeOnly RefreshTokenUsage = "one_time"
	// RefreshTokenReUse keeps the same refresh token handle
	RefreshTokenReUse RefreshTokenUsage = "reuse"
)

// RefreshTokenFormat selects how refresh tokens are represented on the wire.
type RefreshTokenFormat string

const (
	// RefreshTokenOpaque returns the bare storage handle
	RefreshTokenOpaque RefreshTokenFormat = "opaque"
	// RefreshTokenJWT returns a signed token whose jti is the storage handle
	RefreshTokenJWT RefreshTokenFormat = "jwt"
)

// Default lifetimes applied to clients that leave them unset.
const (
	DefaultAccessTokenLifetime          = time.Hour
	DefaultIdentityTokenLifetime        = 5 * time.Minute
	DefaultAuthorizationCodeLifetime    = 5 * time.Minute
	DefaultAbsoluteRefreshTokenLifetime = 30 * 24 * time.Hour
	DefaultDeviceCodeLifetime           = 5 * time.Minute
	DefaultPollingInterval              = 5 * time.Second
	DefaultClientClaimsPrefix           = "client_"
)

// Secret is a hashed shared secret.
type Secret struct {
	// Hash is a bcrypt hash of the secret value
	Hash        string    `yaml:"hash"`
	Description string    `yaml:"description,omitempty"`
	Expiration  time.Time `yaml:"expiration,omitempty"`
}

// Matches reports whether plain matches this secret and the secret has not expired.
func (s Secret) Matches(plain string, now time.Time) bool {
	if !s.Expiration.IsZero() && now.After(s.Expiration) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(s.Hash), []byte(plain)) == nil
}

// HashSecret returns a bcrypt hash suitable for Secret.Hash.
func HashSecret(plain string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Client is a registered application. Values returned from a Snapshot are shared
// and must be treated as read-only.
type Client struct {
	ClientID string `yaml:"client_id"`
	Name     string `yaml:"name,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty"`

	// Public clients do not authenticate at the token endpoint and always require PKCE.
	Public  bool     `yaml:"public,omitempty"`
	Secrets []Secret `yaml:"secrets,omitempty"`
	// JWKS is a JSON Web Key Set used to verify private_key_jwt client assertions.
	JWKS string `yaml:"jwks,omitempty"`

	AllowedGrantTypes      []string `yaml:"allowed_grant_types"`
	AllowedScopes          []string `yaml:"allowed_scopes"`
	RedirectURIs           []string `yaml:"redirect_uris,omitempty"`
	PostLogoutRedirectURIs []string `yaml:"post_logout_redirect_uris,omitempty"`

	RequirePKCE        bool `yaml:"require_pkce,omitempty"`
	AllowPlainTextPKCE bool `yaml:"allow_plain_text_pkce,omitempty"`
	AllowOfflineAccess bool `yaml:"allow_offline_access,omitempty"`

	AccessTokenType    AccessTokenType    `yaml:"access_token_type,omitempty"`
	RefreshTokenUsage  RefreshTokenUsage  `yaml:"refresh_token_usage,omitempty"`
	RefreshTokenFormat RefreshTokenFormat `yaml:"refresh_token_format,omitempty"`

	AccessTokenLifetime          time.Duration `yaml:"access_token_lifetime,omitempty"`
	IdentityTokenLifetime        time.Duration `yaml:"identity_token_lifetime,omitempty"`
	AuthorizationCodeLifetime    time.Duration `yaml:"authorization_code_lifetime,omitempty"`
	AbsoluteRefreshTokenLifetime time.Duration `yaml:"absolute_refresh_token_lifetime,omitempty"`
	DeviceCodeLifetime           time.Duration `yaml:"device_code_lifetime,omitempty"`
	PollingInterval              time.Duration `yaml:"polling_interval,omitempty"`

	EmitScopesAsSpaceDelimitedString bool `yaml:"emit_scopes_as_space_delimited_string,omitempty"`

	// Claims are added to access tokens issued to this client, prefixed with ClientClaimsPrefix.
	Claims             []claims.Claim `yaml:"claims,omitempty"`
	ClientClaimsPrefix string         `yaml:"client_claims_prefix,omitempty"`

	keySet *jose.JSONWebKeySet
}

// AllowsGrantType reports whether the client may use grantType.
func (c *Client) AllowsGrantType(grantType string) bool {
	return slices.Contains(c.AllowedGrantTypes, grantType)
}

// AllowsScope reports whether scope is in the client's allowed set.
func (c *Client) AllowsScope(scope string) bool {
	return slices.Contains(c.AllowedScopes, scope)
}

// IsRedirectURIAllowed performs an exact match against the registered redirect URIs.
func (c *Client) IsRedirectURIAllowed(uri string) bool {
	return uri != "" && slices.Contains(c.RedirectURIs, uri)
}

// IsPostLogoutRedirectURIAllowed performs an exact match against the registered
// post-logout redirect URIs.
func (c *Client) IsPostLogoutRedirectURIAllowed(uri string) bool {
	return uri != "" && slices.Contains(c.PostLogoutRedirectURIs, uri)
}

// RequiresPKCE reports whether authorization requests must carry a code challenge.
func (c *Client) RequiresPKCE() bool {
	return c.RequirePKCE || c.Public
}

// VerificationKeys returns the client's parsed JSON Web Key Set, or nil.
func (c *Client) VerificationKeys() *jose.JSONWebKeySet {
	return c.keySet
}

// RotatesRefreshTokens reports whether refresh tokens are single use.
func (c *Client) RotatesRefreshTokens() bool {
	return c.RefreshTokenUsage != RefreshTokenReUse
}

// ClaimsForAccessToken returns the client claims with the configured prefix applied.
func (c *Client) ClaimsForAccessToken() []claims.Claim {
	out := make([]claims.Claim, 0, len(c.Claims))
	for _, cl := range c.Claims {
		cl.Type = c.ClientClaimsPrefix + cl.Type
		out = append(out, cl)
	}
	return out
}

func (c *Client) applyDefaults() {
	if c.AccessTokenLifetime <= 0 {
		c.AccessTokenLifetime = DefaultAccessTokenLifetime
	}
	if c.IdentityTokenLifetime <= 0 {
		c.IdentityTokenLifetime = DefaultIdentityTokenLifetime
	}
	if c.AuthorizationCodeLifetime <= 0 {
		c.AuthorizationCodeLifetime = DefaultAuthorizationCodeLifetime
	}
	if c.AbsoluteRefreshTokenLifetime <= 0 {
		c.AbsoluteRefreshTokenLifetime = DefaultAbsoluteRefreshTokenLifetime
	}
	if c.DeviceCodeLifetime <= 0 {
		c.DeviceCodeLifetime = DefaultDeviceCodeLifetime
	}
	if c.PollingInterval <= 0 {
		c.PollingInterval = DefaultPollingInterval
	}
	if c.AccessTokenType == "" {
		c.AccessTokenType = AccessTokenJWT
	}
	if c.RefreshTokenUsage == "" {
		c.RefreshTokenUsage = RefreshTokenOneTimeOnly
	}
	if c.RefreshTokenFormat == "" {
		c.RefreshTokenFormat = RefreshTokenOpaque
	}
	if c.ClientClaimsPrefix == "" {
		c.ClientClaimsPrefix = DefaultClientClaimsPrefix
	}
}
