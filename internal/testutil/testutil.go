package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/giantswarm/oidc-provider/claims"
	"github.com/giantswarm/oidc-provider/keys"
	"github.com/giantswarm/oidc-provider/protocol"
	"github.com/giantswarm/oidc-provider/registry"
)

// Fixture identifiers.
const (
	Issuer         = "https://issuer.example.com"
	ClientSecret   = "client-secret"
	ResourceSecret = "resource-secret"
	RedirectURI    = "https://app.example.com/callback"
	LogoutURI      = "https://app.example.com/signed-out"
	API1           = "https://api1.example.com"
	API2           = "https://api2.example.com"

	// Clients of Definition.
	WebClient     = "web"
	SPAClient     = "spa"
	ServiceClient = "service"
	DeviceClient  = "device"
	NativeClient  = "native"
	JWTClient     = "jwt-client"
)

// Epoch is the starting time of fake clocks.
var Epoch = time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

// NewClock returns a fake clock set to Epoch.
func NewClock() *clocktesting.FakeClock {
	return clocktesting.NewFakeClock(Epoch)
}

var (
	hashOnce     sync.Once
	clientHash   string
	resourceHash string
)

// hashes computes the fixture secret hashes once at minimum cost.
func hashes() (string, string) {
	hashOnce.Do(func() {
		b, err := bcrypt.GenerateFromPassword([]byte(ClientSecret), bcrypt.MinCost)
		if err != nil {
			panic(err)
		}
		clientHash = string(b)
		if b, err = bcrypt.GenerateFromPassword([]byte(ResourceSecret), bcrypt.MinCost); err != nil {
			panic(err)
		}
		resourceHash = string(b)
	})
	return clientHash, resourceHash
}

// Definition returns a registry definition with one client per grant style.
func Definition() registry.Definition {
	client, resource := hashes()
	secrets := []registry.Secret{{Hash: client}}

	return registry.Definition{
		IdentityResources: []registry.IdentityResource{
			{Name: protocol.ScopeOpenID, UserClaims: []string{"sub"}},
			{Name: "profile", UserClaims: []string{"name", "preferred_username"}},
			{Name: "email", UserClaims: []string{"email", "email_verified"}},
		},
		APIScopes: []registry.APIScope{
			{Name: "api1.read", UserClaims: []string{"role"}},
			{Name: "api1.write"},
			{Name: "api2.read"},
		},
		APIResources: []registry.APIResource{
			{
				Name:       API1,
				Scopes:     []string{"api1.read", "api1.write"},
				UserClaims: []string{"department"},
				Secrets:    []registry.Secret{{Hash: resource}},
			},
			{Name: API2, Scopes: []string{"api2.read"}},
		},
		Clients: []registry.Client{
			{
				ClientID:               WebClient,
				Secrets:                secrets,
				AllowedGrantTypes:      []string{protocol.GrantTypeAuthorizationCode, protocol.GrantTypeRefreshToken},
				AllowedScopes:          []string{"openid", "profile", "email", "api1.read", "api1.write", "api2.read"},
				RedirectURIs:           []string{RedirectURI},
				PostLogoutRedirectURIs: []string{LogoutURI},
				RequirePKCE:            true,
				AllowOfflineAccess:     true,
			},
			{
				ClientID:           SPAClient,
				Public:             true,
				AllowedGrantTypes:  []string{protocol.GrantTypeAuthorizationCode, protocol.GrantTypeRefreshToken},
				AllowedScopes:      []string{"openid", "profile", "api1.read"},
				RedirectURIs:       []string{"http://127.0.0.1:8400/callback"},
				AllowOfflineAccess: true,
				RefreshTokenFormat: registry.RefreshTokenJWT,
			},
			{
				ClientID:          ServiceClient,
				Secrets:           secrets,
				AllowedGrantTypes: []string{protocol.GrantTypeClientCredentials},
				AllowedScopes:     []string{"api1.read", "api2.read"},
				Claims:            []claims.Claim{claims.New("tenant", "acme")},
			},
			{
				ClientID:           DeviceClient,
				Public:             true,
				AllowedGrantTypes:  []string{protocol.GrantTypeDeviceCode, protocol.GrantTypeRefreshToken},
				AllowedScopes:      []string{"openid", "profile", "api1.read"},
				AllowOfflineAccess: true,
			},
			{
				ClientID:           NativeClient,
				Secrets:            secrets,
				AllowedGrantTypes:  []string{protocol.GrantTypePassword, protocol.GrantTypeRefreshToken},
				AllowedScopes:      []string{"openid", "profile", "email", "api1.read", "api2.read"},
				AllowOfflineAccess: true,
				AccessTokenType:    registry.AccessTokenReference,
				RefreshTokenUsage:  registry.RefreshTokenReUse,
			},
		},
	}
}

// Snapshot builds a snapshot from Definition after applying mutate.
func Snapshot(t testing.TB, mutate ...func(*registry.Definition)) *registry.Snapshot {
	t.Helper()
	def := Definition()
	for _, m := range mutate {
		m(&def)
	}
	snap, err := registry.NewSnapshot(def)
	require.NoError(t, err)
	return snap
}

// Registry wraps Snapshot in a Registry.
func Registry(t testing.TB, mutate ...func(*registry.Definition)) *registry.Registry {
	t.Helper()
	reg, err := registry.New(Snapshot(t, mutate...), nil)
	require.NoError(t, err)
	return reg
}

// WithJWTClient adds JWTClient, authenticating with private_key_jwt against
// the public half of key.
func WithJWTClient(key *keys.SigningKeyData) func(*registry.Definition) {
	return func(def *registry.Definition) {
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       key.Key.Public(),
			KeyID:     key.KeyID,
			Algorithm: key.Algorithm,
			Use:       "sig",
		}}}
		raw, err := json.Marshal(set)
		if err != nil {
			panic(err)
		}
		def.Clients = append(def.Clients, registry.Client{
			ClientID:          JWTClient,
			JWKS:              string(raw),
			AllowedGrantTypes: []string{protocol.GrantTypeClientCredentials},
			AllowedScopes:     []string{"api1.read"},
		})
	}
}

// SigningKey generates a fresh ES256 key.
func SigningKey(t testing.TB) *keys.SigningKeyData {
	t.Helper()
	return SigningKeyFor(t, keys.DefaultAlgorithm)
}

// SigningKeyFor generates a fresh key for algorithm.
func SigningKeyFor(t testing.TB, algorithm string) *keys.SigningKeyData {
	t.Helper()
	signer, err := keys.GenerateKey(algorithm)
	require.NoError(t, err)
	key, err := keys.NewSigningKeyData(signer, algorithm)
	require.NoError(t, err)
	key.CreatedAt = Epoch
	return key
}

// KeyProvider returns a provider signing with a fresh key.
func KeyProvider(t testing.TB) *keys.StaticProvider {
	t.Helper()
	return keys.NewStaticProvider(SigningKey(t))
}

// PKCEPair returns an S256 code challenge and its verifier.
func PKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// FormRequest builds a form-encoded POST request.
type FormRequest struct {
	Path    string
	Form    url.Values
	Headers map[string]string
}

// NewFormRequest creates a POST helper for path.
func NewFormRequest(path string) *FormRequest {
	return &FormRequest{Path: path, Form: url.Values{}, Headers: map[string]string{}}
}

// With sets a form parameter.
func (r *FormRequest) With(key, value string) *FormRequest {
	r.Form.Set(key, value)
	return r
}

// WithBasicAuth sets HTTP Basic client credentials.
func (r *FormRequest) WithBasicAuth(clientID, secret string) *FormRequest {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.SetBasicAuth(url.QueryEscape(clientID), url.QueryEscape(secret))
	r.Headers["Authorization"] = req.Header.Get("Authorization")
	return r
}

// WithHeader sets a request header.
func (r *FormRequest) WithHeader(key, value string) *FormRequest {
	r.Headers[key] = value
	return r
}

// Do serves the request through handler.
func (r *FormRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, r.Path, strings.NewReader(r.Form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
