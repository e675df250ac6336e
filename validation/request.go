package validation

import (
	"net/url"
	"slices"
	"time"

	"github.com/giantswarm/oidc-provider/registry"
)

// ValidatedRequest is the immutable result of request validation. Accessors
// return copies of slices and parameter maps.
type ValidatedRequest struct {
	grantType   string
	client      *registry.Client
	apiResource *registry.APIResource
	snapshot    *registry.Snapshot
	authMethod  string

	// resources is nil when the grant resolves scopes from a stored artifact.
	resources       *registry.Resources
	requestedScopes []string
	indicators      []string

	redirectURI         string
	state               string
	nonce               string
	codeChallenge       string
	codeChallengeMethod string
	prompt              []string
	maxAge              time.Duration
	hasMaxAge           bool

	params url.Values
}

// GrantType returns the grant_type of a token request.
func (r *ValidatedRequest) GrantType() string { return r.grantType }

// Client returns the authenticated (or identified) client. It is nil when an
// API resource authenticated an introspection request.
func (r *ValidatedRequest) Client() *registry.Client { return r.client }

// APIResource returns the API resource that authenticated an introspection
// request, or nil.
func (r *ValidatedRequest) APIResource() *registry.APIResource { return r.apiResource }

// Snapshot returns the configuration the request was validated against.
func (r *ValidatedRequest) Snapshot() *registry.Snapshot { return r.snapshot }

// AuthMethod returns the client authentication method that succeeded.
func (r *ValidatedRequest) AuthMethod() string { return r.authMethod }

// Resources returns a copy of the resolved scopes and audiences, or nil when
// resolution is left to the grant.
func (r *ValidatedRequest) Resources() *registry.Resources { return r.resources.Clone() }

// RequestedScopes returns the scope parameter split on spaces.
func (r *ValidatedRequest) RequestedScopes() []string { return slices.Clone(r.requestedScopes) }

// ResourceIndicators returns the RFC 8707 resource parameters.
func (r *ValidatedRequest) ResourceIndicators() []string { return slices.Clone(r.indicators) }

// RedirectURI returns the validated redirect_uri.
func (r *ValidatedRequest) RedirectURI() string { return r.redirectURI }

// State returns the authorization request state.
func (r *ValidatedRequest) State() string { return r.state }

// Nonce returns the authorization request nonce.
func (r *ValidatedRequest) Nonce() string { return r.nonce }

// CodeChallenge returns the PKCE code challenge and its method.
func (r *ValidatedRequest) CodeChallenge() (challenge, method string) {
	return r.codeChallenge, r.codeChallengeMethod
}

// Prompt returns the space-separated prompt values.
func (r *ValidatedRequest) Prompt() []string { return slices.Clone(r.prompt) }

// MaxAge returns max_age and whether it was present.
func (r *ValidatedRequest) MaxAge() (time.Duration, bool) { return r.maxAge, r.hasMaxAge }

// Param returns a single raw request parameter.
func (r *ValidatedRequest) Param(name string) string { return r.params.Get(name) }

// Params returns a copy of the raw request parameters.
func (r *ValidatedRequest) Params() url.Values { return cloneValues(r.params) }

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = slices.Clone(vals)
	}
	return out
}

// RedirectableError is returned by ValidateAuthorizeRequest once the client and
// redirect URI are trusted: the error may be delivered to RedirectURI.
type RedirectableError struct {
	RedirectURI string
	State       string
	Err         error
}

func (e *RedirectableError) Error() string { return e.Err.Error() }

func (e *RedirectableError) Unwrap() error { return e.Err }
