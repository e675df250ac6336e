// Package validation turns raw protocol requests into ValidatedRequest values.
//
// Every entry point runs the same ordered, short-circuiting checks: client
// authentication, grant type, structural parameters, scope resolution and
// resource indicators. The Validator performs read-only lookups only; all
// state changes happen in the grant processors.
package validation

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/protocol"
	"github.com/giantswarm/oidc-provider/registry"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
)

// Parameter limits.
const (
	MaxStateLength = 512
	MaxNonceLength = 512
	MaxScopeLength = 2048
)

var builtinGrantTypes = []string{
	protocol.GrantTypeAuthorizationCode,
	protocol.GrantTypeClientCredentials,
	protocol.GrantTypePassword,
	protocol.GrantTypeRefreshToken,
	protocol.GrantTypeDeviceCode,
}

// Config configures a Validator.
type Config struct {
	// Registry supplies the configuration snapshot. Each request is validated
	// against the snapshot current when it started.
	Registry *registry.Registry

	// ReplayCache remembers client assertion ids.
	ReplayCache storage.ReplayCache

	// AssertionAudiences are accepted aud values on client assertions,
	// typically the issuer and the token endpoint URL.
	AssertionAudiences []string

	// ExtensionGrantTypes are accepted in addition to the built-in grant types.
	ExtensionGrantTypes []string

	// ClockSkew is allowed on client assertion time claims (default security.DefaultClockSkew).
	ClockSkew time.Duration

	Clock  clock.PassiveClock
	Logger *slog.Logger
}

// Validator validates token, authorization, introspection, revocation and
// device authorization requests.
type Validator struct {
	registry           *registry.Registry
	replay             storage.ReplayCache
	assertionAudiences []string
	grantTypes         []string
	clockSkew          time.Duration
	clock              clock.PassiveClock
	logger             *slog.Logger
}

// NewValidator creates a Validator.
func NewValidator(cfg Config) (*Validator, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.ReplayCache == nil {
		return nil, errors.New("replay cache is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ClockSkew == 0 {
		cfg.ClockSkew = security.DefaultClockSkew
	}

	grantTypes := slices.Clone(builtinGrantTypes)
	for _, gt := range cfg.ExtensionGrantTypes {
		if gt == "" || slices.Contains(grantTypes, gt) {
			return nil, errors.New("extension grant type " + strconv.Quote(gt) + " is empty or already registered")
		}
		grantTypes = append(grantTypes, gt)
	}

	return &Validator{
		registry:           cfg.Registry,
		replay:             cfg.ReplayCache,
		assertionAudiences: slices.Clone(cfg.AssertionAudiences),
		grantTypes:         grantTypes,
		clockSkew:          cfg.ClockSkew,
		clock:              cfg.Clock,
		logger:             cfg.Logger,
	}, nil
}

// SupportedGrantTypes returns the built-in and extension grant types.
func (v *Validator) SupportedGrantTypes() []string {
	return slices.Clone(v.grantTypes)
}

// ValidateTokenRequest validates a token endpoint request.
func (v *Validator) ValidateTokenRequest(ctx context.Context, params url.Values, creds Credentials) (*ValidatedRequest, error) {
	snap := v.registry.Snapshot()

	client, method, err := v.authenticateClient(ctx, snap, params, creds)
	if err != nil {
		return nil, err
	}

	grantType := params.Get(protocol.ParamGrantType)
	if grantType == "" {
		return nil, protocol.InvalidRequest("grant_type is required")
	}
	if !slices.Contains(v.grantTypes, grantType) {
		return nil, protocol.UnsupportedGrantType("grant_type is not supported")
	}
	if !client.AllowsGrantType(grantType) {
		return nil, protocol.UnauthorizedClient("client is not allowed to use this grant_type")
	}

	req := &ValidatedRequest{
		grantType:  grantType,
		client:     client,
		snapshot:   snap,
		authMethod: method,
		params:     cloneValues(params),
	}

	if err := v.validateGrantParameters(req, params); err != nil {
		return nil, err
	}

	scopes, err := parseScope(params)
	if err != nil {
		return nil, err
	}
	req.requestedScopes = scopes

	req.indicators = params[protocol.ParamResource]
	if len(req.indicators) > 1 {
		return nil, protocol.InvalidTarget("only one resource may be requested at the token endpoint")
	}
	if err := checkIndicatorSyntax(req.indicators); err != nil {
		return nil, err
	}

	switch grantType {
	case protocol.GrantTypeAuthorizationCode, protocol.GrantTypeRefreshToken, protocol.GrantTypeDeviceCode:
		// Scopes come from the stored grant; the processor narrows them.
		return req, nil
	}

	opts := registry.ResolveOptions{ClientOnly: grantType == protocol.GrantTypeClientCredentials}
	if len(scopes) == 0 {
		scopes = defaultScopes(snap, client, opts)
	}
	if err := req.resolve(scopes, opts); err != nil {
		return nil, err
	}
	return req, nil
}

func (v *Validator) validateGrantParameters(req *ValidatedRequest, params url.Values) error {
	switch req.grantType {
	case protocol.GrantTypeAuthorizationCode:
		if params.Get(protocol.ParamCode) == "" {
			return protocol.InvalidRequest("code is required")
		}
		if params.Get(protocol.ParamRedirectURI) == "" {
			return protocol.InvalidRequest("redirect_uri is required")
		}
		verifier := params.Get(protocol.ParamCodeVerifier)
		if verifier == "" && req.client.RequiresPKCE() {
			return protocol.InvalidGrant("code_verifier is required")
		}
		if verifier != "" && !IsWellFormedPKCEValue(verifier) {
			return protocol.InvalidGrant("code_verifier is malformed")
		}
	case protocol.GrantTypeRefreshToken:
		if params.Get(protocol.ParamRefreshToken) == "" {
			return protocol.InvalidRequest("refresh_token is required")
		}
	case protocol.GrantTypePassword:
		if params.Get(protocol.ParamUsername) == "" || params.Get(protocol.ParamPassword) == "" {
			return protocol.InvalidRequest("username and password are required")
		}
	case protocol.GrantTypeDeviceCode:
		if params.Get(protocol.ParamDeviceCode) == "" {
			return protocol.InvalidRequest("device_code is required")
		}
	}
	return nil
}

// ValidateAuthorizeRequest validates an authorization endpoint request. Until
// the client and redirect URI are established errors are plain *protocol.Error
// values that must not be redirected; afterwards they are *RedirectableError.
func (v *Validator) ValidateAuthorizeRequest(_ context.Context, params url.Values) (*ValidatedRequest, error) {
	snap := v.registry.Snapshot()

	clientID := params.Get(protocol.ParamClientID)
	if clientID == "" {
		return nil, protocol.InvalidRequest("client_id is required")
	}
	client, ok := snap.Client(clientID)
	if !ok {
		return nil, protocol.InvalidClient("unknown client")
	}
	redirectURI := params.Get(protocol.ParamRedirectURI)
	if !client.IsRedirectURIAllowed(redirectURI) {
		return nil, protocol.InvalidRequest("redirect_uri is not registered for this client")
	}

	state := params.Get(protocol.ParamState)
	redirectable := func(err error) error {
		return &RedirectableError{RedirectURI: redirectURI, State: state, Err: err}
	}

	if len(state) > MaxStateLength {
		return nil, redirectable(protocol.InvalidRequest("state is too long"))
	}
	if params.Get(protocol.ParamResponseType) != protocol.ResponseTypeCode {
		return nil, redirectable(protocol.InvalidRequest("response_type must be code"))
	}
	if !client.AllowsGrantType(protocol.GrantTypeAuthorizationCode) {
		return nil, redirectable(protocol.UnauthorizedClient("client is not allowed to use the authorization code flow"))
	}

	req := &ValidatedRequest{
		grantType:   protocol.GrantTypeAuthorizationCode,
		client:      client,
		snapshot:    snap,
		authMethod:  protocol.AuthMethodNone,
		redirectURI: redirectURI,
		state:       state,
		nonce:       params.Get(protocol.ParamNonce),
		params:      cloneValues(params),
	}

	if len(req.nonce) > MaxNonceLength {
		return nil, redirectable(protocol.InvalidRequest("nonce is too long"))
	}
	if err := checkCodeChallenge(client, req, params); err != nil {
		return nil, redirectable(err)
	}
	if raw := params.Get(protocol.ParamMaxAge); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			return nil, redirectable(protocol.InvalidRequest("max_age must be a non-negative integer"))
		}
		req.maxAge, req.hasMaxAge = time.Duration(secs)*time.Second, true
	}
	req.prompt = strings.Fields(params.Get(protocol.ParamPrompt))

	scopes, err := parseScope(params)
	if err != nil {
		return nil, redirectable(err)
	}
	if len(scopes) == 0 {
		return nil, redirectable(protocol.InvalidScope("scope is required"))
	}
	req.requestedScopes = scopes
	req.indicators = params[protocol.ParamResource]
	if err := req.resolve(scopes, registry.ResolveOptions{}); err != nil {
		return nil, redirectable(err)
	}
	return req, nil
}

func checkCodeChallenge(client *registry.Client, req *ValidatedRequest, params url.Values) error {
	challenge := params.Get(protocol.ParamCodeChallenge)
	method := params.Get(protocol.ParamCodeChallengeMethod)
	if challenge == "" {
		if client.RequiresPKCE() {
			return protocol.InvalidRequest("code_challenge is required")
		}
		if method != "" {
			return protocol.InvalidRequest("code_challenge_method without code_challenge")
		}
		return nil
	}

	if method == "" {
		method = protocol.PKCEMethodPlain
	}
	switch method {
	case protocol.PKCEMethodS256:
	case protocol.PKCEMethodPlain:
		if !client.AllowPlainTextPKCE {
			return protocol.InvalidRequest("code_challenge_method plain is not allowed")
		}
	default:
		return protocol.InvalidRequest("unsupported code_challenge_method")
	}
	if !IsWellFormedPKCEValue(challenge) {
		return protocol.InvalidRequest("code_challenge is malformed")
	}

	req.codeChallenge, req.codeChallengeMethod = challenge, method
	return nil
}

// IntrospectionRequest is a validated RFC 7662 request. Exactly one of Client()
// and APIResource() is non-nil.
type IntrospectionRequest struct {
	*ValidatedRequest
	Token         string
	TokenTypeHint string
}

// ValidateIntrospectionRequest authenticates the caller as an API resource
// (resource secret) or as a client and checks the token parameter.
func (v *Validator) ValidateIntrospectionRequest(ctx context.Context, params url.Values, creds Credentials) (*IntrospectionRequest, error) {
	snap := v.registry.Snapshot()
	req := &ValidatedRequest{snapshot: snap, params: cloneValues(params)}

	callerID, secret := creds.ClientID, creds.ClientSecret
	if !creds.Basic {
		callerID, secret = params.Get(protocol.ParamClientID), params.Get(protocol.ParamClientSecret)
	}

	if res, ok := snap.APIResource(callerID); ok && secret != "" {
		if !matchesAnySecret(res.Secrets, secret, v.clock.Now()) {
			return nil, protocol.InvalidClient(clientAuthFailed)
		}
		req.apiResource = res
		req.authMethod = protocol.AuthMethodClientSecretBasic
		if !creds.Basic {
			req.authMethod = protocol.AuthMethodClientSecretPost
		}
	} else {
		client, method, err := v.authenticateClient(ctx, snap, params, creds)
		if err != nil {
			return nil, err
		}
		if method == protocol.AuthMethodNone {
			return nil, protocol.InvalidClient(clientAuthFailed)
		}
		req.client, req.authMethod = client, method
	}

	token := params.Get(protocol.ParamToken)
	if token == "" {
		return nil, protocol.InvalidRequest("token is required")
	}
	return &IntrospectionRequest{
		ValidatedRequest: req,
		Token:            token,
		TokenTypeHint:    params.Get(protocol.ParamTokenTypeHint),
	}, nil
}

// RevocationRequest is a validated RFC 7009 request.
type RevocationRequest struct {
	*ValidatedRequest
	Token         string
	TokenTypeHint string
}

// ValidateRevocationRequest authenticates the client and checks the token
// parameter. Public clients may revoke their own tokens.
func (v *Validator) ValidateRevocationRequest(ctx context.Context, params url.Values, creds Credentials) (*RevocationRequest, error) {
	snap := v.registry.Snapshot()

	client, method, err := v.authenticateClient(ctx, snap, params, creds)
	if err != nil {
		return nil, err
	}
	token := params.Get(protocol.ParamToken)
	if token == "" {
		return nil, protocol.InvalidRequest("token is required")
	}

	hint := params.Get(protocol.ParamTokenTypeHint)
	return &RevocationRequest{
		ValidatedRequest: &ValidatedRequest{
			client:     client,
			snapshot:   snap,
			authMethod: method,
			params:     cloneValues(params),
		},
		Token:         token,
		TokenTypeHint: hint,
	}, nil
}

// ValidateDeviceAuthorizationRequest validates an RFC 8628 device
// authorization request.
func (v *Validator) ValidateDeviceAuthorizationRequest(ctx context.Context, params url.Values, creds Credentials) (*ValidatedRequest, error) {
	snap := v.registry.Snapshot()

	client, method, err := v.authenticateClient(ctx, snap, params, creds)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrantType(protocol.GrantTypeDeviceCode) {
		return nil, protocol.UnauthorizedClient("client is not allowed to use the device flow")
	}

	req := &ValidatedRequest{
		grantType:  protocol.GrantTypeDeviceCode,
		client:     client,
		snapshot:   snap,
		authMethod: method,
		params:     cloneValues(params),
	}

	scopes, err := parseScope(params)
	if err != nil {
		return nil, err
	}
	req.requestedScopes = scopes
	if len(scopes) == 0 {
		scopes = defaultScopes(snap, client, registry.ResolveOptions{})
	}
	req.indicators = params[protocol.ParamResource]
	if err := req.resolve(scopes, registry.ResolveOptions{}); err != nil {
		return nil, err
	}
	return req, nil
}

// resolve runs scope resolution and then narrows by the request's resource
// indicators.
func (r *ValidatedRequest) resolve(scopes []string, opts registry.ResolveOptions) error {
	if err := checkIndicatorSyntax(r.indicators); err != nil {
		return err
	}
	res, err := r.snapshot.ResolveScopes(r.client, scopes, opts)
	if err != nil {
		return err
	}
	if res, err = r.snapshot.ResolveResourceIndicators(res, r.indicators); err != nil {
		return err
	}
	r.resources = res
	return nil
}

func parseScope(params url.Values) ([]string, error) {
	raw := params.Get(protocol.ParamScope)
	if len(raw) > MaxScopeLength {
		return nil, protocol.InvalidScope("scope is too long")
	}
	return strings.Fields(raw), nil
}

// checkIndicatorSyntax rejects resource values that are not absolute URIs or
// that carry a fragment (RFC 8707 section 2).
func checkIndicatorSyntax(indicators []string) error {
	for _, ind := range indicators {
		if !util.IsAbsoluteURI(ind) {
			return protocol.InvalidTarget("resource must be an absolute URI without a fragment")
		}
	}
	return nil
}

// defaultScopes is used when a grant that resolves scopes directly omits the
// scope parameter: every scope the client may request for this kind of grant.
func defaultScopes(snap *registry.Snapshot, client *registry.Client, opts registry.ResolveOptions) []string {
	if !opts.ClientOnly {
		return slices.Clone(client.AllowedScopes)
	}
	out := make([]string, 0, len(client.AllowedScopes))
	for _, s := range client.AllowedScopes {
		if _, identity := snap.IdentityResource(s); !identity {
			out = append(out, s)
		}
	}
	return out
}
