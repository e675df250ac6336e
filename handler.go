// Package oauth exposes the provider endpoints over HTTP. Handler maps each
// endpoint onto a server.Server operation and renders results and errors in
// the OAuth 2.0 wire format.
package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/protocol"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/server"
	"github.com/giantswarm/oidc-provider/validation"
)

const tokenTypeBearer = "Bearer"

// Handler serves the provider endpoints over HTTP. It owns transport
// concerns only: parsing, client IP resolution, rate limiting, headers and
// the error wire format. Protocol decisions are made by the server.
type Handler struct {
	server      *server.Server
	config      Config
	rateLimiter *security.RateLimiter
	headers     security.HeaderPolicy
	metrics     *instrumentation.Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, config Config) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Instrumentation == nil {
		config.Instrumentation = instrumentation.NewNoop()
	}
	if config.CORS.MaxAge == 0 {
		config.CORS.MaxAge = defaultCORSMaxAge
	}
	if slices.Contains(config.CORS.AllowedOrigins, "*") {
		config.Logger.Warn("CORS: Wildcard origin (*) allows ALL origins",
			"risk", "CSRF attacks possible from any website",
			"recommendation", "Use specific origins in production")
	}

	h := &Handler{
		server:  srv,
		config:  config,
		headers: security.NewHeaderPolicy(srv.Config().Issuer),
		metrics: config.Instrumentation.Metrics(),
		tracer:  config.Instrumentation.Tracer("http"),
		logger:  config.Logger,
	}
	if config.RateLimit.Rate > 0 {
		h.rateLimiter = security.NewRateLimiter(security.RateLimiterConfig{
			Rate:   float64(config.RateLimit.Rate),
			Burst:  config.RateLimit.Burst,
			Logger: config.Logger,
		})
	}
	return h, nil
}

// Close stops background work of the handler.
func (h *Handler) Close() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// Routes returns a mux serving every endpoint at its path below the issuer.
// Requests are tagged with a request ID.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux, "")
	return security.RequestIDMiddleware(mux)
}

// RegisterRoutes registers the endpoints on mux under prefix.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, prefix string) {
	mux.Handle(prefix+PathDiscovery, h.endpoint("discovery", true, h.ServeOpenIDConfiguration, http.MethodGet))
	mux.Handle(prefix+PathJWKS, h.endpoint("jwks", true, h.ServeJWKS, http.MethodGet))
	mux.Handle(prefix+PathAuthorize, h.endpoint("authorize", false, h.ServeAuthorization, http.MethodGet, http.MethodPost))
	mux.Handle(prefix+PathToken, h.endpoint("token", true, h.ServeToken, http.MethodPost))
	mux.Handle(prefix+PathUserInfo, h.endpoint("userinfo", true, h.ServeUserInfo, http.MethodGet, http.MethodPost))
	mux.Handle(prefix+PathIntrospect, h.endpoint("introspect", false, h.ServeIntrospection, http.MethodPost))
	mux.Handle(prefix+PathRevoke, h.endpoint("revoke", true, h.ServeRevocation, http.MethodPost))
	mux.Handle(prefix+PathDeviceAuthorization, h.endpoint("device_authorization", false, h.ServeDeviceAuthorization, http.MethodPost))
	mux.Handle(prefix+PathEndSession, h.endpoint("endsession", false, h.ServeEndSession, http.MethodGet, http.MethodPost))
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// endpoint wraps fn with the cross-cutting concerns every endpoint shares.
func (h *Handler) endpoint(name string, cors bool, fn http.HandlerFunc, methods ...string) http.Handler {
	allow := strings.Join(append(slices.Clone(methods), http.MethodOptions), ", ")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ctx, span := h.tracer.Start(r.Context(), "oauth.http."+name)
		defer span.End()
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("request.id", security.RequestIDFromContext(ctx)),
		)

		rec := &statusRecorder{ResponseWriter: w}
		defer func() {
			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			span.SetAttributes(attribute.Int("http.status_code", status))
			h.recordHTTPMetrics(r, name, status, startTime)
		}()

		if cors {
			h.setCORSHeaders(rec, r)
		}
		if r.Method == http.MethodOptions {
			rec.Header().Set("Allow", allow)
			rec.Header().Set("X-Content-Type-Options", "nosniff")
			rec.WriteHeader(http.StatusNoContent)
			return
		}
		if !slices.Contains(methods, r.Method) {
			rec.Header().Set("Allow", allow)
			http.Error(rec, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		clientIP := h.clientIP(r)
		if h.checkIPRateLimit(rec, r, clientIP, name) {
			instrumentation.SetSpanError(span, "rate limit exceeded")
			return
		}

		fn(rec, r.WithContext(ctx))
	})
}

// clientIP resolves the caller address honoring the proxy settings.
func (h *Handler) clientIP(r *http.Request) string {
	return security.ClientIP(r, security.ProxyTrust{
		Enabled: h.config.RateLimit.TrustProxy,
		Hops:    h.config.RateLimit.TrustedProxyCount,
	})
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP, endpoint string) bool {
	if h.rateLimiter == nil || h.rateLimiter.Allow(clientIP) {
		return false
	}

	security.LoggerWithRequestID(r.Context(), h.logger).Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	h.metrics.RecordRateLimitExceeded(r.Context(), "ip")
	h.config.Auditor.LogRateLimitExceeded(clientIP, endpoint)
	w.Header().Set("Retry-After", rateLimitRetryAfter)
	h.writeError(w, NewOAuthError(ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests))
	return true
}

// parseForm parses the request form. POST endpoints read the body only.
func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) (url.Values, bool) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, NewOAuthError(ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest))
		return nil, false
	}
	if r.Method == http.MethodPost {
		return r.PostForm, true
	}
	return r.Form, true
}

// clientCredentials returns the Basic credentials of the request. Form
// credentials are read by the request validator.
func (h *Handler) clientCredentials(w http.ResponseWriter, r *http.Request) (validation.Credentials, bool) {
	creds, err := validation.BasicCredentials(r)
	if err != nil {
		h.writeClientError(w, err, true)
		return validation.Credentials{}, false
	}
	return creds, true
}

// ServeToken handles the token endpoint (RFC 6749 section 3.2).
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	span := trace.SpanFromContext(r.Context())

	params, ok := h.parseForm(w, r)
	if !ok {
		return
	}
	creds, ok := h.clientCredentials(w, r)
	if !ok {
		return
	}

	resp, err := h.server.Token(r.Context(), params, creds, h.clientIP(r))
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeClientError(w, err, creds.Basic)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeAuthorization handles the authorization endpoint. Validation errors
// are returned to the client's redirect URI once that URI is trusted; before
// that they are shown to the user agent.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := trace.SpanFromContext(ctx)

	params, ok := h.parseForm(w, r)
	if !ok {
		return
	}

	req, err := h.server.ValidateAuthorizeRequest(ctx, params)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeAuthorizationError(w, r, err)
		return
	}
	instrumentation.AddGrantAttributes(span, protocol.GrantTypeAuthorizationCode, req.Client().ClientID, strings.Join(req.RequestedScopes(), " "))

	if h.config.SubjectResolver == nil {
		security.LoggerWithRequestID(r.Context(), h.logger).Error("Authorization request without subject resolver", "client_id", req.Client().ClientID)
		h.writeAuthorizationError(w, r, &validation.RedirectableError{
			RedirectURI: req.RedirectURI(),
			State:       req.State(),
			Err:         protocol.NewError(protocol.KindServerError, "no authentication method is configured"),
		})
		return
	}

	subject, err := h.config.SubjectResolver.ResolveSubject(w, r, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeAuthorizationError(w, r, &validation.RedirectableError{
			RedirectURI: req.RedirectURI(),
			State:       req.State(),
			Err:         err,
		})
		return
	}
	if subject == nil {
		// The resolver wrote the response.
		return
	}

	redirect, err := h.server.IssueAuthorizationCode(ctx, req, *subject)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeAuthorizationError(w, r, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.headers.Apply(w.Header())
	http.Redirect(w, r, redirect, http.StatusFound)
}

// writeAuthorizationError redirects redirectable errors to the client and
// answers the rest directly.
func (h *Handler) writeAuthorizationError(w http.ResponseWriter, r *http.Request, err error) {
	var re *validation.RedirectableError
	if !errors.As(err, &re) {
		h.writeError(w, ToOAuthError(err))
		return
	}

	oe := ToOAuthError(re.Err)
	values := url.Values{}
	values.Set("error", oe.Code)
	if oe.Description != "" {
		values.Set("error_description", oe.Description)
	}
	if re.State != "" {
		values.Set(protocol.ParamState, re.State)
	}
	values.Set(protocol.ParamIssuer, h.server.Config().Issuer)

	target, qerr := server.AppendQuery(re.RedirectURI, values)
	if qerr != nil {
		h.logger.Error("Failed to build error redirect", "error", qerr)
		h.writeError(w, oe)
		return
	}
	h.headers.Apply(w.Header())
	http.Redirect(w, r, target, http.StatusFound)
}

// ServeIntrospection handles token introspection (RFC 7662).
func (h *Handler) ServeIntrospection(w http.ResponseWriter, r *http.Request) {
	span := trace.SpanFromContext(r.Context())

	params, ok := h.parseForm(w, r)
	if !ok {
		return
	}
	creds, ok := h.clientCredentials(w, r)
	if !ok {
		return
	}

	resp, err := h.server.Introspect(r.Context(), params, creds)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeClientError(w, err, creds.Basic)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeRevocation handles token revocation (RFC 7009). Unknown tokens are
// answered with 200.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	span := trace.SpanFromContext(r.Context())

	params, ok := h.parseForm(w, r)
	if !ok {
		return
	}
	creds, ok := h.clientCredentials(w, r)
	if !ok {
		return
	}

	if err := h.server.Revoke(r.Context(), params, creds, h.clientIP(r)); err != nil {
		instrumentation.RecordError(span, err)
		h.writeClientError(w, err, creds.Basic)
		return
	}

	h.headers.Apply(w.Header())
	w.WriteHeader(http.StatusOK)
}

// ServeDeviceAuthorization starts a device flow (RFC 8628 section 3.1).
func (h *Handler) ServeDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	span := trace.SpanFromContext(r.Context())

	params, ok := h.parseForm(w, r)
	if !ok {
		return
	}
	creds, ok := h.clientCredentials(w, r)
	if !ok {
		return
	}

	resp, err := h.server.DeviceAuthorization(r.Context(), params, creds)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeClientError(w, err, creds.Basic)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeUserInfo returns the claims of the access token's subject.
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	span := trace.SpanFromContext(r.Context())

	accessToken, err := extractBearerToken(r)
	if err != nil {
		h.writeBearerError(w, err)
		return
	}

	payload, err := h.server.UserInfo(r.Context(), accessToken)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeBearerError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, payload)
}

// extractBearerToken reads the access token from the Authorization header
// or, for POST, the access_token form parameter (RFC 6750 section 2).
// Presenting more than one is an error.
func extractBearerToken(r *http.Request) (string, error) {
	var token string
	if authz := r.Header.Get("Authorization"); authz != "" {
		scheme, value, found := strings.Cut(authz, " ")
		if !found || !strings.EqualFold(scheme, tokenTypeBearer) || strings.TrimSpace(value) == "" {
			return "", protocol.InvalidToken("malformed Authorization header")
		}
		token = strings.TrimSpace(value)
	}

	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			return "", protocol.InvalidRequest("failed to parse request")
		}
		if formToken := r.PostForm.Get("access_token"); formToken != "" {
			if token != "" {
				return "", protocol.InvalidRequest("more than one access token presented")
			}
			token = formToken
		}
	}

	if token == "" {
		return "", errMissingBearer
	}
	return token, nil
}

// errMissingBearer answers requests that present no credentials at all.
// RFC 6750 section 3.1 leaves the error code out of that challenge.
var errMissingBearer = errors.New("missing bearer token")

// writeBearerError writes an error with a WWW-Authenticate Bearer challenge.
func (h *Handler) writeBearerError(w http.ResponseWriter, err error) {
	if errors.Is(err, errMissingBearer) {
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate("", ""))
		h.writeError(w, NewOAuthError(ErrorCodeInvalidToken, "Access token required", http.StatusUnauthorized))
		return
	}

	oe := toBearerError(err)
	switch oe.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(oe.Code, oe.Description))
	case http.StatusBadRequest:
		if oe.Code == ErrorCodeInvalidRequest {
			w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(oe.Code, oe.Description))
		}
	}
	h.writeError(w, oe)
}

// formatWWWAuthenticate builds a Bearer challenge (RFC 6750 section 3).
func (h *Handler) formatWWWAuthenticate(errCode, errorDesc string) string {
	params := []string{fmt.Sprintf(`realm="%s"`, quoteHeaderValue(h.server.Config().Issuer))}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, quoteHeaderValue(errorDesc)))
	}
	return tokenTypeBearer + " " + strings.Join(params, ", ")
}

// quoteHeaderValue escapes a quoted-string per RFC 7230. Backslashes go first.
func quoteHeaderValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// ServeJWKS publishes the token verification keys.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	set, err := h.server.JWKS(r.Context())
	if err != nil {
		h.logger.Error("Failed to load public keys", "error", err)
		h.writeError(w, ToOAuthError(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	h.headers.ApplyCacheable(w.Header(), defaultJWKSMaxAge)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(set)
}

// ServeOpenIDConfiguration serves the OpenID Provider Metadata document.
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	metadata, err := h.Metadata(r)
	if err != nil {
		h.logger.Error("Failed to build provider metadata", "error", err)
		h.writeError(w, ToOAuthError(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	h.headers.ApplyCacheable(w.Header(), defaultDiscoveryMaxAge)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(metadata)
}

// Metadata builds the discovery document from the current registry
// snapshot, so scopes added by a reload are advertised immediately.
func (h *Handler) Metadata(r *http.Request) (*ProviderMetadata, error) {
	cfg := h.server.Config()
	issuer := cfg.Issuer
	snapshot := h.server.Registry().Snapshot()

	pubs, err := h.server.JWKS(r.Context())
	if err != nil {
		return nil, err
	}
	var algs []string
	for _, k := range pubs.Keys {
		if !slices.Contains(algs, k.Algorithm) {
			algs = append(algs, k.Algorithm)
		}
	}

	scopes := snapshot.SupportedScopes()
	claimNames := []string{protocol.ClaimSubject, protocol.ClaimIssuer, protocol.ClaimAudience,
		protocol.ClaimExpiration, protocol.ClaimIssuedAt, protocol.ClaimAuthTime,
		protocol.ClaimNonce, protocol.ClaimSessionID, protocol.ClaimAccessHash}
	for _, name := range scopes {
		if res, ok := snapshot.IdentityResource(name); ok {
			for _, c := range res.UserClaims {
				if !slices.Contains(claimNames, c) {
					claimNames = append(claimNames, c)
				}
			}
		}
	}

	metadata := &ProviderMetadata{
		Issuer:                issuer,
		AuthorizationEndpoint: issuer + PathAuthorize,
		TokenEndpoint:         issuer + PathToken,
		UserInfoEndpoint:      issuer + PathUserInfo,
		JWKSURI:               issuer + PathJWKS,
		RevocationEndpoint:    issuer + PathRevoke,
		IntrospectionEndpoint: issuer + PathIntrospect,
		EndSessionEndpoint:    issuer + PathEndSession,
		ScopesSupported:       scopes,
		ClaimsSupported:       claimNames,
		ResponseTypesSupported: []string{
			protocol.ResponseTypeCode,
		},
		ResponseModesSupported:           []string{"query"},
		GrantTypesSupported:              h.server.GrantTypes(),
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: algs,
		TokenEndpointAuthMethodsSupported: []string{
			protocol.AuthMethodClientSecretBasic,
			protocol.AuthMethodClientSecretPost,
			protocol.AuthMethodPrivateKeyJWT,
			protocol.AuthMethodNone,
		},
		CodeChallengeMethodsSupported:              []string{protocol.PKCEMethodS256, protocol.PKCEMethodPlain},
		AuthorizationResponseIssParameterSupported: true,
	}
	if slices.Contains(metadata.GrantTypesSupported, protocol.GrantTypeDeviceCode) {
		metadata.DeviceAuthorizationEndpoint = issuer + PathDeviceAuthorization
	}
	return metadata, nil
}

// ServeEndSession handles RP-initiated logout. The browser session is ended
// by the SubjectResolver when it implements SessionTerminator.
func (h *Handler) ServeEndSession(w http.ResponseWriter, r *http.Request) {
	span := trace.SpanFromContext(r.Context())

	params, ok := h.parseForm(w, r)
	if !ok {
		return
	}

	result, err := h.server.EndSession(r.Context(), params)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, ToOAuthError(err))
		return
	}

	if terminator, ok := h.config.SubjectResolver.(SessionTerminator); ok {
		if err := terminator.EndSession(w, r, result); err != nil {
			h.logger.Error("Failed to end session", "error", err)
			h.writeError(w, ToOAuthError(err))
			return
		}
	}

	h.headers.Apply(w.Header())
	if result.RedirectURI == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, result.RedirectURI, http.StatusFound)
}

// writeClientError writes a token-style error. An invalid_client answer to a
// Basic authenticated request carries a Basic challenge (RFC 6749 section 5.2).
func (h *Handler) writeClientError(w http.ResponseWriter, err error, basic bool) {
	oe := ToOAuthError(err)
	if oe.Code == ErrorCodeInvalidClient && basic {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm="%s"`, quoteHeaderValue(h.server.Config().Issuer)))
	}
	if oe.Status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "error", err)
	}
	h.writeError(w, oe)
}

func (h *Handler) writeError(w http.ResponseWriter, oe *OAuthError) {
	h.headers.Apply(w.Header())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(oe.Status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            oe.Code,
		ErrorDescription: oe.Description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	h.headers.Apply(w.Header())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// setCORSHeaders sets CORS headers if configured and the origin is allowed.
// Only applies if AllowedOrigins is configured, Origin header is present, and origin is allowed.
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(h.config.CORS.AllowedOrigins) == 0 {
		return
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	if !h.isAllowedOrigin(origin) {
		h.logger.Debug("CORS request from disallowed origin", "origin", origin)
		return
	}

	// Echo back the specific origin rather than using "*"
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")

	if h.config.CORS.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}

	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", strconv.Itoa(h.config.CORS.MaxAge))
}

// isAllowedOrigin checks if the given origin is in the allowed origins list.
// Supports exact matching and wildcard "*" for development.
func (h *Handler) isAllowedOrigin(origin string) bool {
	for _, allowed := range h.config.CORS.AllowedOrigins {
		// Exact match (case-sensitive per CORS spec)
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(r *http.Request, endpoint string, status int, startTime time.Time) {
	duration := time.Since(startTime).Seconds() * 1000
	h.metrics.RecordHTTPRequest(r.Context(), r.Method, endpoint, status, duration)
}
