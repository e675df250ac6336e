package oauth

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/server"
	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/validation"
)

// Endpoint paths relative to the issuer
const (
	PathDiscovery           = "/.well-known/openid-configuration"
	PathJWKS                = "/.well-known/jwks.json"
	PathAuthorize           = "/authorize"
	PathToken               = "/token"
	PathUserInfo            = "/userinfo"
	PathIntrospect          = "/introspect"
	PathRevoke              = "/revoke"
	PathDeviceAuthorization = "/device_authorization"
	PathEndSession          = "/endsession"
)

const (
	// defaultCORSMaxAge is the preflight cache duration in seconds
	defaultCORSMaxAge = 3600

	// defaultJWKSMaxAge lets relying parties cache the key set briefly
	defaultJWKSMaxAge = 5 * time.Minute

	// defaultDiscoveryMaxAge is the cache lifetime of the discovery document
	defaultDiscoveryMaxAge = time.Hour

	// rateLimitRetryAfter is the Retry-After value of 429 responses
	rateLimitRetryAfter = "60"
)

// SubjectResolver authenticates the resource owner of a validated
// authorization request. Login and consent pages live behind it.
type SubjectResolver interface {
	// ResolveSubject returns the authenticated subject. Returning nil without
	// an error means the resolver wrote the response itself, for example a
	// redirect to a login page. Errors of kind AccessDenied are returned to
	// the client through its redirect URI.
	ResolveSubject(w http.ResponseWriter, r *http.Request, req *validation.ValidatedRequest) (*storage.SubjectContext, error)
}

// SessionTerminator is optionally implemented by a SubjectResolver to end
// the browser session during RP-initiated logout.
type SessionTerminator interface {
	EndSession(w http.ResponseWriter, r *http.Request, result *server.EndSessionResult) error
}

// Config holds the HTTP handler configuration
type Config struct {
	// SubjectResolver authenticates users at the authorization endpoint.
	// Without one the endpoint answers server_error.
	SubjectResolver SubjectResolver

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// CORS configuration for browser-based clients
	CORS CORSConfig

	// Auditor receives rate limit events. May be nil.
	Auditor *security.Auditor

	// Instrumentation for HTTP metrics and tracing.
	// Default: no-op providers
	Instrumentation *instrumentation.Instrumentation

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the server.
	TrustedProxyCount int
}

// CORSConfig holds Cross-Origin Resource Sharing settings
type CORSConfig struct {
	// AllowedOrigins lists origins allowed to call the token, userinfo,
	// revocation and discovery endpoints. Empty disables CORS.
	AllowedOrigins []string

	// AllowCredentials sets Access-Control-Allow-Credentials.
	AllowCredentials bool

	// MaxAge is the preflight cache duration in seconds.
	// Default: 3600
	MaxAge int
}
