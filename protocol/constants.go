package protocol

// Grant types
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypePassword          = "password"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// Response types
const (
	ResponseTypeCode = "code"
)

// Prompt values (OpenID Connect Core 1.0 section 3.1.2.1)
const (
	PromptNone    = "none"
	PromptLogin   = "login"
	PromptConsent = "consent"
)

// PKCE methods (RFC 7636)
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// Client authentication methods
const (
	AuthMethodNone              = "none"
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodPrivateKeyJWT     = "private_key_jwt"

	// ClientAssertionTypeJWTBearer is the RFC 7523 client assertion type
	ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

// Reserved scope names
const (
	ScopeOpenID        = "openid"
	ScopeOfflineAccess = "offline_access"
)

// Reserved claim types
const (
	ClaimSubject     = "sub"
	ClaimIssuer      = "iss"
	ClaimAudience    = "aud"
	ClaimExpiration  = "exp"
	ClaimNotBefore   = "nbf"
	ClaimIssuedAt    = "iat"
	ClaimJWTID       = "jti"
	ClaimClientID    = "client_id"
	ClaimScope       = "scope"
	ClaimNonce       = "nonce"
	ClaimAuthTime    = "auth_time"
	ClaimSessionID   = "sid"
	ClaimAccessHash  = "at_hash"
	ClaimAuthMethods = "amr"
	ClaimIdentityIdP = "idp"
	ClaimTokenType   = "typ"
)

// Token types produced by the provider
const (
	TokenTypeAccess   = "access_token"
	TokenTypeIdentity = "id_token"
	TokenTypeRefresh  = "refresh_token"

	// TokenTypeBearer is the token_type returned from the token endpoint
	TokenTypeBearer = "Bearer"
)

// JOSE header typ values
const (
	JWTTypeAccessToken  = "at+jwt"
	JWTTypeRefreshToken = "rt+jwt"
	JWTTypeIdentity     = "JWT"
)

// Token endpoint parameters
const (
	ParamGrantType           = "grant_type"
	ParamClientID            = "client_id"
	ParamClientSecret        = "client_secret"
	ParamClientAssertion     = "client_assertion"
	ParamClientAssertionType = "client_assertion_type"
	ParamCode                = "code"
	ParamRedirectURI         = "redirect_uri"
	ParamCodeVerifier        = "code_verifier"
	ParamCodeChallenge       = "code_challenge"
	ParamCodeChallengeMethod = "code_challenge_method"
	ParamRefreshToken        = "refresh_token"
	ParamScope               = "scope"
	ParamResource            = "resource"
	ParamUsername            = "username"
	ParamPassword            = "password"
	ParamDeviceCode          = "device_code"
	ParamResponseType        = "response_type"
	ParamState               = "state"
	ParamNonce               = "nonce"
	ParamMaxAge              = "max_age"
	ParamPrompt              = "prompt"
	ParamToken               = "token"
	ParamTokenTypeHint       = "token_type_hint"
)

// End session parameters
const (
	ParamIDTokenHint           = "id_token_hint"
	ParamPostLogoutRedirectURI = "post_logout_redirect_uri"
	ParamIssuer                = "iss"
)
