package security

// Audit event types.
const (
	// Issuance

	// EventTokenIssued is logged when the token endpoint issues tokens
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is redeemed
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked at the revocation endpoint
	EventTokenRevoked = "token_revoked"

	// EventLineageRevoked is logged when a whole refresh lineage is revoked
	EventLineageRevoked = "lineage_revoked"

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventDeviceAuthorized is logged when a user approves a device code
	EventDeviceAuthorized = "device_authorized"

	// EventDeviceDenied is logged when a user denies a device code
	EventDeviceDenied = "device_denied"

	// EventEndSession is logged when a session ends at the end-session endpoint
	EventEndSession = "end_session"

	// Security violations

	// EventAuthFailure is logged when client or resource owner authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when a code_verifier does not match
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventAuthorizationCodeReuseDetected is logged when a consumed code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventRefreshTokenReuseDetected is logged when a superseded refresh token is presented
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event name, not a credential

	// EventRevokedLineageAccess is logged when a token from a revoked lineage is presented
	EventRevokedLineageAccess = "revoked_lineage_access"

	// EventInvalidRedirect is logged when an unregistered redirect URI is presented
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when a refresh asks for scopes beyond the original grant
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// Operations

	// EventRegistryReloaded is logged after the client registry is swapped
	EventRegistryReloaded = "registry_reloaded"
)
