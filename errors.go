package oauth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/oidc-provider/protocol"
	"github.com/giantswarm/oidc-provider/server"
)

// OAuth error codes as written on the wire
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeInvalidTarget        = "invalid_target"
	ErrorCodeInvalidToken         = "invalid_token"
	ErrorCodeInsufficientScope    = "insufficient_scope"
	ErrorCodeUnauthorizedClient   = "unauthorized_client"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeAuthorizationPending = "authorization_pending"
	ErrorCodeSlowDown             = "slow_down"
	ErrorCodeExpiredToken         = "expired_token"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeServerError          = "server_error"
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"
)

// serverErrorDescription replaces the description of internal failures so
// storage or key errors never reach the client.
const serverErrorDescription = "The server encountered an unexpected condition"

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// ToOAuthError maps a pipeline error onto its wire code and HTTP status.
// Errors without a protocol kind become server_error.
func ToOAuthError(err error) *OAuthError {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe
	}

	desc := ""
	var pe *protocol.Error
	if errors.As(err, &pe) {
		desc = pe.Description
	}

	switch protocol.KindOf(err) {
	case protocol.KindInvalidClient:
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	case protocol.KindUnauthorizedClient:
		return NewOAuthError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
	case protocol.KindUnsupportedGrantType:
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	case protocol.KindInvalidRequest:
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	case protocol.KindInvalidGrant:
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	case protocol.KindInvalidScope:
		return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	case protocol.KindInvalidTarget:
		return NewOAuthError(ErrorCodeInvalidTarget, desc, http.StatusBadRequest)
	case protocol.KindInvalidToken, protocol.KindInvalidSignature, protocol.KindInvalidAudience:
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	case protocol.KindExpired:
		return NewOAuthError(ErrorCodeExpiredToken, desc, http.StatusBadRequest)
	case protocol.KindAuthorizationPending:
		return NewOAuthError(ErrorCodeAuthorizationPending, desc, http.StatusBadRequest)
	case protocol.KindSlowDown:
		return NewOAuthError(ErrorCodeSlowDown, desc, http.StatusBadRequest)
	case protocol.KindAccessDenied:
		if errors.Is(err, server.ErrInsufficientScope) {
			return NewOAuthError(ErrorCodeInsufficientScope, desc, http.StatusForbidden)
		}
		return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusBadRequest)
	default:
		return NewOAuthError(ErrorCodeServerError, serverErrorDescription, http.StatusInternalServerError)
	}
}

// toBearerError maps an error raised while validating a presented access
// token (RFC 6750 section 3.1). Every token failure is invalid_token.
func toBearerError(err error) *OAuthError {
	switch protocol.KindOf(err) {
	case protocol.KindExpired, protocol.KindInvalidToken, protocol.KindInvalidSignature, protocol.KindInvalidAudience:
		oe := ToOAuthError(err)
		return NewOAuthError(ErrorCodeInvalidToken, oe.Description, http.StatusUnauthorized)
	default:
		return ToOAuthError(err)
	}
}
