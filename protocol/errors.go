// Package protocol holds the vocabulary shared by every layer of the provider:
// the rejection taxonomy, grant type identifiers, and reserved claim names.
package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies a rejection produced anywhere in the issuance or validation pipeline.
type Kind int

// Rejection kinds. The zero value is KindServerError so that an unclassified
// error never masquerades as a protocol rejection.
const (
	KindServerError Kind = iota
	KindInvalidClient
	KindUnauthorizedClient
	KindUnsupportedGrantType
	KindInvalidRequest
	KindInvalidGrant
	KindInvalidScope
	KindInvalidTarget
	KindInvalidToken
	KindInvalidSignature
	KindExpired
	KindInvalidAudience
	KindAuthorizationPending
	KindSlowDown
	KindAccessDenied
)

var kindNames = map[Kind]string{
	KindServerError:          "ServerError",
	KindInvalidClient:        "InvalidClient",
	KindUnauthorizedClient:   "UnauthorizedClient",
	KindUnsupportedGrantType: "UnsupportedGrantType",
	KindInvalidRequest:       "InvalidRequest",
	KindInvalidGrant:         "InvalidGrant",
	KindInvalidScope:         "InvalidScope",
	KindInvalidTarget:        "InvalidTarget",
	KindInvalidToken:         "InvalidToken",
	KindInvalidSignature:     "InvalidSignature",
	KindExpired:              "Expired",
	KindInvalidAudience:      "InvalidAudience",
	KindAuthorizationPending: "AuthorizationPending",
	KindSlowDown:             "SlowDown",
	KindAccessDenied:         "AccessDenied",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a structured rejection. Description is safe to return to callers;
// Cause is kept for logging only and is never serialized.
type Error struct {
	Kind        Kind
	Description string
	Cause       error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

// Unwrap exposes the internal cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Description == ""
}

// NewError creates a rejection of the given kind.
func NewError(kind Kind, description string) *Error {
	return &Error{Kind: kind, Description: description}
}

// WithCause returns a copy of e carrying cause for logs.
func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.Cause = cause
	return &cp
}

// Sentinels usable with errors.Is to test a kind regardless of description.
var (
	ErrInvalidClient        = &Error{Kind: KindInvalidClient}
	ErrUnauthorizedClient   = &Error{Kind: KindUnauthorizedClient}
	ErrUnsupportedGrantType = &Error{Kind: KindUnsupportedGrantType}
	ErrInvalidRequest       = &Error{Kind: KindInvalidRequest}
	ErrInvalidGrant         = &Error{Kind: KindInvalidGrant}
	ErrInvalidScope         = &Error{Kind: KindInvalidScope}
	ErrInvalidTarget        = &Error{Kind: KindInvalidTarget}
	ErrInvalidToken         = &Error{Kind: KindInvalidToken}
	ErrInvalidSignature     = &Error{Kind: KindInvalidSignature}
	ErrExpired              = &Error{Kind: KindExpired}
	ErrInvalidAudience      = &Error{Kind: KindInvalidAudience}
	ErrAuthorizationPending = &Error{Kind: KindAuthorizationPending}
	ErrSlowDown             = &Error{Kind: KindSlowDown}
	ErrAccessDenied         = &Error{Kind: KindAccessDenied}
	ErrServerError          = &Error{Kind: KindServerError}
)

// InvalidClient indicates client authentication failed
func InvalidClient(desc string) *Error { return NewError(KindInvalidClient, desc) }

// UnauthorizedClient indicates the client may not use the requested grant type
func UnauthorizedClient(desc string) *Error { return NewError(KindUnauthorizedClient, desc) }

// UnsupportedGrantType indicates the server does not know the grant type
func UnsupportedGrantType(desc string) *Error { return NewError(KindUnsupportedGrantType, desc) }

// InvalidRequest indicates a malformed request or a missing parameter
func InvalidRequest(desc string) *Error { return NewError(KindInvalidRequest, desc) }

// InvalidGrant indicates the presented grant (code, refresh token, credentials) is unusable
func InvalidGrant(desc string) *Error { return NewError(KindInvalidGrant, desc) }

// InvalidScope indicates a requested scope is unknown or not allowed
func InvalidScope(desc string) *Error { return NewError(KindInvalidScope, desc) }

// InvalidTarget indicates a resource indicator could not be resolved
func InvalidTarget(desc string) *Error { return NewError(KindInvalidTarget, desc) }

// InvalidToken indicates a presented token is malformed or unknown
func InvalidToken(desc string) *Error { return NewError(KindInvalidToken, desc) }

// InvalidSignature indicates a presented token failed signature verification
func InvalidSignature(desc string) *Error { return NewError(KindInvalidSignature, desc) }

// Expired indicates a token or device code is past its lifetime
func Expired(desc string) *Error { return NewError(KindExpired, desc) }

// InvalidAudience indicates a token was not issued for the caller or by this issuer
func InvalidAudience(desc string) *Error { return NewError(KindInvalidAudience, desc) }

// AuthorizationPending indicates the device authorization is still pending
func AuthorizationPending() *Error {
	return NewError(KindAuthorizationPending, "authorization pending")
}

// SlowDown indicates the device client polls too quickly
func SlowDown() *Error { return NewError(KindSlowDown, "polling too frequently") }

// AccessDenied indicates the resource owner denied the request
func AccessDenied(desc string) *Error { return NewError(KindAccessDenied, desc) }

// ServerError wraps an unexpected internal failure. The cause is kept for logs;
// the description is always generic.
func ServerError(cause error) *Error {
	return &Error{Kind: KindServerError, Description: "internal server error", Cause: cause}
}

// KindOf classifies err. Errors that are not protocol rejections are server errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindServerError
}

// AsError converts any error to a *Error, wrapping unknown errors as ServerError.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return ServerError(err)
}
