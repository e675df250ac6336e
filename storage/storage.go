package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by every implementation. Callers test them with errors.Is.
var (
	// ErrNotFound is returned when no row exists for the identifier
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyConsumed is returned by consume operations when another caller
	// consumed the row first. The row is returned alongside for reuse detection.
	ErrAlreadyConsumed = errors.New("storage: already consumed")

	// ErrAlreadyExists is returned when saving a row whose identifier is taken
	ErrAlreadyExists = errors.New("storage: already exists")

	// ErrInvalidState is returned when a state transition is not allowed
	ErrInvalidState = errors.New("storage: invalid state transition")
)

// AuthorizationCodeStore persists single-use authorization codes.
type AuthorizationCodeStore interface {
	// SaveAuthorizationCode stores a new code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically marks the code consumed and returns it.
	// If the code was consumed before, the stored code is returned together with
	// ErrAlreadyConsumed. Expiry is not checked here.
	//
	// SECURITY: This operation MUST be atomic. Of N concurrent calls for the same
	// code exactly one may return a nil error.
	ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (*AuthorizationCode, error)
}

// DeviceCodeStore persists RFC 8628 device authorizations.
type DeviceCodeStore interface {
	// SaveDeviceCode stores a new device authorization. Both the device code and
	// the user code must be unique.
	SaveDeviceCode(ctx context.Context, code *DeviceCode) error

	// GetDeviceCodeByUserCode looks up a device authorization for the approval UI.
	GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*DeviceCode, error)

	// RecordDevicePoll atomically sets LastPolledAt to now and returns the state as
	// it was before the poll.
	RecordDevicePoll(ctx context.Context, deviceCode string, now time.Time) (*DeviceCode, error)

	// DecideDeviceCode moves a pending authorization to authorized or denied.
	// Returns ErrInvalidState if it is no longer pending.
	DecideDeviceCode(ctx context.Context, userCode string, decision DeviceDecision) error

	// ConsumeDeviceCode atomically marks an authorized device code as redeemed.
	// Returns ErrAlreadyConsumed on a second redemption.
	ConsumeDeviceCode(ctx context.Context, deviceCode string, now time.Time) (*DeviceCode, error)
}

// RefreshTokenStore persists refresh grants and their lineage.
type RefreshTokenStore interface {
	// SaveRefreshToken stores a new refresh token.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken returns a stored refresh token without changing it.
	GetRefreshToken(ctx context.Context, handle string) (*RefreshToken, error)

	// ConsumeRefreshToken atomically marks the token as rotated away and returns it.
	// A second call returns the token with ErrAlreadyConsumed.
	//
	// SECURITY: This operation MUST be atomic.
	ConsumeRefreshToken(ctx context.Context, handle string, now time.Time) (*RefreshToken, error)

	// RemoveRefreshToken deletes a refresh token. Removing an unknown handle is not an error.
	RemoveRefreshToken(ctx context.Context, handle string) error

	// RevokeLineage marks every refresh token sharing lineageID as void.
	RevokeLineage(ctx context.Context, lineageID string) error

	// IsLineageRevoked reports whether RevokeLineage was called for lineageID.
	IsLineageRevoked(ctx context.Context, lineageID string) (bool, error)
}

// ReferenceTokenStore persists access tokens issued as opaque handles.
type ReferenceTokenStore interface {
	SaveReferenceToken(ctx context.Context, token *ReferenceToken) error

	// GetReferenceToken returns the stored token, including expired ones that have
	// not been cleaned up yet. Expiry is judged by the caller.
	GetReferenceToken(ctx context.Context, handle string) (*ReferenceToken, error)

	// RemoveReferenceToken deletes a reference token. Removing an unknown handle is not an error.
	RemoveReferenceToken(ctx context.Context, handle string) error
}

// RevocationStore tracks revoked self-contained token ids (jti) until they expire.
type RevocationStore interface {
	RevokeTokenID(ctx context.Context, jti string, expiresAt time.Time) error
	IsTokenIDRevoked(ctx context.Context, jti string) (bool, error)
}

// ReplayCache remembers single-use values such as client assertion ids.
type ReplayCache interface {
	// MarkUsed records value under purpose until expiresAt. It returns false if the
	// value was already recorded and has not expired.
	MarkUsed(ctx context.Context, purpose, value string, expiresAt time.Time) (bool, error)
}

// Store is the full set of persistence operations the provider needs.
type Store interface {
	AuthorizationCodeStore
	DeviceCodeStore
	RefreshTokenStore
	ReferenceTokenStore
	RevocationStore
	ReplayCache
}
