// Package mock provides a storage.Store wrapper for tests that need to inject
// failures into individual operations.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/oidc-provider/storage"
)

// Store delegates every call to Base unless the matching Func field is set.
// CallCounts records how often each operation was invoked.
type Store struct {
	Base storage.Store

	SaveAuthorizationCodeFunc    func(ctx context.Context, code *storage.AuthorizationCode) error
	ConsumeAuthorizationCodeFunc func(ctx context.Context, code string, now time.Time) (*storage.AuthorizationCode, error)
	SaveDeviceCodeFunc           func(ctx context.Context, code *storage.DeviceCode) error
	RecordDevicePollFunc         func(ctx context.Context, deviceCode string, now time.Time) (*storage.DeviceCode, error)
	ConsumeDeviceCodeFunc        func(ctx context.Context, deviceCode string, now time.Time) (*storage.DeviceCode, error)
	SaveRefreshTokenFunc         func(ctx context.Context, token *storage.RefreshToken) error
	ConsumeRefreshTokenFunc      func(ctx context.Context, handle string, now time.Time) (*storage.RefreshToken, error)
	RevokeLineageFunc            func(ctx context.Context, lineageID string) error
	SaveReferenceTokenFunc       func(ctx context.Context, token *storage.ReferenceToken) error
	GetReferenceTokenFunc        func(ctx context.Context, handle string) (*storage.ReferenceToken, error)
	RevokeTokenIDFunc            func(ctx context.Context, jti string, expiresAt time.Time) error

	mu         sync.Mutex
	callCounts map[string]int
}

var _ storage.Store = (*Store)(nil)

// New wraps base.
func New(base storage.Store) *Store {
	return &Store{Base: base, callCounts: make(map[string]int)}
}

// Calls returns how many times the named operation was invoked.
func (m *Store) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[op]
}

func (m *Store) record(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.callCounts == nil {
		m.callCounts = make(map[string]int)
	}
	m.callCounts[op]++
}

func (m *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.record("SaveAuthorizationCode")
	if m.SaveAuthorizationCodeFunc != nil {
		return m.SaveAuthorizationCodeFunc(ctx, code)
	}
	return m.Base.SaveAuthorizationCode(ctx, code)
}

func (m *Store) ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (*storage.AuthorizationCode, error) {
	m.record("ConsumeAuthorizationCode")
	if m.ConsumeAuthorizationCodeFunc != nil {
		return m.ConsumeAuthorizationCodeFunc(ctx, code, now)
	}
	return m.Base.ConsumeAuthorizationCode(ctx, code, now)
}

func (m *Store) SaveDeviceCode(ctx context.Context, code *storage.DeviceCode) error {
	m.record("SaveDeviceCode")
	if m.SaveDeviceCodeFunc != nil {
		return m.SaveDeviceCodeFunc(ctx, code)
	}
	return m.Base.SaveDeviceCode(ctx, code)
}

func (m *Store) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*storage.DeviceCode, error) {
	m.record("GetDeviceCodeByUserCode")
	return m.Base.GetDeviceCodeByUserCode(ctx, userCode)
}

func (m *Store) RecordDevicePoll(ctx context.Context, deviceCode string, now time.Time) (*storage.DeviceCode, error) {
	m.record("RecordDevicePoll")
	if m.RecordDevicePollFunc != nil {
		return m.RecordDevicePollFunc(ctx, deviceCode, now)
	}
	return m.Base.RecordDevicePoll(ctx, deviceCode, now)
}

func (m *Store) DecideDeviceCode(ctx context.Context, userCode string, decision storage.DeviceDecision) error {
	m.record("DecideDeviceCode")
	return m.Base.DecideDeviceCode(ctx, userCode, decision)
}

func (m *Store) ConsumeDeviceCode(ctx context.Context, deviceCode string, now time.Time) (*storage.DeviceCode, error) {
	m.record("ConsumeDeviceCode")
	if m.ConsumeDeviceCodeFunc != nil {
		return m.ConsumeDeviceCodeFunc(ctx, deviceCode, now)
	}
	return m.Base.ConsumeDeviceCode(ctx, deviceCode, now)
}

func (m *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	m.record("SaveRefreshToken")
	if m.SaveRefreshTokenFunc != nil {
		return m.SaveRefreshTokenFunc(ctx, token)
	}
	return m.Base.SaveRefreshToken(ctx, token)
}

func (m *Store) GetRefreshToken(ctx context.Context, handle string) (*storage.RefreshToken, error) {
	m.record("GetRefreshToken")
	return m.Base.GetRefreshToken(ctx, handle)
}

func (m *Store) ConsumeRefreshToken(ctx context.Context, handle string, now time.Time) (*storage.RefreshToken, error) {
	m.record("ConsumeRefreshToken")
	if m.ConsumeRefreshTokenFunc != nil {
		return m.ConsumeRefreshTokenFunc(ctx, handle, now)
	}
	return m.Base.ConsumeRefreshToken(ctx, handle, now)
}

func (m *Store) RemoveRefreshToken(ctx context.Context, handle string) error {
	m.record("RemoveRefreshToken")
	return m.Base.RemoveRefreshToken(ctx, handle)
}

func (m *Store) RevokeLineage(ctx context.Context, lineageID string) error {
	m.record("RevokeLineage")
	if m.RevokeLineageFunc != nil {
		return m.RevokeLineageFunc(ctx, lineageID)
	}
	return m.Base.RevokeLineage(ctx, lineageID)
}

func (m *Store) IsLineageRevoked(ctx context.Context, lineageID string) (bool, error) {
	m.record("IsLineageRevoked")
	return m.Base.IsLineageRevoked(ctx, lineageID)
}

func (m *Store) SaveReferenceToken(ctx context.Context, token *storage.ReferenceToken) error {
	m.record("SaveReferenceToken")
	if m.SaveReferenceTokenFunc != nil {
		return m.SaveReferenceTokenFunc(ctx, token)
	}
	return m.Base.SaveReferenceToken(ctx, token)
}

func (m *Store) GetReferenceToken(ctx context.Context, handle string) (*storage.ReferenceToken, error) {
	m.record("GetReferenceToken")
	if m.GetReferenceTokenFunc != nil {
		return m.GetReferenceTokenFunc(ctx, handle)
	}
	return m.Base.GetReferenceToken(ctx, handle)
}

func (m *Store) RemoveReferenceToken(ctx context.Context, handle string) error {
	m.record("RemoveReferenceToken")
	return m.Base.RemoveReferenceToken(ctx, handle)
}

func (m *Store) RevokeTokenID(ctx context.Context, jti string, expiresAt time.Time) error {
	m.record("RevokeTokenID")
	if m.RevokeTokenIDFunc != nil {
		return m.RevokeTokenIDFunc(ctx, jti, expiresAt)
	}
	return m.Base.RevokeTokenID(ctx, jti, expiresAt)
}

func (m *Store) IsTokenIDRevoked(ctx context.Context, jti string) (bool, error) {
	m.record("IsTokenIDRevoked")
	return m.Base.IsTokenIDRevoked(ctx, jti)
}

func (m *Store) MarkUsed(ctx context.Context, purpose, value string, expiresAt time.Time) (bool, error) {
	m.record("MarkUsed")
	return m.Base.MarkUsed(ctx, purpose, value, expiresAt)
}
