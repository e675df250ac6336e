package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/storage"
)

const (
	// handleLogLength is the number of characters of a handle included in logs
	handleLogLength = 8

	// DefaultLineageRetention is how long a revoked lineage marker is kept. It must
	// outlive the longest refresh token lifetime.
	DefaultLineageRetention = 90 * 24 * time.Hour

	// expiredReferenceRetention keeps expired reference tokens around briefly so
	// that validation reports them as expired rather than unknown.
	expiredReferenceRetention = time.Hour
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	codes           map[string]*storage.AuthorizationCode
	deviceCodes     map[string]*storage.DeviceCode
	userCodes       map[string]string // user code -> device code
	refreshTokens   map[string]*storage.RefreshToken
	revokedLineages map[string]time.Time
	referenceTokens map[string]*storage.ReferenceToken
	revokedIDs      map[string]time.Time // jti -> token expiry
	replay          map[string]time.Time // purpose + value -> expiry

	clock            clock.PassiveClock
	lineageRetention time.Duration

	// Instrumentation
	obs            instrumentation.StorageObserver
	codesCount     atomic.Int64
	refreshCount   atomic.Int64
	referenceCount atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store with a cleanup interval of one minute.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, one minute is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		codes:            make(map[string]*storage.AuthorizationCode),
		deviceCodes:      make(map[string]*storage.DeviceCode),
		userCodes:        make(map[string]string),
		refreshTokens:    make(map[string]*storage.RefreshToken),
		revokedLineages:  make(map[string]time.Time),
		referenceTokens:  make(map[string]*storage.ReferenceToken),
		revokedIDs:       make(map[string]time.Time),
		replay:           make(map[string]time.Time),
		clock:            clock.RealClock{},
		lineageRetention: DefaultLineageRetention,
		cleanupInterval:  cleanupInterval,
		stopCleanup:      make(chan struct{}),
		logger:           slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock replaces the clock used for cleanup and replay expiry.
func (s *Store) SetClock(c clock.PassiveClock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = c
}

// SetLineageRetention sets how long revoked lineage markers are retained.
func (s *Store) SetLineageRetention(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lineageRetention = d
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.obs = instrumentation.NewStorageObserver(inst, "memory", storage.ErrNotFound, storage.ErrAlreadyConsumed)
	s.codesCount.Store(int64(len(s.codes) + len(s.deviceCodes)))
	s.refreshCount.Store(int64(len(s.refreshTokens)))
	s.referenceCount.Store(int64(len(s.referenceTokens)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			s.codesCount.Load,
			s.refreshCount.Load,
			s.referenceCount.Load,
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// AuthorizationCodeStore
// ============================================================

// SaveAuthorizationCode stores a new authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	_, done := s.obs.Start(ctx, "save_authorization_code")
	defer done(&err)

	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[code.Code]; exists {
		return storage.ErrAlreadyExists
	}
	s.codes[code.Code] = code.Clone()
	s.codesCount.Add(1)
	return nil
}

// ConsumeAuthorizationCode atomically marks the code consumed.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (_ *storage.AuthorizationCode, err error) {
	_, done := s.obs.Start(ctx, "consume_authorization_code")
	defer done(&err)

	s.mu.Lock() // write lock: check-and-set
	defer s.mu.Unlock()

	stored, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if stored.Consumed() {
		return stored.Clone(), storage.ErrAlreadyConsumed
	}

	stored.ConsumedAt = now
	s.logger.Debug("Marked authorization code as consumed",
		"code_prefix", util.SafeTruncate(code, handleLogLength))
	return stored.Clone(), nil
}

// ============================================================
// DeviceCodeStore
// ============================================================

// SaveDeviceCode stores a new device authorization
func (s *Store) SaveDeviceCode(ctx context.Context, code *storage.DeviceCode) (err error) {
	_, done := s.obs.Start(ctx, "save_device_code")
	defer done(&err)

	if code == nil || code.DeviceCode == "" || code.UserCode == "" {
		return fmt.Errorf("device code and user code cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.deviceCodes[code.DeviceCode]; exists {
		return storage.ErrAlreadyExists
	}
	if _, exists := s.userCodes[code.UserCode]; exists {
		return storage.ErrAlreadyExists
	}
	s.deviceCodes[code.DeviceCode] = code.Clone()
	s.userCodes[code.UserCode] = code.DeviceCode
	s.codesCount.Add(1)
	return nil
}

// GetDeviceCodeByUserCode looks up a device authorization by user code
func (s *Store) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (_ *storage.DeviceCode, err error) {
	_, done := s.obs.Start(ctx, "get_device_code")
	defer done(&err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	dc, ok := s.deviceCodes[s.userCodes[userCode]]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return dc.Clone(), nil
}

// RecordDevicePoll records a poll and returns the state before it
func (s *Store) RecordDevicePoll(ctx context.Context, deviceCode string, now time.Time) (_ *storage.DeviceCode, err error) {
	_, done := s.obs.Start(ctx, "record_device_poll")
	defer done(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	dc, ok := s.deviceCodes[deviceCode]
	if !ok {
		return nil, storage.ErrNotFound
	}
	before := dc.Clone()
	dc.LastPolledAt = now
	return before, nil
}

// DecideDeviceCode records the resource owner's decision on a pending authorization
func (s *Store) DecideDeviceCode(ctx context.Context, userCode string, decision storage.DeviceDecision) (err error) {
	_, done := s.obs.Start(ctx, "decide_device_code")
	defer done(&err)

	if decision.Status != storage.DeviceCodeAuthorized && decision.Status != storage.DeviceCodeDenied {
		return fmt.Errorf("%w: decision must be authorized or denied", storage.ErrInvalidState)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dc, ok := s.deviceCodes[s.userCodes[userCode]]
	if !ok {
		return storage.ErrNotFound
	}
	if dc.Status != storage.DeviceCodePending {
		return storage.ErrInvalidState
	}

	dc.Status = decision.Status
	if decision.Status == storage.DeviceCodeAuthorized {
		dc.Subject = decision.Subject
		dc.Subject.Claims = slices.Clone(decision.Subject.Claims)
		if len(decision.Scopes) > 0 {
			dc.Scopes = slices.Clone(decision.Scopes)
		}
	}
	return nil
}

// ConsumeDeviceCode atomically marks an authorized device code as redeemed
func (s *Store) ConsumeDeviceCode(ctx context.Context, deviceCode string, now time.Time) (_ *storage.DeviceCode, err error) {
	_, done := s.obs.Start(ctx, "consume_device_code")
	defer done(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	dc, ok := s.deviceCodes[deviceCode]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if dc.Consumed() {
		return dc.Clone(), storage.ErrAlreadyConsumed
	}
	if dc.Status != storage.DeviceCodeAuthorized {
		return nil, storage.ErrInvalidState
	}
	dc.ConsumedAt = now
	return dc.Clone(), nil
}

// ============================================================
// RefreshTokenStore
// ============================================================

// SaveRefreshToken stores a new refresh token
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	_, done := s.obs.Start(ctx, "save_refresh_token")
	defer done(&err)

	if token == nil || token.Handle == "" {
		return fmt.Errorf("refresh token handle cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.refreshTokens[token.Handle]; exists {
		return storage.ErrAlreadyExists
	}
	s.refreshTokens[token.Handle] = token.Clone()
	s.refreshCount.Add(1)
	return nil
}

// GetRefreshToken returns a stored refresh token
func (s *Store) GetRefreshToken(ctx context.Context, handle string) (_ *storage.RefreshToken, err error) {
	_, done := s.obs.Start(ctx, "get_refresh_token")
	defer done(&err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rt, ok := s.refreshTokens[handle]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rt.Clone(), nil
}

// ConsumeRefreshToken atomically marks the token as rotated away
func (s *Store) ConsumeRefreshToken(ctx context.Context, handle string, now time.Time) (_ *storage.RefreshToken, err error) {
	_, done := s.obs.Start(ctx, "consume_refresh_token")
	defer done(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.refreshTokens[handle]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if rt.Consumed() {
		return rt.Clone(), storage.ErrAlreadyConsumed
	}
	rt.ConsumedAt = now
	return rt.Clone(), nil
}

// RemoveRefreshToken deletes a refresh token
func (s *Store) RemoveRefreshToken(ctx context.Context, handle string) (err error) {
	_, done := s.obs.Start(ctx, "remove_refresh_token")
	defer done(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refreshTokens[handle]; ok {
		delete(s.refreshTokens, handle)
		s.refreshCount.Add(-1)
	}
	return nil
}

// RevokeLineage marks every refresh token of the lineage as void
func (s *Store) RevokeLineage(ctx context.Context, lineageID string) (err error) {
	_, done := s.obs.Start(ctx, "revoke_lineage")
	defer done(&err)

	if lineageID == "" {
		return fmt.Errorf("lineage id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, already := s.revokedLineages[lineageID]; !already {
		s.revokedLineages[lineageID] = s.clock.Now()
	}

	removed := 0
	for handle, rt := range s.refreshTokens {
		if rt.LineageID == lineageID {
			delete(s.refreshTokens, handle)
			removed++
		}
	}
	s.refreshCount.Add(int64(-removed))

	s.logger.Debug("Revoked refresh token lineage",
		"lineage_id", lineageID,
		"tokens_removed", removed)
	return nil
}

// IsLineageRevoked reports whether the lineage was revoked
func (s *Store) IsLineageRevoked(ctx context.Context, lineageID string) (_ bool, err error) {
	_, done := s.obs.Start(ctx, "is_lineage_revoked")
	defer done(&err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, revoked := s.revokedLineages[lineageID]
	return revoked, nil
}

// ============================================================
// ReferenceTokenStore
// ============================================================

// SaveReferenceToken stores a reference token
func (s *Store) SaveReferenceToken(ctx context.Context, token *storage.ReferenceToken) (err error) {
	_, done := s.obs.Start(ctx, "save_reference_token")
	defer done(&err)

	if token == nil || token.Handle == "" {
		return fmt.Errorf("reference token handle cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.referenceTokens[token.Handle]; exists {
		return storage.ErrAlreadyExists
	}
	s.referenceTokens[token.Handle] = token.Clone()
	s.referenceCount.Add(1)
	return nil
}

// GetReferenceToken returns a reference token
func (s *Store) GetReferenceToken(ctx context.Context, handle string) (_ *storage.ReferenceToken, err error) {
	_, done := s.obs.Start(ctx, "get_reference_token")
	defer done(&err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rt, ok := s.referenceTokens[handle]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rt.Clone(), nil
}

// RemoveReferenceToken deletes a reference token
func (s *Store) RemoveReferenceToken(ctx context.Context, handle string) (err error) {
	_, done := s.obs.Start(ctx, "remove_reference_token")
	defer done(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.referenceTokens[handle]; ok {
		delete(s.referenceTokens, handle)
		s.referenceCount.Add(-1)
	}
	return nil
}

// ============================================================
// RevocationStore and ReplayCache
// ============================================================

// RevokeTokenID adds a self-contained token id to the revocation list
func (s *Store) RevokeTokenID(ctx context.Context, jti string, expiresAt time.Time) (err error) {
	_, done := s.obs.Start(ctx, "revoke_token_id")
	defer done(&err)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokedIDs[jti] = expiresAt
	return nil
}

// IsTokenIDRevoked reports whether a token id is on the revocation list
func (s *Store) IsTokenIDRevoked(ctx context.Context, jti string) (_ bool, err error) {
	_, done := s.obs.Start(ctx, "is_token_id_revoked")
	defer done(&err)

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, revoked := s.revokedIDs[jti]
	return revoked, nil
}

// MarkUsed records a single-use value
func (s *Store) MarkUsed(ctx context.Context, purpose, value string, expiresAt time.Time) (_ bool, err error) {
	_, done := s.obs.Start(ctx, "mark_used")
	defer done(&err)

	key := purpose + "\x00" + value

	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, seen := s.replay[key]; seen && s.clock.Now().Before(exp) {
		return false, nil
	}
	s.replay[key] = expiresAt
	return true, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

// Cleanup removes expired entries. It runs periodically and may be called directly.
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	cleaned := 0

	for code, ac := range s.codes {
		if ac.IsExpired(now) {
			delete(s.codes, code)
			s.codesCount.Add(-1)
			cleaned++
		}
	}

	for deviceCode, dc := range s.deviceCodes {
		if dc.IsExpired(now) {
			delete(s.deviceCodes, deviceCode)
			delete(s.userCodes, dc.UserCode)
			s.codesCount.Add(-1)
			cleaned++
		}
	}

	for handle, rt := range s.refreshTokens {
		if rt.IsExpired(now) {
			delete(s.refreshTokens, handle)
			s.refreshCount.Add(-1)
			cleaned++
		}
	}

	for handle, rt := range s.referenceTokens {
		if now.After(rt.ExpiresAt.Add(expiredReferenceRetention)) {
			delete(s.referenceTokens, handle)
			s.referenceCount.Add(-1)
			cleaned++
		}
	}

	for jti, exp := range s.revokedIDs {
		if now.After(exp) {
			delete(s.revokedIDs, jti)
			cleaned++
		}
	}

	for key, exp := range s.replay {
		if now.After(exp) {
			delete(s.replay, key)
			cleaned++
		}
	}

	threshold := now.Add(-s.lineageRetention)
	for lineage, revokedAt := range s.revokedLineages {
		if revokedAt.Before(threshold) {
			delete(s.revokedLineages, lineage)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}
