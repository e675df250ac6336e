// Package storagetest provides a conformance suite that every storage.Store
// implementation runs from its own tests.
package storagetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-provider/claims"
	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/storage"
)

// Concurrency is the number of goroutines racing in the atomic consume checks.
const Concurrency = 32

// Factory returns a fresh, empty store. Cleanup is registered on t.
type Factory func(t *testing.T) storage.Store

// Run executes the conformance suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("AuthorizationCode", func(t *testing.T) { testAuthorizationCode(t, newStore) })
	t.Run("AuthorizationCodeConcurrentConsume", func(t *testing.T) { testConcurrentCodeConsume(t, newStore) })
	t.Run("DeviceCode", func(t *testing.T) { testDeviceCode(t, newStore) })
	t.Run("DeviceCodeConcurrentConsume", func(t *testing.T) { testConcurrentDeviceConsume(t, newStore) })
	t.Run("RefreshToken", func(t *testing.T) { testRefreshToken(t, newStore) })
	t.Run("RefreshTokenConcurrentConsume", func(t *testing.T) { testConcurrentRefreshConsume(t, newStore) })
	t.Run("Lineage", func(t *testing.T) { testLineage(t, newStore) })
	t.Run("ReferenceToken", func(t *testing.T) { testReferenceToken(t, newStore) })
	t.Run("Revocation", func(t *testing.T) { testRevocation(t, newStore) })
	t.Run("Replay", func(t *testing.T) { testReplay(t, newStore) })
}

// Now is a fixed wall time used by fixtures. Stores must not compare it to the
// real clock for consume operations.
var Now = time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

// NewAuthorizationCode returns a populated code fixture.
func NewAuthorizationCode() *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:     util.GenerateHandle(),
		ClientID: "client-a",
		Subject: storage.SubjectContext{
			Subject:   "alice",
			SessionID: "sid-1",
			AuthTime:  Now.Add(-time.Minute),
			Claims:    []claims.Claim{claims.New("email", "alice@example.com")},
		},
		RedirectURI:         "https://app.example.com/cb",
		Scopes:              []string{"openid", "api1.read"},
		Resources:           []string{"https://api1.example.com"},
		Nonce:               "n-0S6_WzA2Mj",
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: "S256",
		CreatedAt:           Now,
		ExpiresAt:           Now.Add(5 * time.Minute),
	}
}

// NewDeviceCode returns a pending device authorization fixture.
func NewDeviceCode() *storage.DeviceCode {
	return &storage.DeviceCode{
		DeviceCode: util.GenerateHandle(),
		UserCode:   util.GenerateHandle()[:8],
		ClientID:   "device-client",
		Status:     storage.DeviceCodePending,
		Scopes:     []string{"openid", "api1.read"},
		Interval:   5 * time.Second,
		CreatedAt:  Now,
		ExpiresAt:  Now.Add(5 * time.Minute),
	}
}

// NewRefreshToken returns a refresh token fixture on a fresh lineage.
func NewRefreshToken() *storage.RefreshToken {
	return &storage.RefreshToken{
		Handle:     util.GenerateHandle(),
		LineageID:  util.GenerateHandle(),
		Generation: 0,
		ClientID:   "client-a",
		Subject:    storage.SubjectContext{Subject: "alice"},
		Scopes:     []string{"openid", "offline_access"},
		CreatedAt:  Now,
		ExpiresAt:  Now.Add(24 * time.Hour),
	}
}

func testAuthorizationCode(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)

	code := NewAuthorizationCode()
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))
	assert.ErrorIs(t, s.SaveAuthorizationCode(ctx, code), storage.ErrAlreadyExists)

	_, err := s.ConsumeAuthorizationCode(ctx, "unknown", Now)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := s.ConsumeAuthorizationCode(ctx, code.Code, Now)
	require.NoError(t, err)
	assert.Equal(t, code.ClientID, got.ClientID)
	assert.Equal(t, code.Subject.Subject, got.Subject.Subject)
	assert.Equal(t, code.Subject.Claims, got.Subject.Claims)
	assert.Equal(t, code.Scopes, got.Scopes)
	assert.Equal(t, code.Resources, got.Resources)
	assert.Equal(t, code.CodeChallenge, got.CodeChallenge)
	assert.True(t, got.Consumed())

	again, err := s.ConsumeAuthorizationCode(ctx, code.Code, Now.Add(time.Second))
	require.ErrorIs(t, err, storage.ErrAlreadyConsumed)
	require.NotNil(t, again, "reuse must return the stored code for lineage revocation")
	assert.Equal(t, code.ClientID, again.ClientID)

	// expiry is the caller's concern
	expired := NewAuthorizationCode()
	expired.ExpiresAt = Now.Add(-time.Second)
	require.NoError(t, s.SaveAuthorizationCode(ctx, expired))
	got, err = s.ConsumeAuthorizationCode(ctx, expired.Code, Now)
	require.NoError(t, err)
	assert.True(t, got.IsExpired(Now))
}

func testConcurrentCodeConsume(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)

	code := NewAuthorizationCode()
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	var wins, reuses atomic.Int32
	race(Concurrency, func() {
		_, err := s.ConsumeAuthorizationCode(ctx, code.Code, Now)
		switch {
		case err == nil:
			wins.Add(1)
		case assert.ErrorIs(t, err, storage.ErrAlreadyConsumed):
			reuses.Add(1)
		}
	})

	assert.Equal(t, int32(1), wins.Load(), "exactly one consumer must win")
	assert.Equal(t, int32(Concurrency-1), reuses.Load())
}

func testDeviceCode(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)

	dc := NewDeviceCode()
	require.NoError(t, s.SaveDeviceCode(ctx, dc))

	dup := NewDeviceCode()
	dup.UserCode = dc.UserCode
	assert.ErrorIs(t, s.SaveDeviceCode(ctx, dup), storage.ErrAlreadyExists)

	got, err := s.GetDeviceCodeByUserCode(ctx, dc.UserCode)
	require.NoError(t, err)
	assert.Equal(t, dc.DeviceCode, got.DeviceCode)
	assert.Equal(t, storage.DeviceCodePending, got.Status)

	_, err = s.GetDeviceCodeByUserCode(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// first poll sees no previous poll, second sees the first
	before, err := s.RecordDevicePoll(ctx, dc.DeviceCode, Now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, before.LastPolledAt.IsZero())

	before, err = s.RecordDevicePoll(ctx, dc.DeviceCode, Now.Add(7*time.Second))
	require.NoError(t, err)
	assert.True(t, before.LastPolledAt.Equal(Now.Add(time.Second)), "got %v", before.LastPolledAt)

	_, err = s.RecordDevicePoll(ctx, "unknown", Now)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// pending codes cannot be consumed
	_, err = s.ConsumeDeviceCode(ctx, dc.DeviceCode, Now)
	assert.ErrorIs(t, err, storage.ErrInvalidState)

	err = s.DecideDeviceCode(ctx, dc.UserCode, storage.DeviceDecision{
		Status:  storage.DeviceCodeAuthorized,
		Subject: storage.SubjectContext{Subject: "bob"},
		Scopes:  []string{"openid"},
	})
	require.NoError(t, err)

	err = s.DecideDeviceCode(ctx, dc.UserCode, storage.DeviceDecision{Status: storage.DeviceCodeDenied})
	assert.ErrorIs(t, err, storage.ErrInvalidState, "decisions are final")

	got, err = s.ConsumeDeviceCode(ctx, dc.DeviceCode, Now.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, storage.DeviceCodeAuthorized, got.Status)
	assert.Equal(t, "bob", got.Subject.Subject)
	assert.Equal(t, []string{"openid"}, got.Scopes)

	_, err = s.ConsumeDeviceCode(ctx, dc.DeviceCode, Now.Add(11*time.Second))
	assert.ErrorIs(t, err, storage.ErrAlreadyConsumed)

	denied := NewDeviceCode()
	require.NoError(t, s.SaveDeviceCode(ctx, denied))
	require.NoError(t, s.DecideDeviceCode(ctx, denied.UserCode, storage.DeviceDecision{Status: storage.DeviceCodeDenied}))
	before, err = s.RecordDevicePoll(ctx, denied.DeviceCode, Now)
	require.NoError(t, err)
	assert.Equal(t, storage.DeviceCodeDenied, before.Status)
	_, err = s.ConsumeDeviceCode(ctx, denied.DeviceCode, Now)
	assert.ErrorIs(t, err, storage.ErrInvalidState)

	err = s.DecideDeviceCode(ctx, "unknown", storage.DeviceDecision{Status: storage.DeviceCodeDenied})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testConcurrentDeviceConsume(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)

	dc := NewDeviceCode()
	require.NoError(t, s.SaveDeviceCode(ctx, dc))
	require.NoError(t, s.DecideDeviceCode(ctx, dc.UserCode, storage.DeviceDecision{
		Status:  storage.DeviceCodeAuthorized,
		Subject: storage.SubjectContext{Subject: "bob"},
	}))

	var wins atomic.Int32
	race(Concurrency, func() {
		if _, err := s.ConsumeDeviceCode(ctx, dc.DeviceCode, Now); err == nil {
			wins.Add(1)
		} else {
			assert.ErrorIs(t, err, storage.ErrAlreadyConsumed)
		}
	})
	assert.Equal(t, int32(1), wins.Load())
}

func testRefreshToken(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)

	rt := NewRefreshToken()
	require.NoError(t, s.SaveRefreshToken(ctx, rt))
	assert.ErrorIs(t, s.SaveRefreshToken(ctx, rt), storage.ErrAlreadyExists)

	got, err := s.GetRefreshToken(ctx, rt.Handle)
	require.NoError(t, err)
	assert.Equal(t, rt.LineageID, got.LineageID)
	assert.False(t, got.Consumed())

	got, err = s.ConsumeRefreshToken(ctx, rt.Handle, Now)
	require.NoError(t, err)
	assert.True(t, got.Consumed())

	again, err := s.ConsumeRefreshToken(ctx, rt.Handle, Now)
	require.ErrorIs(t, err, storage.ErrAlreadyConsumed)
	require.NotNil(t, again)
	assert.Equal(t, rt.LineageID, again.LineageID)

	got, err = s.GetRefreshToken(ctx, rt.Handle)
	require.NoError(t, err)
	assert.True(t, got.Consumed(), "consumption must be visible to readers")

	require.NoError(t, s.RemoveRefreshToken(ctx, rt.Handle))
	require.NoError(t, s.RemoveRefreshToken(ctx, rt.Handle))
	_, err = s.GetRefreshToken(ctx, rt.Handle)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.ConsumeRefreshToken(ctx, "unknown", Now)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testConcurrentRefreshConsume(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)

	rt := NewRefreshToken()
	require.NoError(t, s.SaveRefreshToken(ctx, rt))

	var wins atomic.Int32
	race(Concurrency, func() {
		if _, err := s.ConsumeRefreshToken(ctx, rt.Handle, Now); err == nil {
			wins.Add(1)
		} else {
			assert.ErrorIs(t, err, storage.ErrAlreadyConsumed)
		}
	})
	assert.Equal(t, int32(1), wins.Load())
}

func testLineage(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)

	first := NewRefreshToken()
	second := NewRefreshToken()
	second.LineageID = first.LineageID
	second.Generation = 1
	other := NewRefreshToken()

	for _, rt := range []*storage.RefreshToken{first, second, other} {
		require.NoError(t, s.SaveRefreshToken(ctx, rt))
	}

	revoked, err := s.IsLineageRevoked(ctx, first.LineageID)
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, s.RevokeLineage(ctx, first.LineageID))
	require.NoError(t, s.RevokeLineage(ctx, first.LineageID), "revocation is idempotent")

	revoked, err = s.IsLineageRevoked(ctx, first.LineageID)
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = s.IsLineageRevoked(ctx, other.LineageID)
	require.NoError(t, err)
	assert.False(t, revoked)

	_, err = s.GetRefreshToken(ctx, other.Handle)
	assert.NoError(t, err, "other lineages are untouched")

	// a lineage can be revoked before any token of it is stored
	orphan := util.GenerateHandle()
	require.NoError(t, s.RevokeLineage(ctx, orphan))
	revoked, err = s.IsLineageRevoked(ctx, orphan)
	require.NoError(t, err)
	assert.True(t, revoked)
}

func testReferenceToken(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)

	ref := &storage.ReferenceToken{
		Handle:    util.GenerateHandle(),
		ClientID:  "client-a",
		Subject:   "alice",
		Issuer:    "https://issuer.example.com",
		Audiences: []string{"https://api1.example.com"},
		Scopes:    []string{"api1.read"},
		Claims: []claims.Claim{
			claims.New("role", "admin"),
			claims.NewJSON("address", `{"country":"NL"}`),
		},
		ScopesAsSpaceDelimitedString: true,
		LineageID:                    "lineage-1",
		CreatedAt:                    Now,
		ExpiresAt:                    Now.Add(time.Hour),
	}
	require.NoError(t, s.SaveReferenceToken(ctx, ref))
	assert.ErrorIs(t, s.SaveReferenceToken(ctx, ref), storage.ErrAlreadyExists)

	got, err := s.GetReferenceToken(ctx, ref.Handle)
	require.NoError(t, err)
	assert.Equal(t, ref.Audiences, got.Audiences)
	assert.Equal(t, ref.Claims, got.Claims)
	assert.True(t, got.ScopesAsSpaceDelimitedString)
	assert.True(t, got.ExpiresAt.Equal(ref.ExpiresAt))

	// expired entries are still returned so validation can report them as expired
	old := ref.Clone()
	old.Handle = util.GenerateHandle()
	old.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, s.SaveReferenceToken(ctx, old))
	_, err = s.GetReferenceToken(ctx, old.Handle)
	require.NoError(t, err)

	require.NoError(t, s.RemoveReferenceToken(ctx, ref.Handle))
	require.NoError(t, s.RemoveReferenceToken(ctx, ref.Handle))
	_, err = s.GetReferenceToken(ctx, ref.Handle)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testRevocation(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)

	revoked, err := s.IsTokenIDRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, s.RevokeTokenID(ctx, "jti-1", time.Now().Add(time.Hour)))
	require.NoError(t, s.RevokeTokenID(ctx, "jti-1", time.Now().Add(time.Hour)))

	revoked, err = s.IsTokenIDRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func testReplay(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)

	exp := time.Now().Add(time.Minute)

	first, err := s.MarkUsed(ctx, "client_assertion", "jti-1", exp)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := s.MarkUsed(ctx, "client_assertion", "jti-1", exp)
	require.NoError(t, err)
	assert.False(t, second, "replayed value must be rejected")

	other, err := s.MarkUsed(ctx, "other_purpose", "jti-1", exp)
	require.NoError(t, err)
	assert.True(t, other, "purposes are independent")

	var wins atomic.Int32
	race(Concurrency, func() {
		ok, err := s.MarkUsed(ctx, "client_assertion", "jti-race", exp)
		if assert.NoError(t, err) && ok {
			wins.Add(1)
		}
	})
	assert.Equal(t, int32(1), wins.Load())
}

// race runs fn n times concurrently, releasing all goroutines at once.
func race(n int, fn func()) {
	var (
		start = make(chan struct{})
		wg    sync.WaitGroup
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			fn()
		}()
	}
	close(start)
	wg.Wait()
}
