package redis

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/storage/storagetest"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewWithClient(client, Config{KeyPrefix: "test:"}), mr
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s, _ := newTestStore(t)
		return s
	})
}

func TestConformance_Encrypted(t *testing.T) {
	key, err := security.GenerateKey()
	require.NoError(t, err)
	enc, err := security.NewEncryptor(key)
	require.NoError(t, err)

	storagetest.Run(t, func(t *testing.T) storage.Store {
		s, _ := newTestStore(t)
		s.SetEncryptor(enc)
		return s
	})
}

func TestNew_ConnectsWithRetry(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := New(context.Background(), Config{Addrs: []string{mr.Addr()}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	assert.NoError(t, s.Ping(context.Background()))
	assert.Equal(t, DefaultKeyPrefix, s.prefix)
}

func TestNew_RequiresAddress(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestNew_GivesUpWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := New(ctx, Config{Addrs: []string{addr}, DialTimeout: 100 * time.Millisecond})
	assert.Error(t, err)
}

func TestStore_KeysDoNotContainHandles(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	code := storagetest.NewAuthorizationCode()
	rt := storagetest.NewRefreshToken()
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))
	require.NoError(t, s.SaveRefreshToken(ctx, rt))

	for _, k := range mr.Keys() {
		assert.True(t, strings.HasPrefix(k, "test:"), "key %q lacks prefix", k)
		assert.NotContains(t, k, code.Code)
		assert.NotContains(t, k, rt.Handle)
	}
}

func TestStore_EncryptedValuesAreOpaque(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	key, _ := security.GenerateKey()
	enc, _ := security.NewEncryptor(key)
	s.SetEncryptor(enc)

	code := storagetest.NewAuthorizationCode()
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	raw, err := mr.Get(s.handleKey(kindCode, code.Code))
	require.NoError(t, err)
	assert.NotContains(t, raw, code.ClientID)
	assert.NotContains(t, raw, code.Subject.Subject)

	// a record moved under another key no longer opens
	other := storagetest.NewAuthorizationCode()
	require.NoError(t, mr.Set(s.handleKey(kindCode, other.Code), raw))
	_, err = s.ConsumeAuthorizationCode(ctx, other.Code, storagetest.Now)
	assert.ErrorIs(t, err, security.ErrDecrypt)
}

func TestStore_TTLs(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	rt := storagetest.NewRefreshToken()
	rt.ExpiresAt = time.Now().Add(time.Hour)
	require.NoError(t, s.SaveRefreshToken(ctx, rt))

	ttl := mr.TTL(s.handleKey(kindRefresh, rt.Handle))
	assert.InDelta(t, time.Hour.Seconds(), ttl.Seconds(), 5)

	require.NoError(t, s.RevokeTokenID(ctx, "jti", time.Now().Add(-time.Minute)))
	assert.Equal(t, minTTL, mr.TTL(s.key(kindRevokedJTI, "jti")), "past expiries get the minimum TTL")

	mr.FastForward(2 * time.Hour)
	_, err := s.GetRefreshToken(ctx, rt.Handle)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_RevokeLineageRemovesMembers(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	rt := storagetest.NewRefreshToken()
	require.NoError(t, s.SaveRefreshToken(ctx, rt))
	require.NoError(t, s.RevokeLineage(ctx, rt.LineageID))

	assert.False(t, mr.Exists(s.key(kindLineageMembers, rt.LineageID)))
	_, err := s.GetRefreshToken(ctx, rt.Handle)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
