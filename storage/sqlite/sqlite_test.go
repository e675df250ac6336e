package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/storage/storagetest"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: path, CleanupInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return openTestStore(t, filepath.Join(t.TempDir(), "oidc.db"))
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return newTestStore(t)
	})
}

func TestConformance_Encrypted(t *testing.T) {
	key, err := security.GenerateKey()
	require.NoError(t, err)
	enc, err := security.NewEncryptor(key)
	require.NoError(t, err)

	storagetest.Run(t, func(t *testing.T) storage.Store {
		s := newTestStore(t)
		s.SetEncryptor(enc)
		return s
	})
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)

	_, err = Open(context.Background(), Config{Path: ":memory:"})
	assert.Error(t, err)
}

func TestOpen_PersistsAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "oidc.db")

	first, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)

	rt := storagetest.NewRefreshToken()
	require.NoError(t, first.SaveRefreshToken(ctx, rt))
	_, err = first.ConsumeRefreshToken(ctx, rt.Handle, storagetest.Now)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// migrations are idempotent on reopen
	second := openTestStore(t, path)
	got, err := second.GetRefreshToken(ctx, rt.Handle)
	require.NoError(t, err)
	assert.True(t, got.Consumed())
	assert.True(t, got.ConsumedAt.Equal(storagetest.Now))
}

func TestStore_Cleanup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	fake := clocktesting.NewFakePassiveClock(storagetest.Now)
	s.SetClock(fake)

	code := storagetest.NewAuthorizationCode()
	rt := storagetest.NewRefreshToken()
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))
	require.NoError(t, s.SaveRefreshToken(ctx, rt))
	require.NoError(t, s.RevokeTokenID(ctx, "jti", storagetest.Now.Add(time.Minute)))
	require.NoError(t, s.RevokeLineage(ctx, "lineage"))

	require.NoError(t, s.Cleanup(ctx))
	_, err := s.GetRefreshToken(ctx, rt.Handle)
	require.NoError(t, err)

	fake.SetTime(storagetest.Now.Add(DefaultLineageRetention + time.Hour))
	require.NoError(t, s.Cleanup(ctx))

	_, err = s.ConsumeAuthorizationCode(ctx, code.Code, fake.Now())
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetRefreshToken(ctx, rt.Handle)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	revoked, err := s.IsTokenIDRevoked(ctx, "jti")
	require.NoError(t, err)
	assert.False(t, revoked)
	revoked, err = s.IsLineageRevoked(ctx, "lineage")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestStore_ReplayExpires(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	fake := clocktesting.NewFakePassiveClock(storagetest.Now)
	s.SetClock(fake)

	ok, err := s.MarkUsed(ctx, "client_assertion", "jti", storagetest.Now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkUsed(ctx, "client_assertion", "jti", storagetest.Now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	fake.SetTime(storagetest.Now.Add(2 * time.Minute))
	ok, err = s.MarkUsed(ctx, "client_assertion", "jti", storagetest.Now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_PayloadBoundToRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key, _ := security.GenerateKey()
	enc, _ := security.NewEncryptor(key)
	s.SetEncryptor(enc)

	a := storagetest.NewRefreshToken()
	b := storagetest.NewRefreshToken()
	require.NoError(t, s.SaveRefreshToken(ctx, a))
	require.NoError(t, s.SaveRefreshToken(ctx, b))

	// swap a's sealed payload into b's row
	_, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET payload = (SELECT payload FROM refresh_tokens WHERE lineage_id = ?) WHERE lineage_id = ?`,
		a.LineageID, b.LineageID)
	require.NoError(t, err)

	_, err = s.GetRefreshToken(ctx, b.Handle)
	assert.ErrorIs(t, err, security.ErrDecrypt)
}
