package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-provider/protocol"
)

func TestUserInfo(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	tokens := env.codeFlow(t, "openid profile email api1.read")

	payload, err := env.srv.UserInfo(ctx, tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "sub", payload.Keys()[0])

	got := payload.Map()
	assert.Equal(t, "alice", got["sub"])
	assert.Equal(t, "Alice Liddell", got["name"])
	assert.Equal(t, "alice@example.com", got["email"])
	assert.NotContains(t, got, "department", "api resource claims stay out of userinfo")
}

func TestUserInfo_ScopesLimitClaims(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	tokens := env.codeFlow(t, "openid api1.read")
	payload, err := env.srv.UserInfo(context.Background(), tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sub": "alice"}, payload.Map())
}

func TestUserInfo_Rejections(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	t.Run("no openid scope", func(t *testing.T) {
		tokens := env.codeFlow(t, "api1.read")
		_, err := env.srv.UserInfo(ctx, tokens.AccessToken)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInsufficientScope))
		assert.Equal(t, protocol.KindAccessDenied, protocol.KindOf(err))
	})

	t.Run("client token", func(t *testing.T) {
		tokens := env.clientCredentials(t, "api1.read")
		_, err := env.srv.UserInfo(ctx, tokens.AccessToken)
		assert.ErrorIs(t, err, ErrInsufficientScope)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := env.srv.UserInfo(ctx, "garbage")
		assert.Equal(t, protocol.KindInvalidToken, protocol.KindOf(err))
	})

	t.Run("identity token", func(t *testing.T) {
		tokens := env.codeFlow(t, "openid")
		_, err := env.srv.UserInfo(ctx, tokens.IDToken)
		assert.Equal(t, protocol.KindInvalidToken, protocol.KindOf(err))
	})

	t.Run("inactive subject", func(t *testing.T) {
		tokens := env.codeFlow(t, "openid")

		path := filepath.Join(t.TempDir(), "users.yaml")
		require.NoError(t, os.WriteFile(path, []byte("users:\n  - subject: alice\n    username: alice\n    disabled: true\n"), 0o600))
		require.NoError(t, env.users.ReloadFile(path))

		_, err := env.srv.UserInfo(ctx, tokens.AccessToken)
		assert.Equal(t, protocol.KindInvalidToken, protocol.KindOf(err))
	})
}
