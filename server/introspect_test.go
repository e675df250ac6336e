package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-provider/internal/testutil"
	"github.com/giantswarm/oidc-provider/protocol"
	"github.com/giantswarm/oidc-provider/validation"
)

func resourceCreds() validation.Credentials {
	return validation.Credentials{ClientID: testutil.API1, ClientSecret: testutil.ResourceSecret, Basic: true}
}

func (e *testEnv) introspect(t *testing.T, creds validation.Credentials, kv ...string) *IntrospectionResponse {
	t.Helper()
	resp, err := e.srv.Introspect(context.Background(), form(kv...), creds)
	require.NoError(t, err)
	return resp
}

func TestIntrospect_AccessToken(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	token := env.clientCredentials(t, "api1.read api2.read").AccessToken

	t.Run("api resource sees its own scopes", func(t *testing.T) {
		resp := env.introspect(t, resourceCreds(), "token", token)
		require.True(t, resp.Active)
		assert.Equal(t, "api1.read", resp.Claims[protocol.ClaimScope])
		assert.Equal(t, testutil.ServiceClient, resp.Claims[protocol.ClaimClientID])
		assert.Equal(t, protocol.TokenTypeAccess, resp.Claims["token_type"])
	})

	t.Run("owning client sees all scopes", func(t *testing.T) {
		resp := env.introspect(t, basic(testutil.ServiceClient), "token", token)
		require.True(t, resp.Active)
		assert.Equal(t, "api1.read api2.read", resp.Claims[protocol.ClaimScope])
	})

	t.Run("other client", func(t *testing.T) {
		resp := env.introspect(t, basic(testutil.WebClient), "token", token)
		assert.False(t, resp.Active)
	})

	t.Run("garbage", func(t *testing.T) {
		resp := env.introspect(t, resourceCreds(), "token", "not-a-token")
		assert.False(t, resp.Active)
	})

	t.Run("expired", func(t *testing.T) {
		env.clock.Step(2 * time.Hour)
		resp := env.introspect(t, resourceCreds(), "token", token)
		assert.False(t, resp.Active)
	})
}

func TestIntrospect_ResourceWithoutMatchingScopes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	token := env.clientCredentials(t, "api2.read").AccessToken
	resp := env.introspect(t, resourceCreds(), "token", token)
	assert.False(t, resp.Active)
}

func TestIntrospect_RefreshToken(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	tokens := env.codeFlow(t, "openid offline_access api1.read")

	resp := env.introspect(t, basic(testutil.WebClient), "token", tokens.RefreshToken, "token_type_hint", protocol.TokenTypeRefresh)
	require.True(t, resp.Active)
	assert.Equal(t, "alice", resp.Claims[protocol.ClaimSubject])
	assert.Equal(t, protocol.TokenTypeRefresh, resp.Claims["token_type"])
	assert.Equal(t, testutil.Issuer, resp.Claims[protocol.ClaimIssuer])

	// Without a hint the refresh token is still found after the access check.
	resp = env.introspect(t, basic(testutil.WebClient), "token", tokens.RefreshToken)
	assert.True(t, resp.Active)

	// API resources never see refresh tokens.
	resp = env.introspect(t, resourceCreds(), "token", tokens.RefreshToken)
	assert.False(t, resp.Active)

	_, err := env.srv.Token(context.Background(), form(
		"grant_type", protocol.GrantTypeRefreshToken,
		"refresh_token", tokens.RefreshToken,
	), basic(testutil.WebClient), "")
	require.NoError(t, err)

	resp = env.introspect(t, basic(testutil.WebClient), "token", tokens.RefreshToken)
	assert.False(t, resp.Active, "rotated refresh tokens are inactive")
}

func TestIntrospect_Authentication(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	_, err := env.srv.Introspect(context.Background(), form("token", "x"),
		validation.Credentials{ClientID: testutil.API1, ClientSecret: "wrong", Basic: true})
	assert.Equal(t, protocol.KindInvalidClient, protocol.KindOf(err))

	_, err = env.srv.Introspect(context.Background(), form("token", "x", "client_id", testutil.SPAClient), validation.Credentials{})
	assert.Equal(t, protocol.KindInvalidClient, protocol.KindOf(err))
}

func TestIntrospectionResponse_MarshalJSON(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(&IntrospectionResponse{Claims: map[string]any{"sub": "alice"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"active":false}`, string(raw))

	raw, err = json.Marshal(&IntrospectionResponse{Active: true, Claims: map[string]any{"sub": "alice"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"active":true,"sub":"alice"}`, string(raw))
}
