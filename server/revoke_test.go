package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-provider/internal/testutil"
	"github.com/giantswarm/oidc-provider/protocol"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/validation"
)

func (e *testEnv) revoke(t *testing.T, creds validation.Credentials, kv ...string) {
	t.Helper()
	require.NoError(t, e.srv.Revoke(context.Background(), form(kv...), creds, "192.0.2.10"))
}

func TestRevoke_RefreshTokenRevokesLineage(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	tokens := env.codeFlow(t, "openid offline_access api1.read")
	rec, err := env.store.GetRefreshToken(ctx, tokens.RefreshToken)
	require.NoError(t, err)

	env.revoke(t, basic(testutil.WebClient), "token", tokens.RefreshToken, "token_type_hint", protocol.TokenTypeRefresh)

	_, err = env.store.GetRefreshToken(ctx, tokens.RefreshToken)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	revoked, err := env.store.IsLineageRevoked(ctx, rec.LineageID)
	require.NoError(t, err)
	assert.True(t, revoked)

	_, err = env.srv.Token(ctx, form(
		"grant_type", protocol.GrantTypeRefreshToken,
		"refresh_token", tokens.RefreshToken,
	), basic(testutil.WebClient), "")
	assert.Equal(t, protocol.KindInvalidGrant, protocol.KindOf(err))
	assert.Contains(t, env.audited(), security.EventLineageRevoked)
	assert.Contains(t, env.audited(), security.EventTokenRevoked)
}

func TestRevoke_ReUseRefreshTokenIsRemoved(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	tokens := env.passwordGrant(t, "offline_access api1.read")
	env.revoke(t, basic(testutil.NativeClient), "token", tokens.RefreshToken)

	_, err := env.store.GetRefreshToken(context.Background(), tokens.RefreshToken)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRevoke_SelfContainedAccessToken(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	tokens := env.clientCredentials(t, "api1.read")
	res, err := env.srv.TokenValidator().ValidateAccessToken(ctx, tokens.AccessToken, testutil.API1)
	require.NoError(t, err)

	env.revoke(t, basic(testutil.ServiceClient), "token", tokens.AccessToken)

	revoked, err := env.store.IsTokenIDRevoked(ctx, res.JWTID)
	require.NoError(t, err)
	assert.True(t, revoked)

	_, err = env.srv.TokenValidator().ValidateAccessToken(ctx, tokens.AccessToken, testutil.API1)
	assert.Equal(t, protocol.KindInvalidToken, protocol.KindOf(err))
}

func TestRevoke_ReferenceAccessToken(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	tokens := env.passwordGrant(t, "api1.read")
	env.revoke(t, basic(testutil.NativeClient), "token", tokens.AccessToken, "token_type_hint", protocol.TokenTypeAccess)

	_, err := env.store.GetReferenceToken(context.Background(), tokens.AccessToken)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRevoke_SignedRefreshToken(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	// The spa client issues rt+jwt refresh tokens; revocation must resolve
	// them as refresh tokens, not as self-contained access tokens.
	challenge, verifier := testutil.PKCEPair()
	req, err := env.srv.ValidateAuthorizeRequest(ctx, form(
		"client_id", testutil.SPAClient,
		"redirect_uri", "http://127.0.0.1:8400/callback",
		"response_type", "code",
		"scope", "openid offline_access api1.read",
		"code_challenge", challenge,
		"code_challenge_method", protocol.PKCEMethodS256,
	))
	require.NoError(t, err)
	redirect, err := env.srv.IssueAuthorizationCode(ctx, req, alice)
	require.NoError(t, err)

	code := mustQuery(t, redirect).Get("code")
	tokens, err := env.srv.Token(ctx, form(
		"grant_type", protocol.GrantTypeAuthorizationCode,
		"client_id", testutil.SPAClient,
		"code", code,
		"redirect_uri", "http://127.0.0.1:8400/callback",
		"code_verifier", verifier,
	), validation.Credentials{}, "")
	require.NoError(t, err)
	require.Contains(t, tokens.RefreshToken, ".")

	handle, err := env.srv.TokenValidator().RefreshHandle(ctx, tokens.RefreshToken)
	require.NoError(t, err)
	rec, err := env.store.GetRefreshToken(ctx, handle)
	require.NoError(t, err)

	env.revoke(t, validation.Credentials{}, "client_id", testutil.SPAClient, "token", tokens.RefreshToken)

	_, err = env.store.GetRefreshToken(ctx, handle)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	revoked, err := env.store.IsLineageRevoked(ctx, rec.LineageID)
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestRevoke_IgnoresForeignAndUnknownTokens(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	tokens := env.clientCredentials(t, "api1.read")

	env.revoke(t, basic(testutil.WebClient), "token", tokens.AccessToken)
	_, err := env.srv.TokenValidator().ValidateAccessToken(ctx, tokens.AccessToken, testutil.API1)
	assert.NoError(t, err, "another client's revocation has no effect")

	env.revoke(t, basic(testutil.WebClient), "token", "unknown-token")
	env.revoke(t, basic(testutil.WebClient), "token", "a.b.c")
	assert.NotContains(t, env.audited(), security.EventTokenRevoked)
}

func TestRevoke_Rejections(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	err := env.srv.Revoke(ctx, form("token", "x"),
		validation.Credentials{ClientID: testutil.WebClient, ClientSecret: "wrong", Basic: true}, "")
	assert.Equal(t, protocol.KindInvalidClient, protocol.KindOf(err))
	assert.Contains(t, env.audited(), security.EventAuthFailure)

	err = env.srv.Revoke(ctx, form(), basic(testutil.WebClient), "")
	assert.Equal(t, protocol.KindInvalidRequest, protocol.KindOf(err))
}
