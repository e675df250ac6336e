package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-provider/internal/testutil"
	"github.com/giantswarm/oidc-provider/protocol"
	"github.com/giantswarm/oidc-provider/security"
)

func TestEndSession(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	idToken := env.codeFlow(t, "openid").IDToken
	// Hints are accepted after the identity token expired.
	env.clock.Step(time.Hour)

	result, err := env.srv.EndSession(ctx, form(
		"id_token_hint", idToken,
		"post_logout_redirect_uri", testutil.LogoutURI,
		"state", "bye",
	))
	require.NoError(t, err)
	assert.Equal(t, "alice", result.Subject)
	assert.Equal(t, "sid-1", result.SessionID)
	assert.Equal(t, testutil.WebClient, result.ClientID)
	assert.Equal(t, testutil.LogoutURI+"?state=bye", result.RedirectURI)
	assert.Contains(t, env.audited(), security.EventEndSession)
}

func TestEndSession_WithoutHint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	result, err := env.srv.EndSession(context.Background(), form(
		"client_id", testutil.WebClient,
		"post_logout_redirect_uri", testutil.LogoutURI,
	))
	require.NoError(t, err)
	assert.Empty(t, result.Subject)
	assert.Equal(t, testutil.LogoutURI, result.RedirectURI)

	result, err = env.srv.EndSession(context.Background(), form())
	require.NoError(t, err)
	assert.Empty(t, result.RedirectURI)
}

func TestEndSession_Rejections(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	idToken := env.codeFlow(t, "openid").IDToken

	tests := []struct {
		name   string
		params []string
	}{
		{name: "malformed hint", params: []string{"id_token_hint", "garbage"}},
		{name: "hint for another client", params: []string{"id_token_hint", idToken, "client_id", testutil.SPAClient}},
		{name: "redirect without client", params: []string{"post_logout_redirect_uri", testutil.LogoutURI}},
		{name: "unregistered redirect", params: []string{"client_id", testutil.WebClient, "post_logout_redirect_uri", "https://evil.example.com/"}},
		{name: "unknown client", params: []string{"client_id", "nobody", "post_logout_redirect_uri", testutil.LogoutURI}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.srv.EndSession(ctx, form(tt.params...))
			assert.Equal(t, protocol.KindInvalidRequest, protocol.KindOf(err))
		})
	}

	assert.Contains(t, env.audited(), security.EventInvalidRedirect)
}
