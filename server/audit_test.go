package server

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-provider/internal/testutil"
	"github.com/giantswarm/oidc-provider/protocol"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage/memory"
	"github.com/giantswarm/oidc-provider/validation"
)

// containsAuditEvent checks if log output contains an audit event of given type
func containsAuditEvent(logOutput, eventType string) bool {
	return strings.Contains(logOutput, "security_audit") && strings.Contains(logOutput, eventType)
}

// newAuditedServer returns a server whose auditor writes to the returned
// buffer's logger.
func newAuditedServer(t *testing.T) (*Server, func() string) {
	t.Helper()
	logger, buf := captureLogger()

	store := memory.New()
	t.Cleanup(store.Stop)

	srv, err := New(Dependencies{
		Registry: testutil.Registry(t),
		Store:    store,
		Keys:     testutil.KeyProvider(t),
		Auditor:  security.NewAuditor(logger, true),
	}, &Config{Issuer: testutil.Issuer}, logger)
	require.NoError(t, err)
	return srv, buf.String
}

func TestServer_AuditLoggingAuthFailure(t *testing.T) {
	t.Parallel()
	srv, logs := newAuditedServer(t)

	_, err := srv.Token(context.Background(), form("grant_type", protocol.GrantTypeClientCredentials),
		validation.Credentials{ClientID: testutil.ServiceClient, ClientSecret: "guessed-s3cret", Basic: true}, "192.168.1.100")
	require.Error(t, err)

	out := logs()
	assert.True(t, containsAuditEvent(out, security.EventAuthFailure), out)
	assert.Contains(t, out, "client_id="+testutil.ServiceClient)
	assert.Contains(t, out, "192.168.1.100")
	assert.NotContains(t, out, "guessed-s3cret", "secrets must never be logged")
}

func TestServer_AuditLoggingTokenIssued(t *testing.T) {
	t.Parallel()
	srv, logs := newAuditedServer(t)

	resp, err := srv.Token(context.Background(), form(
		"grant_type", protocol.GrantTypeClientCredentials,
		"scope", "api1.read",
	), basic(testutil.ServiceClient), "10.0.0.1")
	require.NoError(t, err)

	out := logs()
	assert.True(t, containsAuditEvent(out, security.EventTokenIssued), out)
	assert.NotContains(t, out, resp.AccessToken, "tokens must never be logged")
}

func TestServer_AuditLoggingDisabled(t *testing.T) {
	t.Parallel()
	logger, buf := captureLogger()
	store := memory.New()
	t.Cleanup(store.Stop)

	srv, err := New(Dependencies{
		Registry: testutil.Registry(t),
		Store:    store,
		Keys:     testutil.KeyProvider(t),
		Auditor:  security.NewAuditor(logger, false),
	}, &Config{Issuer: testutil.Issuer}, logger)
	require.NoError(t, err)

	_, err = srv.Token(context.Background(), form("grant_type", protocol.GrantTypeClientCredentials),
		validation.Credentials{ClientID: testutil.ServiceClient, ClientSecret: "wrong", Basic: true}, "")
	require.Error(t, err)
	assert.False(t, containsAuditEvent(buf.String(), security.EventAuthFailure))
}
