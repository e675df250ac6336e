package oauth

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-provider/internal/testutil"
)

func TestHeaderSubjectResolver(t *testing.T) {
	t.Parallel()
	env := newHandlerEnv(t, Config{SubjectResolver: &HeaderSubjectResolver{Clock: testutil.NewClock()}})
	challenge, _ := testutil.PKCEPair()

	t.Run("authenticated by proxy", func(t *testing.T) {
		redirect := location(t, env.get(authorizeQuery(challenge, "openid"),
			DefaultSubjectHeader, "alice",
			DefaultSessionHeader, "proxy-session"))
		assert.NotEmpty(t, redirect.Query().Get("code"))
		assert.Empty(t, redirect.Query().Get("error"))
	})

	t.Run("no subject header", func(t *testing.T) {
		redirect := location(t, env.get(authorizeQuery(challenge, "openid")))
		assert.Equal(t, ErrorCodeAccessDenied, redirect.Query().Get("error"))
	})

	t.Run("unknown subject", func(t *testing.T) {
		redirect := location(t, env.get(authorizeQuery(challenge, "openid"), DefaultSubjectHeader, "nobody"))
		assert.Equal(t, ErrorCodeAccessDenied, redirect.Query().Get("error"))
	})

	t.Run("prompt login", func(t *testing.T) {
		rr := env.get(authorizeQuery(challenge, "openid")+"&prompt=login", DefaultSubjectHeader, "alice")
		require.Equal(t, http.StatusFound, rr.Code)
		redirect := location(t, rr)
		assert.Equal(t, ErrorCodeAccessDenied, redirect.Query().Get("error"))
	})
}

func TestHeaderSubjectResolver_CustomHeaders(t *testing.T) {
	t.Parallel()
	env := newHandlerEnv(t, Config{SubjectResolver: &HeaderSubjectResolver{SubjectHeader: "Remote-User"}})
	challenge, _ := testutil.PKCEPair()

	redirect := location(t, env.get(authorizeQuery(challenge, "openid"), "Remote-User", "alice"))
	assert.NotEmpty(t, redirect.Query().Get("code"))

	redirect = location(t, env.get(authorizeQuery(challenge, "openid"), DefaultSubjectHeader, "alice"))
	assert.Equal(t, ErrorCodeAccessDenied, redirect.Query().Get("error"))
}
