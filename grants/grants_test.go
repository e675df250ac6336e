package grants

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/giantswarm/oidc-provider/claims"
	"github.com/giantswarm/oidc-provider/identity"
	"github.com/giantswarm/oidc-provider/internal/testutil"
	"github.com/giantswarm/oidc-provider/protocol"
	"github.com/giantswarm/oidc-provider/registry"
	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/storage/memory"
	"github.com/giantswarm/oidc-provider/tokens"
	"github.com/giantswarm/oidc-provider/validation"
)

const exchangeGrant = "urn:example:grant:exchange"

var alice = storage.SubjectContext{
	Subject:   "alice",
	SessionID: "sid-1",
	AuthTime:  testutil.Epoch,
	Claims:    []claims.Claim{claims.New("name", "Alice")},
}

type fixture struct {
	clock      *clocktesting.FakeClock
	store      *memory.Store
	users      *identity.UserStore
	service    *tokens.Service
	validator  *validation.Validator
	dispatcher *Dispatcher
}

type fixtureOptions struct {
	extensions []ExtensionGrantValidator
	noOwners   bool
	mutate     []func(*registry.Definition)
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()

	clk := testutil.NewClock()
	store := memory.New()
	store.SetClock(clk)
	t.Cleanup(store.Stop)

	hash, err := bcrypt.GenerateFromPassword([]byte("wonderland"), bcrypt.MinCost)
	require.NoError(t, err)
	users, err := identity.NewUserStore([]identity.User{
		{Subject: "alice", Username: "alice", PasswordHash: string(hash)},
		{Subject: "mallory", Username: "mallory", PasswordHash: string(hash), Disabled: true},
	}, nil)
	require.NoError(t, err)

	keyProvider := testutil.KeyProvider(t)
	service, err := tokens.NewService(tokens.Config{Issuer: testutil.Issuer, Keys: keyProvider, Clock: clk})
	require.NoError(t, err)
	tokenValidator, err := tokens.NewValidator(tokens.ValidatorConfig{
		Issuer:          testutil.Issuer,
		Keys:            keyProvider,
		ReferenceTokens: store,
		Lineages:        store,
		Revocations:     store,
		Clock:           clk,
	})
	require.NoError(t, err)

	mutate := append([]func(*registry.Definition){func(def *registry.Definition) {
		for i := range def.Clients {
			if def.Clients[i].ClientID == testutil.ServiceClient {
				def.Clients[i].AllowedGrantTypes = append(def.Clients[i].AllowedGrantTypes, exchangeGrant)
			}
		}
	}}, opts.mutate...)

	v, err := validation.NewValidator(validation.Config{
		Registry:            testutil.Registry(t, mutate...),
		ReplayCache:         store,
		ExtensionGrantTypes: []string{exchangeGrant},
		Clock:               clk,
	})
	require.NoError(t, err)

	cfg := Config{
		Codes:          store,
		DeviceCodes:    store,
		RefreshTokens:  store,
		Tokens:         tokenValidator,
		ResourceOwners: users,
		Profiles:       users,
		Extensions:     opts.extensions,
		Clock:          clk,
	}
	if opts.noOwners {
		cfg.ResourceOwners = nil
	}
	d, err := NewDispatcher(cfg)
	require.NoError(t, err)

	return &fixture{clock: clk, store: store, users: users, service: service, validator: v, dispatcher: d}
}

func (f *fixture) process(t *testing.T, creds validation.Credentials, kv ...string) (*Instruction, error) {
	t.Helper()
	params := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		params.Add(kv[i], kv[i+1])
	}
	req, err := f.validator.ValidateTokenRequest(context.Background(), params, creds)
	require.NoError(t, err)
	return f.dispatcher.Process(context.Background(), req)
}

func web() validation.Credentials {
	return validation.Credentials{ClientID: testutil.WebClient, ClientSecret: testutil.ClientSecret, Basic: true}
}

func service() validation.Credentials {
	return validation.Credentials{ClientID: testutil.ServiceClient, ClientSecret: testutil.ClientSecret, Basic: true}
}

func native() validation.Credentials {
	return validation.Credentials{ClientID: testutil.NativeClient, ClientSecret: testutil.ClientSecret, Basic: true}
}

func (f *fixture) saveCode(t *testing.T, code, challenge string, mutate ...func(*storage.AuthorizationCode)) {
	t.Helper()
	rec := &storage.AuthorizationCode{
		Code:                code,
		ClientID:            testutil.WebClient,
		Subject:             alice,
		RedirectURI:         testutil.RedirectURI,
		Scopes:              []string{"openid", "profile", "api1.read", "api2.read", "offline_access"},
		Nonce:               "n-1",
		CodeChallenge:       challenge,
		CodeChallengeMethod: protocol.PKCEMethodS256,
		CreatedAt:           f.clock.Now(),
		ExpiresAt:           f.clock.Now().Add(5 * time.Minute),
	}
	for _, m := range mutate {
		m(rec)
	}
	require.NoError(t, f.store.SaveAuthorizationCode(context.Background(), rec))
}

func (f *fixture) redeem(t *testing.T, code, verifier string, extra ...string) (*Instruction, error) {
	t.Helper()
	kv := append([]string{
		"grant_type", protocol.GrantTypeAuthorizationCode,
		"code", code,
		"redirect_uri", testutil.RedirectURI,
		"code_verifier", verifier,
	}, extra...)
	return f.process(t, web(), kv...)
}

func TestNewDispatcher(t *testing.T) {
	t.Parallel()

	_, err := NewDispatcher(Config{})
	require.Error(t, err)

	f := newFixture(t, fixtureOptions{})
	assert.Equal(t, []string{
		protocol.GrantTypeAuthorizationCode,
		protocol.GrantTypeClientCredentials,
		protocol.GrantTypePassword,
		protocol.GrantTypeRefreshToken,
		protocol.GrantTypeDeviceCode,
	}, f.dispatcher.GrantTypes())
}

func TestAuthorizationCode(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{})
	challenge, verifier := testutil.PKCEPair()
	f.saveCode(t, "code-1", challenge)

	inst, err := f.redeem(t, "code-1", verifier)
	require.NoError(t, err)

	assert.Equal(t, protocol.GrantTypeAuthorizationCode, inst.GrantType)
	assert.Equal(t, testutil.WebClient, inst.Client.ClientID)
	require.NotNil(t, inst.Subject)
	assert.Equal(t, "alice", inst.Subject.Subject)
	assert.Equal(t, "n-1", inst.Nonce)
	assert.Equal(t, CodeLineageID("code-1"), inst.LineageID)
	assert.True(t, inst.IssuesIdentityToken())
	assert.Equal(t, []string{"openid", "profile", "api1.read", "api2.read", "offline_access"}, inst.Resources.Scopes)
	assert.Equal(t, []string{testutil.API1, testutil.API2}, inst.Resources.Audiences)
	require.NotNil(t, inst.Refresh)
	assert.Zero(t, inst.Refresh.Generation)
	assert.Empty(t, inst.Refresh.Reuse)
}

func TestAuthorizationCode_Rejections(t *testing.T) {
	t.Parallel()

	challenge, verifier := testutil.PKCEPair()
	_, otherVerifier := testutil.PKCEPair()

	tests := []struct {
		name     string
		mutate   func(*storage.AuthorizationCode)
		verifier string
		extra    []string
		advance  time.Duration
		wantKind protocol.Kind
	}{
		{name: "unknown code", wantKind: protocol.KindInvalidGrant},
		{name: "expired", advance: 6 * time.Minute, verifier: verifier, wantKind: protocol.KindInvalidGrant},
		{
			name:     "issued to another client",
			mutate:   func(c *storage.AuthorizationCode) { c.ClientID = testutil.SPAClient },
			verifier: verifier,
			wantKind: protocol.KindInvalidGrant,
		},
		{
			name:     "other redirect uri",
			mutate:   func(c *storage.AuthorizationCode) { c.RedirectURI = "https://app.example.com/other" },
			verifier: verifier,
			wantKind: protocol.KindInvalidGrant,
		},
		{name: "wrong verifier", verifier: otherVerifier, wantKind: protocol.KindInvalidGrant},
		{
			name:     "resource outside the original grant",
			mutate:   func(c *storage.AuthorizationCode) { c.Resources = []string{testutil.API1} },
			verifier: verifier,
			extra:    []string{"resource", testutil.API2},
			wantKind: protocol.KindInvalidTarget,
		},
		{
			name:     "disabled subject",
			mutate:   func(c *storage.AuthorizationCode) { c.Subject.Subject = "mallory" },
			verifier: verifier,
			wantKind: protocol.KindInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, fixtureOptions{})
			code := "code-1"
			if tt.name != "unknown code" {
				var mutate []func(*storage.AuthorizationCode)
				if tt.mutate != nil {
					mutate = append(mutate, tt.mutate)
				}
				f.saveCode(t, code, challenge, mutate...)
			}
			f.clock.Step(tt.advance)

			v := tt.verifier
			if v == "" {
				v = verifier
			}
			_, err := f.redeem(t, code, v, tt.extra...)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, protocol.KindOf(err))
		})
	}
}

func TestAuthorizationCode_VerifierWithoutChallenge(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{mutate: []func(*registry.Definition){func(def *registry.Definition) {
		for i := range def.Clients {
			if def.Clients[i].ClientID == testutil.WebClient {
				def.Clients[i].RequirePKCE = false
			}
		}
	}}})
	_, verifier := testutil.PKCEPair()

	f.saveCode(t, "no-pkce", "")
	_, err := f.redeem(t, "no-pkce", verifier)
	assert.ErrorIs(t, err, protocol.ErrInvalidGrant)
}

func TestAuthorizationCode_ResourceNarrowing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{})
	challenge, verifier := testutil.PKCEPair()
	f.saveCode(t, "code-1", challenge, func(c *storage.AuthorizationCode) {
		c.Resources = []string{testutil.API1, testutil.API2}
	})

	inst, err := f.redeem(t, "code-1", verifier, "resource", testutil.API2)
	require.NoError(t, err)
	assert.Equal(t, []string{testutil.API2}, inst.Resources.Audiences)
	assert.Equal(t, []string{"openid", "profile", "api2.read", "offline_access"}, inst.Resources.Scopes)
	assert.Equal(t, []string{testutil.API1, testutil.API2}, inst.Refresh.Resources, "refresh keeps the original resources")
}

func TestAuthorizationCode_ReuseRevokesLineage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	challenge, verifier := testutil.PKCEPair()
	f.saveCode(t, "code-1", challenge)

	inst, err := f.redeem(t, "code-1", verifier)
	require.NoError(t, err)

	require.NoError(t, f.store.SaveRefreshToken(ctx, &storage.RefreshToken{
		Handle:    "rt-from-code",
		LineageID: inst.LineageID,
		ClientID:  testutil.WebClient,
		Subject:   alice,
		Scopes:    inst.Refresh.Scopes,
		CreatedAt: f.clock.Now(),
		ExpiresAt: f.clock.Now().Add(time.Hour),
	}))

	_, err = f.redeem(t, "code-1", verifier)
	assert.ErrorIs(t, err, protocol.ErrInvalidGrant)

	revoked, err := f.store.IsLineageRevoked(ctx, inst.LineageID)
	require.NoError(t, err)
	assert.True(t, revoked)

	_, err = f.store.GetRefreshToken(ctx, "rt-from-code")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAuthorizationCode_ConcurrentRedemption(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{})
	challenge, verifier := testutil.PKCEPair()
	f.saveCode(t, "race", challenge)

	const n = 20
	var wg sync.WaitGroup
	var successes, failures atomic.Int32
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			params := url.Values{
				"grant_type":    {protocol.GrantTypeAuthorizationCode},
				"code":          {"race"},
				"redirect_uri":  {testutil.RedirectURI},
				"code_verifier": {verifier},
			}
			req, err := f.validator.ValidateTokenRequest(context.Background(), params, web())
			if err != nil {
				failures.Add(1)
				return
			}
			if _, err := f.dispatcher.Process(context.Background(), req); err != nil {
				failures.Add(1)
				return
			}
			successes.Add(1)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, successes.Load())
	assert.EqualValues(t, n-1, failures.Load())
}

func (f *fixture) saveRefresh(t *testing.T, handle, clientID string, mutate ...func(*storage.RefreshToken)) *storage.RefreshToken {
	t.Helper()
	rec := &storage.RefreshToken{
		Handle:    handle,
		LineageID: "lineage-" + handle,
		ClientID:  clientID,
		Subject:   alice,
		Scopes:    []string{"openid", "profile", "api1.read", "offline_access"},
		CreatedAt: f.clock.Now(),
		ExpiresAt: f.clock.Now().Add(24 * time.Hour),
	}
	for _, m := range mutate {
		m(rec)
	}
	require.NoError(t, f.store.SaveRefreshToken(context.Background(), rec))
	return rec
}

func TestRefreshToken_Rotation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	rec := f.saveRefresh(t, "rt-1", testutil.WebClient)

	inst, err := f.process(t, web(), "grant_type", protocol.GrantTypeRefreshToken, "refresh_token", "rt-1")
	require.NoError(t, err)

	assert.Equal(t, rec.LineageID, inst.LineageID)
	require.NotNil(t, inst.Refresh)
	assert.Equal(t, 1, inst.Refresh.Generation)
	assert.Equal(t, rec.ExpiresAt, inst.Refresh.ExpiresAt, "absolute expiry is kept")
	assert.Empty(t, inst.Refresh.Reuse)
	assert.Equal(t, rec.Scopes, inst.Resources.Scopes)

	stored, err := f.store.GetRefreshToken(ctx, "rt-1")
	require.NoError(t, err)
	assert.True(t, stored.Consumed())

	t.Run("superseded token revokes the lineage", func(t *testing.T) {
		f.saveRefresh(t, "rt-2", testutil.WebClient, func(r *storage.RefreshToken) {
			r.LineageID = rec.LineageID
			r.Generation = 1
		})

		_, err := f.process(t, web(), "grant_type", protocol.GrantTypeRefreshToken, "refresh_token", "rt-1")
		assert.ErrorIs(t, err, protocol.ErrInvalidGrant)

		revoked, err := f.store.IsLineageRevoked(ctx, rec.LineageID)
		require.NoError(t, err)
		assert.True(t, revoked)

		_, err = f.process(t, web(), "grant_type", protocol.GrantTypeRefreshToken, "refresh_token", "rt-2")
		assert.ErrorIs(t, err, protocol.ErrInvalidGrant, "the successor dies with the lineage")
	})
}

func TestRefreshToken_Scopes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{})
	f.saveRefresh(t, "rt-narrow", testutil.WebClient)
	f.saveRefresh(t, "rt-wide", testutil.WebClient)

	inst, err := f.process(t, web(), "grant_type", protocol.GrantTypeRefreshToken, "refresh_token", "rt-narrow", "scope", "openid api1.read")
	require.NoError(t, err)
	assert.Equal(t, []string{"openid", "api1.read"}, inst.Resources.Scopes)
	assert.Equal(t, []string{"openid", "profile", "api1.read", "offline_access"}, inst.Refresh.Scopes)

	_, err = f.process(t, web(), "grant_type", protocol.GrantTypeRefreshToken, "refresh_token", "rt-wide", "scope", "openid api1.write")
	assert.ErrorIs(t, err, protocol.ErrInvalidScope)
}

func TestRefreshToken_Rejections(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	f.saveRefresh(t, "rt-spa", testutil.SPAClient)
	f.saveRefresh(t, "rt-expiring", testutil.WebClient, func(r *storage.RefreshToken) {
		r.ExpiresAt = f.clock.Now().Add(time.Minute)
	})
	f.saveRefresh(t, "rt-revoked", testutil.WebClient)
	require.NoError(t, f.store.RevokeLineage(ctx, "lineage-rt-revoked"))
	f.saveRefresh(t, "rt-mallory", testutil.WebClient, func(r *storage.RefreshToken) {
		r.Subject.Subject = "mallory"
	})
	f.clock.Step(2 * time.Minute)

	for _, handle := range []string{"rt-unknown", "rt-spa", "rt-expiring", "rt-revoked", "rt-mallory"} {
		t.Run(handle, func(t *testing.T) {
			_, err := f.process(t, web(), "grant_type", protocol.GrantTypeRefreshToken, "refresh_token", handle)
			assert.ErrorIs(t, err, protocol.ErrInvalidGrant)
		})
	}
}

func TestRefreshToken_ReuseClient(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{})
	f.saveRefresh(t, "rt-native", testutil.NativeClient)

	for range 2 {
		inst, err := f.process(t, native(), "grant_type", protocol.GrantTypeRefreshToken, "refresh_token", "rt-native")
		require.NoError(t, err)
		assert.Equal(t, "rt-native", inst.Refresh.Reuse)
		assert.Zero(t, inst.Refresh.Generation)
	}
}

func TestRefreshToken_SelfContained(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	snap := testutil.Snapshot(t)
	spa, ok := snap.Client(testutil.SPAClient)
	require.True(t, ok)

	issued, err := f.service.CreateRefreshToken(ctx, tokens.RefreshRequest{
		Client:  spa,
		Subject: alice,
		Scopes:  []string{"openid", "api1.read", "offline_access"},
	})
	require.NoError(t, err)
	require.NoError(t, f.store.SaveRefreshToken(ctx, issued.Record))

	public := validation.Credentials{}
	inst, err := f.process(t, public, "grant_type", protocol.GrantTypeRefreshToken,
		"refresh_token", issued.Value, "client_id", testutil.SPAClient)
	require.NoError(t, err)
	assert.Equal(t, issued.Record.LineageID, inst.LineageID)
	assert.Equal(t, 1, inst.Refresh.Generation)

	_, err = f.process(t, public, "grant_type", protocol.GrantTypeRefreshToken,
		"refresh_token", issued.Value+"x", "client_id", testutil.SPAClient)
	assert.ErrorIs(t, err, protocol.ErrInvalidGrant)
}

func TestClientCredentials(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{})
	inst, err := f.process(t, service(), "grant_type", protocol.GrantTypeClientCredentials, "scope", "api1.read")
	require.NoError(t, err)

	assert.Nil(t, inst.Subject)
	assert.Nil(t, inst.Refresh)
	assert.False(t, inst.IssuesIdentityToken())
	assert.Equal(t, []string{testutil.API1}, inst.Resources.Audiences)
}

func TestPassword(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{})

	inst, err := f.process(t, native(), "grant_type", protocol.GrantTypePassword,
		"username", "alice", "password", "wonderland", "scope", "openid api1.read offline_access")
	require.NoError(t, err)
	assert.Equal(t, "alice", inst.Subject.Subject)
	assert.NotEmpty(t, inst.LineageID)
	require.NotNil(t, inst.Refresh)
	assert.Equal(t, []string{"openid", "api1.read", "offline_access"}, inst.Refresh.Scopes)

	inst, err = f.process(t, native(), "grant_type", protocol.GrantTypePassword,
		"username", "alice", "password", "wonderland", "scope", "openid api1.read")
	require.NoError(t, err)
	assert.Nil(t, inst.Refresh, "no refresh token without offline_access")

	for _, creds := range [][2]string{{"alice", "wrong"}, {"bob", "wonderland"}, {"mallory", "wonderland"}} {
		_, err := f.process(t, native(), "grant_type", protocol.GrantTypePassword,
			"username", creds[0], "password", creds[1])
		assert.ErrorIs(t, err, protocol.ErrInvalidGrant)
	}
}

func TestPassword_NotRegisteredWithoutResourceOwners(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{noOwners: true})
	_, err := f.process(t, native(), "grant_type", protocol.GrantTypePassword, "username", "alice", "password", "wonderland")
	assert.ErrorIs(t, err, protocol.ErrUnsupportedGrantType)
}

func TestDeviceCode(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	save := func(code, user string) {
		require.NoError(t, f.store.SaveDeviceCode(ctx, &storage.DeviceCode{
			DeviceCode: code,
			UserCode:   user,
			ClientID:   testutil.DeviceClient,
			Status:     storage.DeviceCodePending,
			Scopes:     []string{"openid", "api1.read", "offline_access"},
			Interval:   5 * time.Second,
			CreatedAt:  f.clock.Now(),
			ExpiresAt:  f.clock.Now().Add(5 * time.Minute),
		}))
	}
	poll := func(code string) (*Instruction, error) {
		return f.process(t, validation.Credentials{}, "grant_type", protocol.GrantTypeDeviceCode,
			"device_code", code, "client_id", testutil.DeviceClient)
	}

	save("dc-1", "USER-0001")

	_, err := poll("dc-1")
	assert.ErrorIs(t, err, protocol.ErrAuthorizationPending)

	_, err = poll("dc-1")
	assert.ErrorIs(t, err, protocol.ErrSlowDown)

	f.clock.Step(5 * time.Second)
	require.NoError(t, f.store.DecideDeviceCode(ctx, "USER-0001", storage.DeviceDecision{
		Status:  storage.DeviceCodeAuthorized,
		Subject: alice,
	}))

	inst, err := poll("dc-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", inst.Subject.Subject)
	assert.True(t, inst.IssuesIdentityToken())
	require.NotNil(t, inst.Refresh)

	f.clock.Step(5 * time.Second)
	_, err = poll("dc-1")
	assert.ErrorIs(t, err, protocol.ErrInvalidGrant, "a device code is redeemed once")

	t.Run("denied", func(t *testing.T) {
		save("dc-2", "USER-0002")
		require.NoError(t, f.store.DecideDeviceCode(ctx, "USER-0002", storage.DeviceDecision{Status: storage.DeviceCodeDenied}))
		_, err := poll("dc-2")
		assert.ErrorIs(t, err, protocol.ErrAccessDenied)
	})

	t.Run("expired", func(t *testing.T) {
		save("dc-3", "USER-0003")
		f.clock.Step(6 * time.Minute)
		_, err := poll("dc-3")
		assert.ErrorIs(t, err, protocol.ErrExpired)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := poll("dc-unknown")
		assert.ErrorIs(t, err, protocol.ErrInvalidGrant)
	})
}

type exchangeValidator struct {
	result *ExtensionGrantResult
	err    error
}

func (exchangeValidator) GrantType() string { return exchangeGrant }

func (v exchangeValidator) Validate(context.Context, *validation.ValidatedRequest) (*ExtensionGrantResult, error) {
	return v.result, v.err
}

func TestExtensionGrant(t *testing.T) {
	t.Parallel()

	t.Run("accepted", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{extensions: []ExtensionGrantValidator{exchangeValidator{
			result: &ExtensionGrantResult{
				Scopes:         []string{"api2.read"},
				CustomResponse: map[string]any{"issued_token_type": "urn:ietf:params:oauth:token-type:access_token"},
			},
		}}})

		inst, err := f.process(t, service(), "grant_type", exchangeGrant, "scope", "api1.read api2.read")
		require.NoError(t, err)
		assert.Equal(t, exchangeGrant, inst.GrantType)
		assert.Equal(t, []string{"api2.read"}, inst.Resources.Scopes)
		assert.Equal(t, []string{testutil.API2}, inst.Resources.Audiences)
		assert.Nil(t, inst.Subject)
		assert.Contains(t, inst.CustomResponse, "issued_token_type")
	})

	t.Run("protocol rejection passes through", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{extensions: []ExtensionGrantValidator{exchangeValidator{
			err: protocol.InvalidTarget("unknown audience"),
		}}})
		_, err := f.process(t, service(), "grant_type", exchangeGrant, "scope", "api1.read")
		assert.ErrorIs(t, err, protocol.ErrInvalidTarget)
	})

	t.Run("plain error becomes invalid grant", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{extensions: []ExtensionGrantValidator{exchangeValidator{
			err: errors.New("subject token rejected"),
		}}})
		_, err := f.process(t, service(), "grant_type", exchangeGrant, "scope", "api1.read")
		assert.ErrorIs(t, err, protocol.ErrInvalidGrant)
	})

	t.Run("scope widening", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{extensions: []ExtensionGrantValidator{exchangeValidator{
			result: &ExtensionGrantResult{Scopes: []string{"api2.read"}},
		}}})
		_, err := f.process(t, service(), "grant_type", exchangeGrant, "scope", "api1.read")
		assert.ErrorIs(t, err, protocol.ErrInvalidScope)
	})

	t.Run("duplicate registration", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		_, err := NewDispatcher(Config{
			Codes:         f.store,
			DeviceCodes:   f.store,
			RefreshTokens: f.store,
			Tokens:        f.dispatcherTokens(t),
			Extensions:    []ExtensionGrantValidator{exchangeValidator{}, exchangeValidator{}},
		})
		require.Error(t, err)
	})
}

func (f *fixture) dispatcherTokens(t *testing.T) *tokens.Validator {
	t.Helper()
	v, err := tokens.NewValidator(tokens.ValidatorConfig{
		Issuer:          testutil.Issuer,
		Keys:            testutil.KeyProvider(t),
		ReferenceTokens: f.store,
		Lineages:        f.store,
		Revocations:     f.store,
	})
	require.NoError(t, err)
	return v
}
