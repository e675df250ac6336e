package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-provider/protocol"
)

func spaClient(t *testing.T, s *Snapshot) *Client {
	t.Helper()
	c, ok := s.Client("spa")
	require.True(t, ok)
	return c
}

func TestResolveScopes(t *testing.T) {
	t.Parallel()

	s := testSnapshot(t)
	c := spaClient(t, s)

	tests := []struct {
		name       string
		requested  []string
		opts       ResolveOptions
		wantScopes []string
		wantErr    bool
	}{
		{
			name:       "identity and api scopes",
			requested:  []string{"openid", "profile", "api1.read"},
			wantScopes: []string{"openid", "profile", "api1.read"},
		},
		{
			name:       "duplicates collapse",
			requested:  []string{"api1.read", "api1.read"},
			wantScopes: []string{"api1.read"},
		},
		{
			name:       "offline access",
			requested:  []string{"openid", "offline_access"},
			wantScopes: []string{"openid", "offline_access"},
		},
		{name: "scope not allowed for client", requested: []string{"api1.write"}, wantErr: true},
		{name: "unknown scope", requested: []string{"nope"}, wantErr: true},
		{name: "identity scope without openid", requested: []string{"profile"}, wantErr: true},
		{name: "empty", requested: nil, wantErr: true},
		{name: "offline access alone", requested: []string{"offline_access"}, wantErr: true},
		{
			name:      "identity scope for client only grant",
			requested: []string{"openid"},
			opts:      ResolveOptions{ClientOnly: true},
			wantErr:   true,
		},
		{
			name:      "offline access for client only grant",
			requested: []string{"api1.read", "offline_access"},
			opts:      ResolveOptions{ClientOnly: true},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			res, err := s.ResolveScopes(c, tt.requested, tt.opts)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, protocol.KindInvalidScope, protocol.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantScopes, res.Scopes)
		})
	}
}

func TestResolveScopes_SubsetProperty(t *testing.T) {
	t.Parallel()

	s := testSnapshot(t)
	c := spaClient(t, s)

	requests := [][]string{
		{"openid"},
		{"openid", "profile"},
		{"api1.read", "api2"},
		{"openid", "profile", "api1.read", "api2", "offline_access"},
	}
	for _, requested := range requests {
		res, err := s.ResolveScopes(c, requested, ResolveOptions{})
		require.NoError(t, err)
		for _, granted := range res.Scopes {
			assert.Contains(t, requested, granted)
			if granted != protocol.ScopeOfflineAccess {
				assert.True(t, c.AllowsScope(granted))
			}
		}
	}
}

func TestResolveScopes_ClaimTypesAndAudiences(t *testing.T) {
	t.Parallel()

	s := testSnapshot(t)
	c := spaClient(t, s)

	res, err := s.ResolveScopes(c, []string{"openid", "profile", "api1.read", "api2"}, ResolveOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"sub", "name", "family_name"}, res.IdentityClaimTypes())
	assert.Equal(t, []string{"role", "department"}, res.AccessClaimTypes())
	assert.Equal(t, []string{"https://api1.example.com", "https://api2.example.com"}, res.Audiences)
	assert.Equal(t, []string{"api1.read", "api2"}, res.APIScopeNames())
	assert.True(t, res.HasOpenID())
}

func TestResolveResourceIndicators(t *testing.T) {
	t.Parallel()

	s := testSnapshot(t)
	c := spaClient(t, s)

	res, err := s.ResolveScopes(c, []string{"openid", "api1.read", "api2"}, ResolveOptions{})
	require.NoError(t, err)

	t.Run("no indicators keeps everything", func(t *testing.T) {
		t.Parallel()
		out, err := s.ResolveResourceIndicators(res, nil)
		require.NoError(t, err)
		assert.Same(t, res, out)
	})

	t.Run("narrows scopes to the selected resource", func(t *testing.T) {
		t.Parallel()
		out, err := s.ResolveResourceIndicators(res, []string{"https://api2.example.com"})
		require.NoError(t, err)
		assert.Equal(t, []string{"https://api2.example.com"}, out.Audiences)
		assert.Equal(t, []string{"openid", "api2"}, out.Scopes)
		assert.Equal(t, []string{"api2"}, out.APIScopeNames())
	})

	t.Run("relative uri", func(t *testing.T) {
		t.Parallel()
		_, err := s.ResolveResourceIndicators(res, []string{"api2"})
		assert.Equal(t, protocol.KindInvalidTarget, protocol.KindOf(err))
	})

	t.Run("unknown resource", func(t *testing.T) {
		t.Parallel()
		_, err := s.ResolveResourceIndicators(res, []string{"https://other.example.com"})
		assert.Equal(t, protocol.KindInvalidTarget, protocol.KindOf(err))
	})

	t.Run("resource without granted scope", func(t *testing.T) {
		t.Parallel()
		onlyAPI1, err := s.ResolveScopes(c, []string{"api1.read"}, ResolveOptions{})
		require.NoError(t, err)
		_, err = s.ResolveResourceIndicators(onlyAPI1, []string{"https://api2.example.com"})
		assert.Equal(t, protocol.KindInvalidTarget, protocol.KindOf(err))
	})
}
