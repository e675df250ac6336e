package registry

import (
	"slices"

	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/protocol"
)

// ResolveOptions tunes scope resolution for the calling grant.
type ResolveOptions struct {
	// ClientOnly is set when no resource owner is involved (client_credentials).
	// Identity scopes and offline_access are then rejected.
	ClientOnly bool
}

// Resources is the outcome of scope resolution: the granted scope names and the
// configuration objects they map to.
type Resources struct {
	Scopes            []string
	IdentityResources []*IdentityResource
	APIScopes         []*APIScope
	APIResources      []*APIResource
	OfflineAccess     bool
	// Audiences is set once resource indicators have been resolved.
	Audiences []string
}

// Clone returns a copy whose slices can be modified without affecting r. The
// referenced configuration objects are shared.
func (r *Resources) Clone() *Resources {
	if r == nil {
		return nil
	}
	return &Resources{
		Scopes:            slices.Clone(r.Scopes),
		IdentityResources: slices.Clone(r.IdentityResources),
		APIScopes:         slices.Clone(r.APIScopes),
		APIResources:      slices.Clone(r.APIResources),
		OfflineAccess:     r.OfflineAccess,
		Audiences:         slices.Clone(r.Audiences),
	}
}

// HasScope reports whether scope was granted.
func (r *Resources) HasScope(scope string) bool {
	return slices.Contains(r.Scopes, scope)
}

// HasOpenID reports whether the openid scope was granted.
func (r *Resources) HasOpenID() bool {
	return r.HasScope(protocol.ScopeOpenID)
}

// IdentityClaimTypes returns the user claim types granted by identity scopes.
func (r *Resources) IdentityClaimTypes() []string {
	var out []string
	for _, ir := range r.IdentityResources {
		out = appendUnique(out, ir.UserClaims...)
	}
	return out
}

// AccessClaimTypes returns the user claim types granted by API scopes and the
// resources that own them.
func (r *Resources) AccessClaimTypes() []string {
	var out []string
	for _, sc := range r.APIScopes {
		out = appendUnique(out, sc.UserClaims...)
	}
	for _, res := range r.APIResources {
		out = appendUnique(out, res.UserClaims...)
	}
	return out
}

// APIScopeNames returns the granted API scope names.
func (r *Resources) APIScopeNames() []string {
	out := make([]string, 0, len(r.APIScopes))
	for _, sc := range r.APIScopes {
		out = append(out, sc.Name)
	}
	return out
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}

// ResolveScopes returns the subset of requested scopes that client may obtain,
// or an InvalidScope rejection when any requested scope is unknown, disabled,
// not allowed for the client, or not allowed for this kind of grant.
func (s *Snapshot) ResolveScopes(client *Client, requested []string, opts ResolveOptions) (*Resources, error) {
	if len(requested) == 0 {
		return nil, protocol.InvalidScope("no scope requested")
	}

	res := &Resources{}
	wantsOpenID := slices.Contains(requested, protocol.ScopeOpenID)
	for _, name := range requested {
		if name == "" || res.HasScope(name) {
			continue
		}

		if name == protocol.ScopeOfflineAccess {
			if opts.ClientOnly || !client.AllowOfflineAccess {
				return nil, protocol.InvalidScope("offline_access is not allowed")
			}
			res.OfflineAccess = true
			res.Scopes = append(res.Scopes, name)
			continue
		}

		if !client.AllowsScope(name) {
			return nil, protocol.InvalidScope("scope " + name + " is not allowed")
		}

		if ir, ok := s.IdentityResource(name); ok {
			if opts.ClientOnly {
				return nil, protocol.InvalidScope("identity scopes are not allowed for this grant")
			}
			if !wantsOpenID {
				return nil, protocol.InvalidScope("identity scopes require openid")
			}
			res.IdentityResources = append(res.IdentityResources, ir)
			res.Scopes = append(res.Scopes, name)
			continue
		}

		sc, ok := s.APIScope(name)
		if !ok {
			return nil, protocol.InvalidScope("scope " + name + " is unknown")
		}
		res.APIScopes = append(res.APIScopes, sc)
		res.Scopes = append(res.Scopes, name)
	}

	if len(res.Scopes) == 0 {
		return nil, protocol.InvalidScope("no scope requested")
	}
	if res.OfflineAccess && len(res.Scopes) == 1 {
		return nil, protocol.InvalidScope("offline_access requires another scope")
	}

	for _, name := range s.resourceOrder {
		r := s.apiResources[name]
		if r.Disabled {
			continue
		}
		for _, sc := range res.APIScopes {
			if slices.Contains(r.Scopes, sc.Name) {
				res.APIResources = append(res.APIResources, r)
				break
			}
		}
	}
	res.Audiences = resourceNames(res.APIResources)

	return res, nil
}

// ResolveResourceIndicators narrows resolved resources to the API resources named
// by RFC 8707 resource indicators. Each indicator must be an absolute URI naming an
// enabled resource that owns at least one granted scope. With no indicators all
// resources owning a granted scope become audiences.
func (s *Snapshot) ResolveResourceIndicators(res *Resources, indicators []string) (*Resources, error) {
	if len(indicators) == 0 {
		return res, nil
	}

	var selected []*APIResource
	for _, ind := range indicators {
		if !util.IsAbsoluteURI(ind) {
			return nil, protocol.InvalidTarget("resource must be an absolute URI")
		}
		r, ok := s.APIResource(ind)
		if !ok || !slices.Contains(res.APIResources, r) {
			return nil, protocol.InvalidTarget("resource " + ind + " is not available")
		}
		if !slices.Contains(selected, r) {
			selected = append(selected, r)
		}
	}

	narrowed := &Resources{
		IdentityResources: res.IdentityResources,
		OfflineAccess:     res.OfflineAccess,
		APIResources:      selected,
		Audiences:         resourceNames(selected),
	}
	for _, name := range res.Scopes {
		if sc, ok := s.APIScope(name); ok {
			if !ownedByAny(selected, sc.Name) {
				continue
			}
			narrowed.APIScopes = append(narrowed.APIScopes, sc)
		}
		narrowed.Scopes = append(narrowed.Scopes, name)
	}
	return narrowed, nil
}

func ownedByAny(resources []*APIResource, scope string) bool {
	for _, r := range resources {
		if slices.Contains(r.Scopes, scope) {
			return true
		}
	}
	return false
}

func resourceNames(resources []*APIResource) []string {
	out := make([]string, 0, len(resources))
	for _, r := range resources {
		out = append(out, r.Name)
	}
	return out
}
