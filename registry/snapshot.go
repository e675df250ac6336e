package registry

import (
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/protocol"
)

// IdentityResource is a scope that grants access to user identity claims.
type IdentityResource struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name,omitempty"`
	UserClaims  []string `yaml:"user_claims,omitempty"`
	Disabled    bool     `yaml:"disabled,omitempty"`
}

// APIScope is a scope that grants access to an API.
type APIScope struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name,omitempty"`
	UserClaims  []string `yaml:"user_claims,omitempty"`
	Disabled    bool     `yaml:"disabled,omitempty"`
}

// APIResource groups API scopes under one audience.
type APIResource struct {
	// Name is the audience value and the resource indicator.
	Name       string   `yaml:"name"`
	Scopes     []string `yaml:"scopes"`
	UserClaims []string `yaml:"user_claims,omitempty"`
	// Secrets authenticate the resource at the introspection endpoint.
	Secrets  []Secret `yaml:"secrets,omitempty"`
	Disabled bool     `yaml:"disabled,omitempty"`
}

// Definition is the serialized form of a registry.
type Definition struct {
	Clients           []Client           `yaml:"clients"`
	IdentityResources []IdentityResource `yaml:"identity_resources"`
	APIScopes         []APIScope         `yaml:"api_scopes"`
	APIResources      []APIResource      `yaml:"api_resources"`
}

// Snapshot is an immutable view of clients and resources. All lookups are
// lock-free; a new configuration is published by swapping the whole snapshot.
type Snapshot struct {
	clients           map[string]*Client
	identityResources map[string]*IdentityResource
	apiScopes         map[string]*APIScope
	apiResources      map[string]*APIResource
	// resourceOrder keeps API resources in declaration order for deterministic audiences.
	resourceOrder []string
	createdAt     time.Time
}

// NewSnapshot validates def and builds a snapshot. def is deep-copied so later
// changes to it are not observed.
func NewSnapshot(def Definition) (*Snapshot, error) {
	s := &Snapshot{
		clients:           make(map[string]*Client, len(def.Clients)),
		identityResources: make(map[string]*IdentityResource, len(def.IdentityResources)),
		apiScopes:         make(map[string]*APIScope, len(def.APIScopes)),
		apiResources:      make(map[string]*APIResource, len(def.APIResources)),
		createdAt:         time.Now(),
	}

	for _, ir := range def.IdentityResources {
		if ir.Name == "" {
			return nil, fmt.Errorf("identity resource name is required")
		}
		if _, dup := s.identityResources[ir.Name]; dup {
			return nil, fmt.Errorf("duplicate identity resource %q", ir.Name)
		}
		ir.UserClaims = slices.Clone(ir.UserClaims)
		s.identityResources[ir.Name] = &ir
	}

	for _, sc := range def.APIScopes {
		if sc.Name == "" {
			return nil, fmt.Errorf("api scope name is required")
		}
		if _, dup := s.apiScopes[sc.Name]; dup {
			return nil, fmt.Errorf("duplicate api scope %q", sc.Name)
		}
		if _, clash := s.identityResources[sc.Name]; clash {
			return nil, fmt.Errorf("scope %q is defined as both identity resource and api scope", sc.Name)
		}
		if sc.Name == protocol.ScopeOfflineAccess {
			return nil, fmt.Errorf("scope %q is reserved", sc.Name)
		}
		sc.UserClaims = slices.Clone(sc.UserClaims)
		s.apiScopes[sc.Name] = &sc
	}

	for _, res := range def.APIResources {
		if res.Name == "" {
			return nil, fmt.Errorf("api resource name is required")
		}
		if _, dup := s.apiResources[res.Name]; dup {
			return nil, fmt.Errorf("duplicate api resource %q", res.Name)
		}
		for _, scope := range res.Scopes {
			if _, ok := s.apiScopes[scope]; !ok {
				return nil, fmt.Errorf("api resource %q references unknown scope %q", res.Name, scope)
			}
		}
		res.Scopes = slices.Clone(res.Scopes)
		res.UserClaims = slices.Clone(res.UserClaims)
		res.Secrets = slices.Clone(res.Secrets)
		s.apiResources[res.Name] = &res
		s.resourceOrder = append(s.resourceOrder, res.Name)
	}

	for _, c := range def.Clients {
		if err := s.addClient(c); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *Snapshot) addClient(c Client) error {
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if _, dup := s.clients[c.ClientID]; dup {
		return fmt.Errorf("duplicate client %q", c.ClientID)
	}

	c.applyDefaults()
	c.AllowedGrantTypes = slices.Clone(c.AllowedGrantTypes)
	c.AllowedScopes = slices.Clone(c.AllowedScopes)
	c.RedirectURIs = slices.Clone(c.RedirectURIs)
	c.PostLogoutRedirectURIs = slices.Clone(c.PostLogoutRedirectURIs)
	c.Secrets = slices.Clone(c.Secrets)
	c.Claims = slices.Clone(c.Claims)

	if c.JWKS != "" {
		var ks jose.JSONWebKeySet
		if err := json.Unmarshal([]byte(c.JWKS), &ks); err != nil {
			return fmt.Errorf("client %q: invalid jwks: %w", c.ClientID, err)
		}
		c.keySet = &ks
	}

	if !c.Public && len(c.Secrets) == 0 && c.keySet == nil {
		return fmt.Errorf("client %q: confidential clients need secrets or a jwks", c.ClientID)
	}
	if c.Public && slices.Contains(c.AllowedGrantTypes, protocol.GrantTypeClientCredentials) {
		return fmt.Errorf("client %q: public clients cannot use client_credentials", c.ClientID)
	}

	for _, scope := range c.AllowedScopes {
		if scope == protocol.ScopeOfflineAccess {
			continue
		}
		_, isIdentity := s.identityResources[scope]
		_, isAPI := s.apiScopes[scope]
		if !isIdentity && !isAPI {
			return fmt.Errorf("client %q: unknown scope %q", c.ClientID, scope)
		}
	}

	for _, uri := range append(slices.Clone(c.RedirectURIs), c.PostLogoutRedirectURIs...) {
		if err := validateRedirectURI(uri); err != nil {
			return fmt.Errorf("client %q: %w", c.ClientID, err)
		}
	}

	s.clients[c.ClientID] = &c
	return nil
}

// validateRedirectURI requires absolute URIs without fragments, and https unless
// the host is a loopback address. Custom schemes are accepted for native apps.
func validateRedirectURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("redirect uri %q must be absolute", uri)
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect uri %q must not contain a fragment", uri)
	}
	if u.Scheme == "http" && !util.IsLoopbackHost(u.Hostname()) {
		return fmt.Errorf("redirect uri %q must use https", uri)
	}
	return nil
}

// Client returns an enabled client by id.
func (s *Snapshot) Client(clientID string) (*Client, bool) {
	c, ok := s.clients[clientID]
	if !ok || c.Disabled {
		return nil, false
	}
	return c, true
}

// IdentityResource returns an enabled identity resource by scope name.
func (s *Snapshot) IdentityResource(name string) (*IdentityResource, bool) {
	r, ok := s.identityResources[name]
	if !ok || r.Disabled {
		return nil, false
	}
	return r, true
}

// APIScope returns an enabled API scope by name.
func (s *Snapshot) APIScope(name string) (*APIScope, bool) {
	sc, ok := s.apiScopes[name]
	if !ok || sc.Disabled {
		return nil, false
	}
	return sc, true
}

// APIResource returns an enabled API resource by name. Trailing slashes are ignored.
func (s *Snapshot) APIResource(name string) (*APIResource, bool) {
	r, ok := s.apiResources[name]
	if !ok {
		normalized := util.NormalizeURL(name)
		for _, candidate := range s.resourceOrder {
			if util.NormalizeURL(candidate) == normalized {
				r, ok = s.apiResources[candidate], true
				break
			}
		}
	}
	if !ok || r.Disabled {
		return nil, false
	}
	return r, true
}

// SupportedScopes lists every enabled scope name, identity resources first.
func (s *Snapshot) SupportedScopes() []string {
	var out []string
	for name, r := range s.identityResources {
		if !r.Disabled {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	var api []string
	for name, sc := range s.apiScopes {
		if !sc.Disabled {
			api = append(api, name)
		}
	}
	slices.Sort(api)
	return append(append(out, api...), protocol.ScopeOfflineAccess)
}

// CreatedAt returns when the snapshot was built.
func (s *Snapshot) CreatedAt() time.Time {
	return s.createdAt
}

// ClientCount returns the number of registered clients.
func (s *Snapshot) ClientCount() int {
	return len(s.clients)
}
