package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"

	"github.com/go-jose/go-jose/v4"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/giantswarm/oidc-provider/grants"
	"github.com/giantswarm/oidc-provider/identity"
	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/keys"
	"github.com/giantswarm/oidc-provider/registry"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/tokens"
	"github.com/giantswarm/oidc-provider/validation"
)

// Dependencies are the collaborators of a Server.
type Dependencies struct {
	Registry *registry.Registry
	Store    storage.Store
	Keys     keys.Provider

	// ResourceOwners enables the password grant when set.
	ResourceOwners identity.ResourceOwnerValidator

	// Profiles supplies user claims and the active check.
	// Default: identity.ContextProfileService
	Profiles identity.ProfileService

	Extensions []grants.ExtensionGrantValidator

	// Auditor may be nil.
	Auditor *security.Auditor

	// Instrumentation defaults to no-op providers.
	Instrumentation *instrumentation.Instrumentation

	// Clock defaults to the real clock.
	Clock clock.PassiveClock
}

// Server runs the issuance and validation pipeline. It wires the request
// validator, the grant processors and the token service together and owns
// persistence of the artifacts they produce.
type Server struct {
	config     *Config
	registry   *registry.Registry
	store      storage.Store
	keys       keys.Provider
	profiles   identity.ProfileService
	validator  *validation.Validator
	dispatcher *grants.Dispatcher
	tokens     *tokens.Service
	inspector  *tokens.Validator
	auditor    *security.Auditor
	metrics    *instrumentation.Metrics
	tracer     trace.Tracer
	clock      clock.PassiveClock
	logger     *slog.Logger
}

// New creates a Server.
func New(deps Dependencies, config *Config, logger *slog.Logger) (*Server, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Keys == nil {
		return nil, fmt.Errorf("key provider is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Profiles == nil {
		deps.Profiles = identity.ContextProfileService{}
	}
	if deps.Instrumentation == nil {
		deps.Instrumentation = instrumentation.NewNoop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}

	if err := validateHTTPSEnforcement(config, logger); err != nil {
		return nil, err
	}
	config = applySecureDefaults(config, logger)

	validator, err := validation.NewValidator(validation.Config{
		Registry:            deps.Registry,
		ReplayCache:         deps.Store,
		AssertionAudiences:  config.AssertionAudiences,
		ExtensionGrantTypes: grants.ExtensionGrantTypes(deps.Extensions),
		ClockSkew:           config.ClockSkew,
		Clock:               deps.Clock,
		Logger:              logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create request validator: %w", err)
	}

	service, err := tokens.NewService(tokens.Config{
		Issuer:   config.Issuer,
		Keys:     deps.Keys,
		Profiles: deps.Profiles,
		Clock:    deps.Clock,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}

	inspector, err := tokens.NewValidator(tokens.ValidatorConfig{
		Issuer:          config.Issuer,
		Keys:            deps.Keys,
		ReferenceTokens: deps.Store,
		Lineages:        deps.Store,
		Revocations:     deps.Store,
		ClockSkew:       config.ClockSkew,
		Clock:           deps.Clock,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token validator: %w", err)
	}

	dispatcher, err := grants.NewDispatcher(grants.Config{
		Codes:           deps.Store,
		DeviceCodes:     deps.Store,
		RefreshTokens:   deps.Store,
		Tokens:          inspector,
		ResourceOwners:  deps.ResourceOwners,
		Profiles:        deps.Profiles,
		Extensions:      deps.Extensions,
		Auditor:         deps.Auditor,
		Instrumentation: deps.Instrumentation,
		Clock:           deps.Clock,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create grant dispatcher: %w", err)
	}

	return &Server{
		config:     config,
		registry:   deps.Registry,
		store:      deps.Store,
		keys:       deps.Keys,
		profiles:   deps.Profiles,
		validator:  validator,
		dispatcher: dispatcher,
		tokens:     service,
		inspector:  inspector,
		auditor:    deps.Auditor,
		metrics:    deps.Instrumentation.Metrics(),
		tracer:     deps.Instrumentation.Tracer("server"),
		clock:      deps.Clock,
		logger:     logger,
	}, nil
}

// Config returns the effective configuration after defaults were applied.
func (s *Server) Config() Config {
	cfg := *s.config
	cfg.AssertionAudiences = slices.Clone(s.config.AssertionAudiences)
	return cfg
}

// Registry returns the client registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// TokenValidator returns the validator used for presented tokens. Resource
// servers embedding the provider can use it to check bearer tokens.
func (s *Server) TokenValidator() *tokens.Validator {
	return s.inspector
}

// GrantTypes returns the grant types the token endpoint accepts.
func (s *Server) GrantTypes() []string {
	return s.dispatcher.GrantTypes()
}

// ReloadRegistry publishes the registry file at path. On error the current
// configuration stays active.
func (s *Server) ReloadRegistry(ctx context.Context, path string) error {
	err := s.registry.ReloadFile(path)
	s.metrics.RecordRegistryReload(ctx, err == nil)

	details := map[string]any{"path": path, "success": err == nil}
	if err == nil {
		details["clients"] = s.registry.Snapshot().ClientCount()
	}
	s.auditor.LogEvent(security.Event{Type: security.EventRegistryReloaded, Details: details})
	return err
}

// JWKS returns the published verification keys.
func (s *Server) JWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	return keys.JWKS(ctx, s.keys)
}

// AppendQuery adds values to the query of uri, keeping existing parameters.
func AppendQuery(uri string, values url.Values) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range values {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
