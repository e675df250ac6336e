// Package grants implements the grant-type state machines of the token
// endpoint.
//
// A Dispatcher holds one Processor per grant type in a lookup table. Each
// processor consumes a validation.ValidatedRequest, performs the store
// transitions its grant requires (consuming codes, rotating refresh tokens,
// recording device polls), and returns an Instruction describing the tokens to
// mint. Processors never mint or persist tokens themselves.
package grants

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/giantswarm/oidc-provider/identity"
	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/protocol"
	"github.com/giantswarm/oidc-provider/registry"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/tokens"
	"github.com/giantswarm/oidc-provider/validation"
)

// Instruction tells the token pipeline what to mint for a successful grant.
type Instruction struct {
	GrantType string
	Client    *registry.Client

	// Resources are the scopes and audiences of the access token.
	Resources *registry.Resources

	// Subject is nil when no resource owner is involved.
	Subject *storage.SubjectContext

	Nonce string

	// LineageID links the access token and any refresh token to one grant.
	LineageID string

	// Refresh is nil when no refresh token is issued.
	Refresh *RefreshPlan

	// CustomResponse holds extra token response members set by extension grants.
	CustomResponse map[string]any
}

// IssuesIdentityToken reports whether an identity token accompanies the access token.
func (i *Instruction) IssuesIdentityToken() bool {
	return i.Subject != nil && i.Resources.HasOpenID()
}

// RefreshPlan describes the refresh token to return.
type RefreshPlan struct {
	// Scopes and Resources are those of the original grant, so that later
	// refreshes may narrow from the full set again.
	Scopes    []string
	Resources []string

	Generation int

	// ExpiresAt is the absolute lineage expiry; zero starts a new lifetime.
	ExpiresAt time.Time

	// Reuse is the presented refresh token, returned unchanged to clients
	// with reuse semantics. When set nothing new is minted.
	Reuse string
}

// Processor executes one grant type.
type Processor interface {
	Process(ctx context.Context, req *validation.ValidatedRequest) (*Instruction, error)
}

// Config configures a Dispatcher.
type Config struct {
	Codes         storage.AuthorizationCodeStore
	DeviceCodes   storage.DeviceCodeStore
	RefreshTokens storage.RefreshTokenStore

	// Tokens resolves rt+jwt refresh tokens to their storage handle.
	Tokens *tokens.Validator

	// ResourceOwners enables the password grant. Nil leaves it unregistered.
	ResourceOwners identity.ResourceOwnerValidator

	// Profiles is asked whether a subject is still active before tokens are
	// issued from a stored grant. Defaults to identity.ContextProfileService.
	Profiles identity.ProfileService

	Extensions []ExtensionGrantValidator

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Clock           clock.PassiveClock
	Logger          *slog.Logger
}

// Dispatcher routes validated token requests to their processor.
type Dispatcher struct {
	processors map[string]Processor
	tracer     trace.Tracer
	logger     *slog.Logger
}

// deps is shared by the built-in processors.
type deps struct {
	codes         storage.AuthorizationCodeStore
	devices       storage.DeviceCodeStore
	refreshTokens storage.RefreshTokenStore
	tokens        *tokens.Validator
	owners        identity.ResourceOwnerValidator
	profiles      identity.ProfileService
	auditor       *security.Auditor
	metrics       *instrumentation.Metrics
	clock         clock.PassiveClock
	logger        *slog.Logger
}

// NewDispatcher builds the processor table.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Codes == nil {
		return nil, errors.New("authorization code store is required")
	}
	if cfg.DeviceCodes == nil {
		return nil, errors.New("device code store is required")
	}
	if cfg.RefreshTokens == nil {
		return nil, errors.New("refresh token store is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("token validator is required")
	}
	if cfg.Profiles == nil {
		cfg.Profiles = identity.ContextProfileService{}
	}
	if cfg.Instrumentation == nil {
		cfg.Instrumentation = instrumentation.NewNoop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	d := &deps{
		codes:         cfg.Codes,
		devices:       cfg.DeviceCodes,
		refreshTokens: cfg.RefreshTokens,
		tokens:        cfg.Tokens,
		owners:        cfg.ResourceOwners,
		profiles:      cfg.Profiles,
		auditor:       cfg.Auditor,
		metrics:       cfg.Instrumentation.Metrics(),
		clock:         cfg.Clock,
		logger:        cfg.Logger,
	}

	processors := map[string]Processor{
		protocol.GrantTypeAuthorizationCode: &authorizationCodeProcessor{d},
		protocol.GrantTypeClientCredentials: &clientCredentialsProcessor{},
		protocol.GrantTypeRefreshToken:      &refreshTokenProcessor{d},
		protocol.GrantTypeDeviceCode:        &deviceCodeProcessor{d},
	}
	if cfg.ResourceOwners != nil {
		processors[protocol.GrantTypePassword] = &passwordProcessor{d}
	}
	for _, ext := range cfg.Extensions {
		gt := ext.GrantType()
		if _, dup := processors[gt]; dup || gt == "" {
			return nil, fmt.Errorf("extension grant type %q is empty or already registered", gt)
		}
		processors[gt] = &extensionProcessor{validator: ext, deps: d}
	}

	return &Dispatcher{
		processors: processors,
		tracer:     cfg.Instrumentation.Tracer("grants"),
		logger:     cfg.Logger,
	}, nil
}

// GrantTypes returns the registered grant types in sorted order.
func (d *Dispatcher) GrantTypes() []string {
	out := make([]string, 0, len(d.processors))
	for gt := range d.processors {
		out = append(out, gt)
	}
	slices.Sort(out)
	return out
}

// ExtensionGrantTypes returns the grant types of validators for use in the
// validation.Config.
func ExtensionGrantTypes(validators []ExtensionGrantValidator) []string {
	out := make([]string, 0, len(validators))
	for _, v := range validators {
		out = append(out, v.GrantType())
	}
	return out
}

// Process runs the processor registered for the request's grant type.
func (d *Dispatcher) Process(ctx context.Context, req *validation.ValidatedRequest) (*Instruction, error) {
	p, ok := d.processors[req.GrantType()]
	if !ok {
		return nil, protocol.UnsupportedGrantType("grant_type is not supported")
	}

	ctx, span := d.tracer.Start(ctx, "grants.Process")
	defer span.End()
	instrumentation.AddGrantAttributes(span, req.GrantType(), req.Client().ClientID, "")

	inst, err := p.Process(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		if protocol.KindOf(err) == protocol.KindServerError {
			d.logger.Error("Grant processing failed", "grant_type", req.GrantType(), "client_id", req.Client().ClientID, "error", err)
		}
		return nil, err
	}
	instrumentation.AddLineageAttributes(span, inst.LineageID, refreshGeneration(inst))
	instrumentation.SetSpanSuccess(span)
	return inst, nil
}

func refreshGeneration(inst *Instruction) int {
	if inst.Refresh == nil {
		return 0
	}
	return inst.Refresh.Generation
}

// ensureActive rejects grants for subjects that were disabled since the
// grant was stored.
func (d *deps) ensureActive(ctx context.Context, subject string) error {
	active, err := d.profiles.IsActive(ctx, subject)
	if err != nil {
		return protocol.ServerError(fmt.Errorf("failed to check subject: %w", err))
	}
	if !active {
		return protocol.InvalidGrant("subject is not active")
	}
	return nil
}

// refreshPlan returns a plan for a new lineage when offline access was granted
// and the client may refresh.
func refreshPlan(client *registry.Client, res *registry.Resources, scopes, resources []string) *RefreshPlan {
	if !res.OfflineAccess || !client.AllowsGrantType(protocol.GrantTypeRefreshToken) {
		return nil
	}
	return &RefreshPlan{Scopes: slices.Clone(scopes), Resources: slices.Clone(resources)}
}

// storeError classifies a store failure for a grant artifact: unknown
// artifacts are an InvalidGrant, everything else a ServerError.
func storeError(err error, what string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return protocol.InvalidGrant("invalid " + what)
	}
	return protocol.ServerError(fmt.Errorf("failed to load %s: %w", what, err))
}
