package grants

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/google/uuid"

	"github.com/giantswarm/oidc-provider/protocol"
	"github.com/giantswarm/oidc-provider/registry"
	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/validation"
)

// ExtensionGrantValidator implements a custom grant type, for example a token
// exchange. The request has been authenticated and its scope parameter
// resolved before Validate is called.
type ExtensionGrantValidator interface {
	GrantType() string

	// Validate accepts or rejects the request. Rejections should be
	// *protocol.Error values; any other error is reported as InvalidGrant.
	Validate(ctx context.Context, req *validation.ValidatedRequest) (*ExtensionGrantResult, error)
}

// ExtensionGrantResult is the outcome of an accepted extension grant.
type ExtensionGrantResult struct {
	// Subject is nil for grants without a resource owner.
	Subject *storage.SubjectContext

	// Scopes narrows the validated scopes. Empty keeps them all.
	Scopes []string

	// CustomResponse members are added to the token response.
	CustomResponse map[string]any
}

type extensionProcessor struct {
	validator ExtensionGrantValidator
	*deps
}

func (p *extensionProcessor) Process(ctx context.Context, req *validation.ValidatedRequest) (*Instruction, error) {
	client := req.Client()

	result, err := p.validator.Validate(ctx, req)
	if err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) {
			return nil, perr
		}
		return nil, protocol.InvalidGrant("grant was rejected").WithCause(err)
	}
	if result == nil {
		return nil, protocol.ServerError(fmt.Errorf("extension grant %q returned no result", p.validator.GrantType()))
	}

	res := req.Resources()
	scopes := res.Scopes
	if len(result.Scopes) > 0 {
		if !isSubset(result.Scopes, scopes) {
			return nil, protocol.InvalidScope("granted scope exceeds the requested scope")
		}
		scopes = result.Scopes
	}

	opts := registry.ResolveOptions{ClientOnly: result.Subject == nil}
	snap := req.Snapshot()
	if res, err = snap.ResolveScopes(client, scopes, opts); err != nil {
		return nil, err
	}
	if res, err = snap.ResolveResourceIndicators(res, req.ResourceIndicators()); err != nil {
		return nil, err
	}

	inst := &Instruction{
		GrantType:      req.GrantType(),
		Client:         client,
		Resources:      res,
		CustomResponse: maps.Clone(result.CustomResponse),
	}
	if result.Subject != nil {
		subject := *result.Subject
		inst.Subject = &subject
		inst.LineageID = uuid.NewString()
		inst.Refresh = refreshPlan(client, res, res.Scopes, req.ResourceIndicators())
	}
	return inst, nil
}
