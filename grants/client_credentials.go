package grants

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/giantswarm/oidc-provider/identity"
	"github.com/giantswarm/oidc-provider/protocol"
	"github.com/giantswarm/oidc-provider/validation"
)

// clientCredentialsProcessor issues tokens for the client itself. The
// validator already rejected identity scopes and offline_access.
type clientCredentialsProcessor struct{}

func (clientCredentialsProcessor) Process(_ context.Context, req *validation.ValidatedRequest) (*Instruction, error) {
	return &Instruction{
		GrantType: protocol.GrantTypeClientCredentials,
		Client:    req.Client(),
		Resources: req.Resources(),
	}, nil
}

type passwordProcessor struct{ *deps }

func (p *passwordProcessor) Process(ctx context.Context, req *validation.ValidatedRequest) (*Instruction, error) {
	client := req.Client()

	subject, err := p.owners.ValidateCredentials(ctx,
		req.Param(protocol.ParamUsername), req.Param(protocol.ParamPassword))
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			p.auditor.LogAuthFailure(req.Param(protocol.ParamUsername), client.ClientID, "", "invalid resource owner credentials")
			return nil, protocol.InvalidGrant("invalid username or password")
		}
		return nil, protocol.ServerError(fmt.Errorf("failed to validate credentials: %w", err))
	}

	res := req.Resources()
	return &Instruction{
		GrantType: protocol.GrantTypePassword,
		Client:    client,
		Resources: res,
		Subject:   &subject,
		LineageID: uuid.NewString(),
		Refresh:   refreshPlan(client, res, res.Scopes, req.ResourceIndicators()),
	}, nil
}
