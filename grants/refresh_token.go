package grants

import (
	"context"
	"errors"
	"fmt"

	"github.com/giantswarm/oidc-provider/protocol"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/validation"
)

type refreshTokenProcessor struct{ *deps }

func (p *refreshTokenProcessor) Process(ctx context.Context, req *validation.ValidatedRequest) (*Instruction, error) {
	client := req.Client()
	presented := req.Param(protocol.ParamRefreshToken)
	now := p.clock.Now()

	handle, err := p.tokens.RefreshHandle(ctx, presented)
	if err != nil {
		return nil, protocol.InvalidGrant("invalid refresh token").WithCause(err)
	}

	rec, err := p.refreshTokens.GetRefreshToken(ctx, handle)
	if err != nil {
		return nil, storeError(err, "refresh token")
	}
	if rec.ClientID != client.ClientID || rec.IsExpired(now) {
		return nil, protocol.InvalidGrant("invalid refresh token")
	}

	revoked, err := p.refreshTokens.IsLineageRevoked(ctx, rec.LineageID)
	if err != nil {
		return nil, protocol.ServerError(fmt.Errorf("failed to check lineage: %w", err))
	}
	if revoked {
		p.auditor.LogEvent(security.Event{
			Type:     security.EventRevokedLineageAccess,
			UserID:   rec.Subject.Subject,
			ClientID: client.ClientID,
			Details:  map[string]any{"lineage_id": rec.LineageID},
		})
		return nil, protocol.InvalidGrant("invalid refresh token")
	}
	if rec.Consumed() {
		return nil, p.reused(ctx, rec)
	}

	if err := p.ensureActive(ctx, rec.Subject.Subject); err != nil {
		return nil, err
	}

	scopes := req.RequestedScopes()
	if len(scopes) == 0 {
		scopes = rec.Scopes
	} else if !isSubset(scopes, rec.Scopes) {
		p.auditor.LogEvent(security.Event{
			Type:     security.EventScopeEscalationAttempt,
			UserID:   rec.Subject.Subject,
			ClientID: client.ClientID,
		})
		return nil, protocol.InvalidScope("requested scope exceeds the original grant")
	}

	res, err := resolveStored(req, scopes, rec.Resources)
	if err != nil {
		return nil, err
	}

	plan := &RefreshPlan{
		Scopes:     rec.Scopes,
		Resources:  rec.Resources,
		Generation: rec.Generation,
		ExpiresAt:  rec.ExpiresAt,
	}
	rotated := client.RotatesRefreshTokens()
	if rotated {
		if _, err := p.refreshTokens.ConsumeRefreshToken(ctx, handle, now); err != nil {
			if errors.Is(err, storage.ErrAlreadyConsumed) {
				// Lost a race against a concurrent redemption of the same token.
				return nil, p.reused(ctx, rec)
			}
			return nil, storeError(err, "refresh token")
		}
		plan.Generation++
	} else {
		plan.Reuse = presented
	}

	p.auditor.LogTokenRefreshed(rec.Subject.Subject, client.ClientID, "", rec.LineageID, plan.Generation, rotated)

	subject := rec.Subject
	return &Instruction{
		GrantType: protocol.GrantTypeRefreshToken,
		Client:    client,
		Resources: res,
		Subject:   &subject,
		LineageID: rec.LineageID,
		Refresh:   plan,
	}, nil
}

// reused revokes the lineage of a superseded refresh token.
func (p *refreshTokenProcessor) reused(ctx context.Context, rec *storage.RefreshToken) error {
	if err := p.refreshTokens.RevokeLineage(ctx, rec.LineageID); err != nil {
		return protocol.ServerError(fmt.Errorf("failed to revoke lineage: %w", err))
	}
	p.logger.Warn("Refresh token reuse detected, lineage revoked",
		"client_id", rec.ClientID, "lineage_id", rec.LineageID, "generation", rec.Generation)
	p.auditor.LogRefreshTokenReuseDetected(rec.Subject.Subject, rec.ClientID, rec.LineageID, rec.Generation)
	p.metrics.RecordTokenReuseDetected(ctx)
	return protocol.InvalidGrant("invalid refresh token")
}
