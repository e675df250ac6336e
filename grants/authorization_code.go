package grants

import (
	"context"
	"errors"
	"fmt"

	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/protocol"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/validation"
)

// CodeLineageID returns the lineage id of every token issued from code.
// Replaying a redeemed code revokes this lineage.
func CodeLineageID(code string) string {
	return util.HashHandle(code)
}

type authorizationCodeProcessor struct{ *deps }

func (p *authorizationCodeProcessor) Process(ctx context.Context, req *validation.ValidatedRequest) (*Instruction, error) {
	client := req.Client()
	code := req.Param(protocol.ParamCode)
	now := p.clock.Now()

	rec, err := p.codes.ConsumeAuthorizationCode(ctx, code, now)
	switch {
	case errors.Is(err, storage.ErrAlreadyConsumed):
		return nil, p.codeReused(ctx, code, rec)
	case err != nil:
		return nil, storeError(err, "authorization code")
	}

	// The code is spent from here on, whatever the outcome.
	if rec.ClientID != client.ClientID {
		p.logger.Warn("Authorization code presented by another client",
			"client_id", client.ClientID, "code_client_id", rec.ClientID)
		return nil, protocol.InvalidGrant("invalid authorization code")
	}
	if rec.IsExpired(now) {
		return nil, protocol.InvalidGrant("invalid authorization code")
	}
	if req.Param(protocol.ParamRedirectURI) != rec.RedirectURI {
		p.auditor.LogEvent(security.Event{
			Type:     security.EventInvalidRedirect,
			UserID:   rec.Subject.Subject,
			ClientID: client.ClientID,
		})
		return nil, protocol.InvalidGrant("redirect_uri does not match the authorization request")
	}

	verifier := req.Param(protocol.ParamCodeVerifier)
	switch {
	case rec.CodeChallenge != "":
		if !validation.VerifyCodeChallenge(rec.CodeChallenge, rec.CodeChallengeMethod, verifier) {
			p.auditor.LogEvent(security.Event{
				Type:     security.EventPKCEValidationFailed,
				UserID:   rec.Subject.Subject,
				ClientID: client.ClientID,
			})
			return nil, protocol.InvalidGrant("code_verifier does not match")
		}
	case verifier != "":
		// A verifier without a stored challenge signals a downgraded request.
		return nil, protocol.InvalidGrant("code_verifier does not match")
	}

	if err := p.ensureActive(ctx, rec.Subject.Subject); err != nil {
		return nil, err
	}

	res, err := resolveStored(req, rec.Scopes, rec.Resources)
	if err != nil {
		return nil, err
	}

	subject := rec.Subject
	return &Instruction{
		GrantType: protocol.GrantTypeAuthorizationCode,
		Client:    client,
		Resources: res,
		Subject:   &subject,
		Nonce:     rec.Nonce,
		LineageID: CodeLineageID(code),
		Refresh:   refreshPlan(client, res, rec.Scopes, rec.Resources),
	}, nil
}

// codeReused revokes everything issued from a replayed code.
func (p *authorizationCodeProcessor) codeReused(ctx context.Context, code string, rec *storage.AuthorizationCode) error {
	lineage := CodeLineageID(code)
	if err := p.refreshTokens.RevokeLineage(ctx, lineage); err != nil {
		return protocol.ServerError(fmt.Errorf("failed to revoke lineage of reused code: %w", err))
	}

	var subject, clientID string
	if rec != nil {
		subject, clientID = rec.Subject.Subject, rec.ClientID
	}
	p.logger.Warn("Authorization code reuse detected, lineage revoked",
		"client_id", clientID, "lineage_id", lineage)
	p.auditor.LogCodeReuseDetected(subject, clientID, lineage)
	p.metrics.RecordCodeReuseDetected(ctx)

	return protocol.InvalidGrant("invalid authorization code")
}
