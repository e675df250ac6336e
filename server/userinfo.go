package server

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/giantswarm/oidc-provider/claims"
	"github.com/giantswarm/oidc-provider/protocol"
	"github.com/giantswarm/oidc-provider/storage"
)

// ErrInsufficientScope is the cause of UserInfo rejections for access tokens
// without the openid scope. The HTTP layer reports it as insufficient_scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo returns the claims of the identity scopes granted to accessToken.
func (s *Server) UserInfo(ctx context.Context, accessToken string) (*claims.Payload, error) {
	ctx, span := s.tracer.Start(ctx, "server.UserInfo")
	defer span.End()

	res, err := s.inspector.ValidateAccessToken(ctx, accessToken, "")
	if err != nil {
		s.metrics.RecordTokenValidation(ctx, "userinfo", protocol.KindOf(err).String())
		return nil, err
	}
	if !res.HasScope(protocol.ScopeOpenID) {
		s.metrics.RecordTokenValidation(ctx, "userinfo", "insufficient_scope")
		return nil, protocol.AccessDenied("openid scope is required").WithCause(ErrInsufficientScope)
	}
	if res.Subject == "" {
		return nil, protocol.InvalidToken("token has no subject")
	}

	active, err := s.profiles.IsActive(ctx, res.Subject)
	if err != nil {
		return nil, protocol.ServerError(fmt.Errorf("failed to check subject: %w", err))
	}
	if !active {
		return nil, protocol.InvalidToken("subject is not active")
	}

	snap := s.registry.Snapshot()
	var claimTypes []string
	for _, scope := range res.Scopes {
		if ir, ok := snap.IdentityResource(scope); ok {
			for _, ct := range ir.UserClaims {
				if !slices.Contains(claimTypes, ct) {
					claimTypes = append(claimTypes, ct)
				}
			}
		}
	}

	subject := storage.SubjectContext{Subject: res.Subject}
	profile, err := s.profiles.ProfileClaims(ctx, subject, claimTypes)
	if err != nil {
		return nil, protocol.ServerError(fmt.Errorf("failed to load profile claims: %w", err))
	}

	out := []claims.Claim{claims.New(protocol.ClaimSubject, res.Subject)}
	out = append(out, claims.ExcludeTypes(profile, []string{protocol.ClaimSubject})...)
	payload, err := claims.BuildPayload(out, claims.Options{})
	if err != nil {
		return nil, protocol.ServerError(fmt.Errorf("failed to build userinfo: %w", err))
	}

	s.metrics.RecordTokenValidation(ctx, "userinfo", "valid")
	return payload, nil
}
