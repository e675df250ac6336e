package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/protocol"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/validation"
)

// ValidateAuthorizeRequest validates an authorization request. Rejections
// that may be sent back to the client's redirect URI are returned as
// *validation.RedirectableError; all others must be shown to the user.
func (s *Server) ValidateAuthorizeRequest(ctx context.Context, params url.Values) (*validation.ValidatedRequest, error) {
	req, err := s.validator.ValidateAuthorizeRequest(ctx, params)
	if err != nil {
		var redirectable *validation.RedirectableError
		if !errors.As(err, &redirectable) && protocol.KindOf(err) == protocol.KindInvalidRequest {
			s.auditor.LogEvent(security.Event{
				Type:     security.EventInvalidRedirect,
				ClientID: params.Get(protocol.ParamClientID),
				Details:  map[string]any{"reason": err.Error()},
			})
		}
		return nil, err
	}
	return req, nil
}

// IssueAuthorizationCode stores a code for the authenticated subject and
// returns the redirect URI carrying code, state and iss (RFC 9207).
func (s *Server) IssueAuthorizationCode(ctx context.Context, req *validation.ValidatedRequest, subject storage.SubjectContext) (string, error) {
	ctx, span := s.tracer.Start(ctx, "server.IssueAuthorizationCode")
	defer span.End()

	client := req.Client()
	if subject.Subject == "" {
		return "", protocol.ServerError(errors.New("subject is required"))
	}
	active, err := s.profiles.IsActive(ctx, subject.Subject)
	if err != nil {
		return "", protocol.ServerError(fmt.Errorf("failed to check subject: %w", err))
	}
	if !active {
		return "", &validation.RedirectableError{
			RedirectURI: req.RedirectURI(),
			State:       req.State(),
			Err:         protocol.AccessDenied("the user is not allowed to sign in"),
		}
	}

	challenge, method := req.CodeChallenge()
	if challenge != "" && method == "" {
		method = protocol.PKCEMethodPlain
	}

	now := s.clock.Now()
	code := &storage.AuthorizationCode{
		Code:                util.GenerateHandle(),
		ClientID:            client.ClientID,
		Subject:             subject,
		RedirectURI:         req.RedirectURI(),
		Scopes:              req.Resources().Scopes,
		Resources:           req.ResourceIndicators(),
		Nonce:               req.Nonce(),
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		CreatedAt:           now,
		ExpiresAt:           now.Add(client.AuthorizationCodeLifetime),
	}
	if err := s.store.SaveAuthorizationCode(ctx, code); err != nil {
		return "", protocol.ServerError(fmt.Errorf("failed to store authorization code: %w", err))
	}

	values := url.Values{
		protocol.ParamCode:   {code.Code},
		protocol.ParamIssuer: {s.config.Issuer},
	}
	if state := req.State(); state != "" {
		values.Set(protocol.ParamState, state)
	}
	redirect, err := AppendQuery(code.RedirectURI, values)
	if err != nil {
		return "", protocol.ServerError(fmt.Errorf("failed to build redirect: %w", err))
	}

	s.auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationCodeIssued,
		UserID:   subject.Subject,
		ClientID: client.ClientID,
		Details:  map[string]any{"scope": code.Scopes, "pkce_method": method},
	})
	s.logger.Debug("Authorization code issued",
		"client_id", client.ClientID,
		"code_prefix", util.SafeTruncate(code.Code, 6))
	return redirect, nil
}
