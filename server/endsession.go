package server

import (
	"context"
	"fmt"
	"net/url"

	"github.com/giantswarm/oidc-provider/protocol"
	"github.com/giantswarm/oidc-provider/security"
)

// EndSessionResult tells the host application whose session to end and where
// to send the user afterwards.
type EndSessionResult struct {
	// Subject, SessionID and ClientID come from a valid id_token_hint.
	Subject   string
	SessionID string
	ClientID  string

	// RedirectURI is the validated post-logout redirect with state, or empty.
	RedirectURI string
}

// EndSession validates an RP-initiated logout request. The id_token_hint may
// be expired; post_logout_redirect_uri must be registered for the client named
// by the hint or by client_id.
func (s *Server) EndSession(ctx context.Context, params url.Values) (*EndSessionResult, error) {
	result := &EndSessionResult{ClientID: params.Get(protocol.ParamClientID)}

	if hint := params.Get(protocol.ParamIDTokenHint); hint != "" {
		res, err := s.inspector.ValidateIdentityToken(ctx, hint, result.ClientID, true)
		if err != nil {
			if protocol.KindOf(err) == protocol.KindServerError {
				return nil, err
			}
			return nil, protocol.InvalidRequest("invalid id_token_hint").WithCause(err)
		}
		result.Subject = res.Subject
		result.SessionID, _ = res.Claims[protocol.ClaimSessionID].(string)
		if result.ClientID == "" && len(res.Audiences) > 0 {
			result.ClientID = res.Audiences[0]
		}
	}

	if uri := params.Get(protocol.ParamPostLogoutRedirectURI); uri != "" {
		if result.ClientID == "" {
			return nil, protocol.InvalidRequest("client_id or id_token_hint is required with post_logout_redirect_uri")
		}
		client, ok := s.registry.Snapshot().Client(result.ClientID)
		if !ok || !client.IsPostLogoutRedirectURIAllowed(uri) {
			s.auditor.LogEvent(security.Event{
				Type:     security.EventInvalidRedirect,
				ClientID: result.ClientID,
				Details:  map[string]any{"reason": "post_logout_redirect_uri not registered"},
			})
			return nil, protocol.InvalidRequest("post_logout_redirect_uri is not registered")
		}

		redirect := uri
		if state := params.Get(protocol.ParamState); state != "" {
			var err error
			if redirect, err = AppendQuery(uri, url.Values{protocol.ParamState: {state}}); err != nil {
				return nil, protocol.ServerError(fmt.Errorf("failed to build redirect: %w", err))
			}
		}
		result.RedirectURI = redirect
	}

	s.auditor.LogEvent(security.Event{
		Type:     security.EventEndSession,
		UserID:   result.Subject,
		ClientID: result.ClientID,
	})
	return result, nil
}
