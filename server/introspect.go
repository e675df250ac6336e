package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"

	"github.com/giantswarm/oidc-provider/protocol"
	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/tokens"
	"github.com/giantswarm/oidc-provider/validation"
)

// IntrospectionResponse is an RFC 7662 response. Inactive responses carry no
// other members.
type IntrospectionResponse struct {
	Active bool
	Claims map[string]any
}

// MarshalJSON writes {"active":false} or the claims with active set.
func (r *IntrospectionResponse) MarshalJSON() ([]byte, error) {
	if !r.Active {
		return []byte(`{"active":false}`), nil
	}
	out := maps.Clone(r.Claims)
	if out == nil {
		out = map[string]any{}
	}
	out["active"] = true
	return json.Marshal(out)
}

// Introspect reports whether a token is active. Authentication failures are
// errors; every problem with the token itself is an inactive response.
//
// API resources see access tokens whose audience includes them, with the
// scope narrowed to their own scopes. Clients see access and refresh tokens
// issued to themselves.
func (s *Server) Introspect(ctx context.Context, params url.Values, creds validation.Credentials) (*IntrospectionResponse, error) {
	ctx, span := s.tracer.Start(ctx, "server.Introspect")
	defer span.End()

	req, err := s.validator.ValidateIntrospectionRequest(ctx, params, creds)
	if err != nil {
		return nil, err
	}

	checks := []func(context.Context, *validation.IntrospectionRequest) (*IntrospectionResponse, error){
		s.introspectAccessToken, s.introspectRefreshToken,
	}
	if req.TokenTypeHint == protocol.TokenTypeRefresh {
		slices.Reverse(checks)
	}

	for _, check := range checks {
		resp, err := check(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.Active {
			s.metrics.RecordTokenValidation(ctx, "introspection", "active")
			return resp, nil
		}
	}
	s.metrics.RecordTokenValidation(ctx, "introspection", "inactive")
	return &IntrospectionResponse{}, nil
}

func (s *Server) introspectAccessToken(ctx context.Context, req *validation.IntrospectionRequest) (*IntrospectionResponse, error) {
	inactive := &IntrospectionResponse{}

	audience := ""
	resource := req.APIResource()
	if resource != nil {
		audience = resource.Name
	}

	res, err := s.inspector.ValidateAccessToken(ctx, req.Token, audience)
	if err != nil {
		if protocol.KindOf(err) == protocol.KindServerError {
			return nil, err
		}
		s.logger.Debug("Introspected token is not an active access token", "reason", protocol.KindOf(err).String())
		return inactive, nil
	}

	scopes := res.Scopes
	if resource != nil {
		scopes = slices.DeleteFunc(slices.Clone(scopes), func(sc string) bool {
			return !slices.Contains(resource.Scopes, sc)
		})
		if len(scopes) == 0 {
			return inactive, nil
		}
	} else if res.ClientID != req.Client().ClientID {
		return inactive, nil
	}

	out := make(map[string]any, len(res.Claims)+1)
	maps.Copy(out, res.Claims)
	out[protocol.ClaimScope] = tokens.FormatScope(scopes)
	out["token_type"] = protocol.TokenTypeAccess
	return &IntrospectionResponse{Active: true, Claims: out}, nil
}

func (s *Server) introspectRefreshToken(ctx context.Context, req *validation.IntrospectionRequest) (*IntrospectionResponse, error) {
	inactive := &IntrospectionResponse{}
	client := req.Client()
	if client == nil {
		return inactive, nil
	}

	handle, err := s.inspector.RefreshHandle(ctx, req.Token)
	if err != nil {
		return inactive, nil
	}
	rec, err := s.store.GetRefreshToken(ctx, handle)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return inactive, nil
		}
		return nil, protocol.ServerError(fmt.Errorf("failed to load refresh token: %w", err))
	}
	if rec.ClientID != client.ClientID || rec.Consumed() || rec.IsExpired(s.clock.Now()) {
		return inactive, nil
	}
	revoked, err := s.store.IsLineageRevoked(ctx, rec.LineageID)
	if err != nil {
		return nil, protocol.ServerError(fmt.Errorf("failed to check lineage: %w", err))
	}
	if revoked {
		return inactive, nil
	}

	return &IntrospectionResponse{Active: true, Claims: map[string]any{
		protocol.ClaimClientID:   rec.ClientID,
		protocol.ClaimSubject:    rec.Subject.Subject,
		protocol.ClaimScope:      tokens.FormatScope(rec.Scopes),
		protocol.ClaimIssuer:     s.config.Issuer,
		protocol.ClaimIssuedAt:   rec.CreatedAt.Unix(),
		protocol.ClaimExpiration: rec.ExpiresAt.Unix(),
		"token_type":             protocol.TokenTypeRefresh,
	}}, nil
}
