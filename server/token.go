package server

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"slices"

	"github.com/giantswarm/oidc-provider/grants"
	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/protocol"
	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/tokens"
	"github.com/giantswarm/oidc-provider/validation"
)

// TokenResponse is a successful token endpoint response.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	IDToken      string
	Scope        string

	// Extra holds members added by extension grants. Standard members win
	// on conflict.
	Extra map[string]any
}

// MarshalJSON writes the RFC 6749 section 5.1 members followed by Extra.
func (r *TokenResponse) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 6+len(r.Extra))
	maps.Copy(out, r.Extra)
	out["access_token"] = r.AccessToken
	out["token_type"] = r.TokenType
	out["expires_in"] = r.ExpiresIn
	if r.RefreshToken != "" {
		out["refresh_token"] = r.RefreshToken
	}
	if r.IDToken != "" {
		out["id_token"] = r.IDToken
	}
	if r.Scope != "" {
		out["scope"] = r.Scope
	}
	return json.Marshal(out)
}

// Token runs a token endpoint request through validation, the grant
// processor and issuance. Rejections are *protocol.Error values.
func (s *Server) Token(ctx context.Context, params url.Values, creds validation.Credentials, clientIP string) (*TokenResponse, error) {
	ctx, span := s.tracer.Start(ctx, "server.Token")
	defer span.End()

	grantType := s.grantTypeLabel(params.Get(protocol.ParamGrantType))

	resp, err := s.token(ctx, params, creds, clientIP)
	if err != nil {
		kind := protocol.KindOf(err)
		s.metrics.RecordTokenRequestFailed(ctx, grantType, kind.String())
		instrumentation.RecordError(span, err)

		switch kind {
		case protocol.KindInvalidClient:
			s.auditor.LogAuthFailure("", requestClientID(params, creds), clientIP, "client authentication failed")
		case protocol.KindServerError:
			s.logger.Error("Token request failed", "grant_type", grantType, "error", err)
		}
		return nil, protocol.AsError(err)
	}

	instrumentation.SetSpanSuccess(span)
	return resp, nil
}

func (s *Server) token(ctx context.Context, params url.Values, creds validation.Credentials, clientIP string) (*TokenResponse, error) {
	req, err := s.validator.ValidateTokenRequest(ctx, params, creds)
	if err != nil {
		return nil, err
	}
	inst, err := s.dispatcher.Process(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, inst, clientIP)
}

// issue mints every token of inst, then persists the reference and refresh
// records. Nothing is returned unless every record was stored; records stored
// before a failure are removed again.
func (s *Server) issue(ctx context.Context, inst *grants.Instruction, clientIP string) (*TokenResponse, error) {
	req := tokens.Request{
		Client:    inst.Client,
		Resources: inst.Resources,
		Subject:   inst.Subject,
		Nonce:     inst.Nonce,
		LineageID: inst.LineageID,
	}

	at, err := s.tokens.CreateAccessToken(ctx, req)
	if err != nil {
		return nil, protocol.ServerError(fmt.Errorf("failed to create access token: %w", err))
	}
	access, err := s.tokens.Serialize(ctx, at)
	if err != nil {
		return nil, protocol.ServerError(fmt.Errorf("failed to serialize access token: %w", err))
	}

	resp := &TokenResponse{
		AccessToken: access.Value,
		TokenType:   protocol.TokenTypeBearer,
		ExpiresIn:   tokens.ExpiresIn(s.clock.Now(), access.ExpiresAt),
		Scope:       tokens.FormatScope(inst.Resources.Scopes),
		Extra:       inst.CustomResponse,
	}

	if inst.IssuesIdentityToken() {
		it, err := s.tokens.CreateIdentityToken(ctx, req, access.Value)
		if err != nil {
			return nil, protocol.ServerError(fmt.Errorf("failed to create identity token: %w", err))
		}
		identity, err := s.tokens.Serialize(ctx, it)
		if err != nil {
			return nil, protocol.ServerError(fmt.Errorf("failed to serialize identity token: %w", err))
		}
		resp.IDToken = identity.Value
	}

	var refresh *storage.RefreshToken
	if plan := inst.Refresh; plan != nil && inst.Subject != nil {
		if plan.Reuse != "" {
			resp.RefreshToken = plan.Reuse
		} else {
			rt, err := s.tokens.CreateRefreshToken(ctx, tokens.RefreshRequest{
				Client:     inst.Client,
				Subject:    *inst.Subject,
				Scopes:     plan.Scopes,
				Resources:  plan.Resources,
				LineageID:  inst.LineageID,
				Generation: plan.Generation,
				ExpiresAt:  plan.ExpiresAt,
			})
			if err != nil {
				return nil, protocol.ServerError(fmt.Errorf("failed to create refresh token: %w", err))
			}
			resp.RefreshToken = rt.Value
			refresh = rt.Record
		}
	}

	if err := s.persist(ctx, access.Reference, refresh); err != nil {
		return nil, err
	}

	s.recordIssued(ctx, inst, resp, clientIP)
	return resp, nil
}

// persist stores the records of one response, all or nothing.
func (s *Server) persist(ctx context.Context, reference *storage.ReferenceToken, refresh *storage.RefreshToken) error {
	var undo []func(context.Context) error

	rollback := func(cause error) error {
		// The request context may be cancelled already.
		cleanupCtx := context.WithoutCancel(ctx)
		for _, u := range slices.Backward(undo) {
			if err := u(cleanupCtx); err != nil {
				s.logger.Error("Failed to roll back issued token", "error", err)
			}
		}
		return protocol.ServerError(cause)
	}

	if reference != nil {
		if err := s.store.SaveReferenceToken(ctx, reference); err != nil {
			return rollback(fmt.Errorf("failed to store reference token: %w", err))
		}
		handle := reference.Handle
		undo = append(undo, func(ctx context.Context) error {
			return s.store.RemoveReferenceToken(ctx, handle)
		})
	}
	if refresh != nil {
		if err := s.store.SaveRefreshToken(ctx, refresh); err != nil {
			return rollback(fmt.Errorf("failed to store refresh token: %w", err))
		}
		handle := refresh.Handle
		undo = append(undo, func(ctx context.Context) error {
			return s.store.RemoveRefreshToken(ctx, handle)
		})
	}

	if err := ctx.Err(); err != nil {
		return rollback(fmt.Errorf("request abandoned during issuance: %w", err))
	}
	return nil
}

func (s *Server) recordIssued(ctx context.Context, inst *grants.Instruction, resp *TokenResponse, clientIP string) {
	s.metrics.RecordTokenIssued(ctx, inst.GrantType, protocol.TokenTypeAccess)
	if resp.IDToken != "" {
		s.metrics.RecordTokenIssued(ctx, inst.GrantType, protocol.TokenTypeIdentity)
	}
	if resp.RefreshToken != "" {
		s.metrics.RecordTokenIssued(ctx, inst.GrantType, protocol.TokenTypeRefresh)
	}

	subject := ""
	if inst.Subject != nil {
		subject = inst.Subject.Subject
	}
	s.auditor.LogTokenIssued(subject, inst.Client.ClientID, clientIP, inst.GrantType, resp.Scope)

	s.logger.Debug("Tokens issued",
		"grant_type", inst.GrantType,
		"client_id", inst.Client.ClientID,
		"lineage_id", util.SafeTruncate(inst.LineageID, 8),
		"identity_token", resp.IDToken != "",
		"refresh_token", resp.RefreshToken != "")
}

// grantTypeLabel bounds the grant_type metric label to registered grant types.
func (s *Server) grantTypeLabel(grantType string) string {
	if slices.Contains(s.dispatcher.GrantTypes(), grantType) {
		return grantType
	}
	return "unknown"
}

func requestClientID(params url.Values, creds validation.Credentials) string {
	if creds.ClientID != "" {
		return creds.ClientID
	}
	return params.Get(protocol.ParamClientID)
}
