package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/giantswarm/oidc-provider/protocol"
	"github.com/giantswarm/oidc-provider/registry"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/validation"
)

// Revoke implements RFC 7009. Once the client is authenticated the request
// succeeds, whether or not the token was known, valid or issued to it.
//
// Refresh tokens of rotating clients revoke their whole lineage; other
// refresh tokens are removed. Reference access tokens are removed and
// self-contained ones are added to the revoked jti list until they expire.
func (s *Server) Revoke(ctx context.Context, params url.Values, creds validation.Credentials, clientIP string) error {
	ctx, span := s.tracer.Start(ctx, "server.Revoke")
	defer span.End()

	req, err := s.validator.ValidateRevocationRequest(ctx, params, creds)
	if err != nil {
		if protocol.KindOf(err) == protocol.KindInvalidClient {
			s.auditor.LogAuthFailure("", requestClientID(params, creds), clientIP, "client authentication failed")
		}
		return err
	}
	client := req.Client()

	revokers := []func(context.Context, *registry.Client, string) (string, error){
		s.revokeAccessToken, s.revokeRefreshToken,
	}
	if req.TokenTypeHint == protocol.TokenTypeRefresh {
		revokers[0], revokers[1] = revokers[1], revokers[0]
	}

	for _, revoke := range revokers {
		subject, err := revoke(ctx, client, req.Token)
		if errors.Is(err, errTokenNotFound) {
			continue
		}
		if err != nil {
			s.logger.Error("Token revocation failed", "client_id", client.ClientID, "error", err)
			return protocol.AsError(err)
		}
		s.auditor.LogTokenRevoked(subject, client.ClientID, clientIP, req.TokenTypeHint)
		return nil
	}

	s.logger.Debug("Revocation of unknown token", "client_id", client.ClientID)
	return nil
}

// errTokenNotFound means a revoker did not recognize the token.
var errTokenNotFound = errors.New("token not found")

func (s *Server) revokeRefreshToken(ctx context.Context, client *registry.Client, token string) (string, error) {
	handle, err := s.inspector.RefreshHandle(ctx, token)
	if err != nil {
		return "", errTokenNotFound
	}
	rec, err := s.store.GetRefreshToken(ctx, handle)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", errTokenNotFound
		}
		return "", protocol.ServerError(fmt.Errorf("failed to load refresh token: %w", err))
	}
	if rec.ClientID != client.ClientID {
		s.logger.Warn("Client tried to revoke another client's refresh token", "client_id", client.ClientID)
		return "", errTokenNotFound
	}

	if client.RotatesRefreshTokens() {
		if err := s.store.RevokeLineage(ctx, rec.LineageID); err != nil {
			return "", protocol.ServerError(fmt.Errorf("failed to revoke lineage: %w", err))
		}
		s.auditor.LogEvent(security.Event{
			Type:     security.EventLineageRevoked,
			UserID:   rec.Subject.Subject,
			ClientID: client.ClientID,
			Details:  map[string]any{"lineage_id": rec.LineageID, "reason": "revocation_request"},
		})
	} else if err := s.store.RemoveRefreshToken(ctx, handle); err != nil {
		return "", protocol.ServerError(fmt.Errorf("failed to remove refresh token: %w", err))
	}

	s.metrics.RecordTokenRevoked(ctx, protocol.TokenTypeRefresh)
	return rec.Subject.Subject, nil
}

func (s *Server) revokeAccessToken(ctx context.Context, client *registry.Client, token string) (string, error) {
	if strings.Count(token, ".") == 2 {
		// Expired tokens may still be revoked, so only the signature is checked.
		res, err := s.inspector.Inspect(ctx, token)
		if err != nil || res.JWTID == "" {
			return "", errTokenNotFound
		}
		if res.ClientID != client.ClientID {
			return "", errTokenNotFound
		}
		// Signed refresh tokens carry their storage handle as jti.
		if _, err := s.store.GetRefreshToken(ctx, res.JWTID); err == nil {
			return "", errTokenNotFound
		}
		if err := s.store.RevokeTokenID(ctx, res.JWTID, res.ExpiresAt); err != nil {
			return "", protocol.ServerError(fmt.Errorf("failed to revoke token id: %w", err))
		}
		s.metrics.RecordTokenRevoked(ctx, protocol.TokenTypeAccess)
		return res.Subject, nil
	}

	rec, err := s.store.GetReferenceToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", errTokenNotFound
		}
		return "", protocol.ServerError(fmt.Errorf("failed to load reference token: %w", err))
	}
	if rec.ClientID != client.ClientID {
		return "", errTokenNotFound
	}
	if err := s.store.RemoveReferenceToken(ctx, token); err != nil {
		return "", protocol.ServerError(fmt.Errorf("failed to remove reference token: %w", err))
	}
	s.metrics.RecordTokenRevoked(ctx, protocol.TokenTypeAccess)
	return rec.Subject, nil
}
