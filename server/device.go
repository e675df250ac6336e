package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/protocol"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/tokens"
	"github.com/giantswarm/oidc-provider/validation"
)

// userCodeAttempts bounds retries when a generated user code collides.
const userCodeAttempts = 5

// DeviceAuthorizationResponse is the RFC 8628 section 3.2 response.
type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

// DeviceAuthorization starts a device flow for the authenticated client.
func (s *Server) DeviceAuthorization(ctx context.Context, params url.Values, creds validation.Credentials) (*DeviceAuthorizationResponse, error) {
	ctx, span := s.tracer.Start(ctx, "server.DeviceAuthorization")
	defer span.End()

	req, err := s.validator.ValidateDeviceAuthorizationRequest(ctx, params, creds)
	if err != nil {
		return nil, err
	}
	client := req.Client()

	now := s.clock.Now()
	dc := &storage.DeviceCode{
		DeviceCode: util.GenerateHandle(),
		ClientID:   client.ClientID,
		Status:     storage.DeviceCodePending,
		Scopes:     req.Resources().Scopes,
		Resources:  req.ResourceIndicators(),
		Interval:   client.PollingInterval,
		CreatedAt:  now,
		ExpiresAt:  now.Add(client.DeviceCodeLifetime),
	}

	for attempt := 1; ; attempt++ {
		if dc.UserCode, err = s.generateUserCode(); err != nil {
			return nil, protocol.ServerError(err)
		}
		err = s.store.SaveDeviceCode(ctx, dc)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrAlreadyExists) || attempt == userCodeAttempts {
			return nil, protocol.ServerError(fmt.Errorf("failed to store device code: %w", err))
		}
	}

	complete, err := AppendQuery(s.config.VerificationURI, url.Values{"user_code": {dc.UserCode}})
	if err != nil {
		return nil, protocol.ServerError(fmt.Errorf("failed to build verification URI: %w", err))
	}

	s.logger.Debug("Device authorization started",
		"client_id", client.ClientID,
		"device_code_prefix", util.SafeTruncate(dc.DeviceCode, 6))

	return &DeviceAuthorizationResponse{
		DeviceCode:              dc.DeviceCode,
		UserCode:                dc.UserCode,
		VerificationURI:         s.config.VerificationURI,
		VerificationURIComplete: complete,
		ExpiresIn:               tokens.ExpiresIn(now, dc.ExpiresAt),
		Interval:                int64(dc.Interval.Seconds()),
	}, nil
}

// LookupDeviceAuthorization returns the pending authorization for a user code
// entered at the verification URI. Separators and case are ignored.
func (s *Server) LookupDeviceAuthorization(ctx context.Context, userCode string) (*storage.DeviceCode, error) {
	dc, err := s.store.GetDeviceCodeByUserCode(ctx, s.normalizeUserCode(userCode))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, protocol.InvalidRequest("unknown user code")
		}
		return nil, protocol.ServerError(fmt.Errorf("failed to load device code: %w", err))
	}
	if dc.IsExpired(s.clock.Now()) {
		return nil, protocol.Expired("user code has expired")
	}
	if dc.Status != storage.DeviceCodePending {
		return nil, protocol.InvalidRequest("user code was already used")
	}
	return dc, nil
}

// ApproveDevice authorizes a pending device flow for subject. scopes narrows
// the requested scopes; empty grants all of them.
func (s *Server) ApproveDevice(ctx context.Context, userCode string, subject storage.SubjectContext, scopes []string) error {
	dc, err := s.LookupDeviceAuthorization(ctx, userCode)
	if err != nil {
		return err
	}
	if subject.Subject == "" {
		return protocol.InvalidRequest("subject is required")
	}
	for _, scope := range scopes {
		if !slices.Contains(dc.Scopes, scope) {
			return protocol.InvalidScope("scope " + scope + " was not requested")
		}
	}

	err = s.store.DecideDeviceCode(ctx, dc.UserCode, storage.DeviceDecision{
		Status:  storage.DeviceCodeAuthorized,
		Subject: subject,
		Scopes:  scopes,
	})
	if err != nil {
		return decisionError(err)
	}

	s.auditor.LogEvent(security.Event{
		Type:     security.EventDeviceAuthorized,
		UserID:   subject.Subject,
		ClientID: dc.ClientID,
	})
	return nil
}

// DenyDevice rejects a pending device flow. The polling client receives
// access_denied.
func (s *Server) DenyDevice(ctx context.Context, userCode string) error {
	dc, err := s.LookupDeviceAuthorization(ctx, userCode)
	if err != nil {
		return err
	}
	if err := s.store.DecideDeviceCode(ctx, dc.UserCode, storage.DeviceDecision{Status: storage.DeviceCodeDenied}); err != nil {
		return decisionError(err)
	}

	s.auditor.LogEvent(security.Event{Type: security.EventDeviceDenied, ClientID: dc.ClientID})
	return nil
}

func decisionError(err error) error {
	switch {
	case errors.Is(err, storage.ErrInvalidState):
		return protocol.InvalidRequest("user code was already used")
	case errors.Is(err, storage.ErrNotFound):
		return protocol.InvalidRequest("unknown user code")
	}
	return protocol.ServerError(fmt.Errorf("failed to record device decision: %w", err))
}

// generateUserCode draws UserCodeLength characters from the charset without
// modulo bias and groups them in blocks of four.
func (s *Server) generateUserCode() (string, error) {
	charset := s.config.UserCodeCharset
	limit := 256 - 256%len(charset)

	out := make([]byte, 0, s.config.UserCodeLength)
	buf := make([]byte, s.config.UserCodeLength*2)
	for len(out) < s.config.UserCodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to generate user code: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, charset[int(b)%len(charset)])
			if len(out) == s.config.UserCodeLength {
				break
			}
		}
	}
	return groupUserCode(string(out)), nil
}

// normalizeUserCode maps user input onto the stored format.
func (s *Server) normalizeUserCode(input string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(input) {
		if strings.ContainsRune(s.config.UserCodeCharset, r) {
			b.WriteRune(r)
		}
	}
	return groupUserCode(b.String())
}

func groupUserCode(code string) string {
	var b strings.Builder
	for i, r := range code {
		if i > 0 && i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}
