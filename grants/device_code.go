package grants

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/giantswarm/oidc-provider/protocol"
	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/validation"
)

// Device poll outcomes recorded in metrics.
const (
	pollSlowDown   = "slow_down"
	pollPending    = "authorization_pending"
	pollDenied     = "access_denied"
	pollExpired    = "expired_token"
	pollAuthorized = "authorized"
	pollInvalid    = "invalid_grant"
)

type deviceCodeProcessor struct{ *deps }

func (p *deviceCodeProcessor) Process(ctx context.Context, req *validation.ValidatedRequest) (*Instruction, error) {
	inst, result, err := p.poll(ctx, req)
	p.metrics.RecordDevicePoll(ctx, result)
	return inst, err
}

func (p *deviceCodeProcessor) poll(ctx context.Context, req *validation.ValidatedRequest) (*Instruction, string, error) {
	client := req.Client()
	deviceCode := req.Param(protocol.ParamDeviceCode)
	now := p.clock.Now()

	prev, err := p.devices.RecordDevicePoll(ctx, deviceCode, now)
	if err != nil {
		return nil, pollInvalid, storeError(err, "device code")
	}
	if prev.ClientID != client.ClientID || prev.Consumed() {
		return nil, pollInvalid, protocol.InvalidGrant("invalid device code")
	}
	if prev.IsExpired(now) {
		return nil, pollExpired, protocol.Expired("device code has expired")
	}
	if !prev.LastPolledAt.IsZero() && now.Sub(prev.LastPolledAt) < prev.Interval {
		return nil, pollSlowDown, protocol.SlowDown()
	}

	switch prev.Status {
	case storage.DeviceCodePending:
		return nil, pollPending, protocol.AuthorizationPending()
	case storage.DeviceCodeDenied:
		return nil, pollDenied, protocol.AccessDenied("the user denied the request")
	case storage.DeviceCodeAuthorized:
	default:
		return nil, pollInvalid, protocol.InvalidGrant("invalid device code")
	}

	rec, err := p.devices.ConsumeDeviceCode(ctx, deviceCode, now)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyConsumed) || errors.Is(err, storage.ErrInvalidState) {
			return nil, pollInvalid, protocol.InvalidGrant("invalid device code")
		}
		return nil, pollInvalid, storeError(err, "device code")
	}

	if err := p.ensureActive(ctx, rec.Subject.Subject); err != nil {
		return nil, pollInvalid, err
	}
	res, err := resolveStored(req, rec.Scopes, rec.Resources)
	if err != nil {
		return nil, pollInvalid, err
	}

	subject := rec.Subject
	return &Instruction{
		GrantType: protocol.GrantTypeDeviceCode,
		Client:    client,
		Resources: res,
		Subject:   &subject,
		LineageID: uuid.NewString(),
		Refresh:   refreshPlan(client, res, rec.Scopes, rec.Resources),
	}, pollAuthorized, nil
}
