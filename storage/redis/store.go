package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/storage"
)

// handleLogLength is the number of characters of a handle included in logs
const handleLogLength = 8

// ============================================================
// AuthorizationCodeStore
// ============================================================

// SaveAuthorizationCode stores a new authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, done := s.obs.Start(ctx, "save_authorization_code")
	defer done(&err)

	if code == nil || code.Code == "" {
		return errors.New("authorization code cannot be empty")
	}
	return s.create(ctx, s.handleKey(kindCode, code.Code), code, s.ttlUntil(code.ExpiresAt, expiredRetention))
}

// ConsumeAuthorizationCode atomically marks the code consumed
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.obs.Start(ctx, "consume_authorization_code")
	defer done(&err)

	key := s.handleKey(kindCode, code)
	var ac storage.AuthorizationCode
	if err := s.load(ctx, key, &ac); err != nil {
		return nil, err
	}

	at, won, err := s.markConsumed(ctx, key, now, s.ttlUntil(ac.ExpiresAt, expiredRetention))
	if err != nil {
		return nil, err
	}
	ac.ConsumedAt = at
	if !won {
		return &ac, storage.ErrAlreadyConsumed
	}

	s.logger.Debug("Marked authorization code as consumed",
		"code_prefix", util.SafeTruncate(code, handleLogLength))
	return &ac, nil
}

// ============================================================
// DeviceCodeStore
// ============================================================

// SaveDeviceCode stores a new device authorization and its user code index
func (s *Store) SaveDeviceCode(ctx context.Context, code *storage.DeviceCode) (err error) {
	ctx, done := s.obs.Start(ctx, "save_device_code")
	defer done(&err)

	if code == nil || code.DeviceCode == "" || code.UserCode == "" {
		return errors.New("device code and user code cannot be empty")
	}

	ttl := s.ttlUntil(code.ExpiresAt, expiredRetention)
	indexKey := s.handleKey(kindUserCode, code.UserCode)

	// claim the user code first; it is the shorter, collision-prone value
	ok, err := s.client.SetNX(ctx, indexKey, util.HashHandle(code.DeviceCode), ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to write user code index: %w", err)
	}
	if !ok {
		return storage.ErrAlreadyExists
	}

	if err := s.create(ctx, s.handleKey(kindDevice, code.DeviceCode), code, ttl); err != nil {
		_ = s.client.Del(ctx, indexKey).Err()
		return err
	}
	return nil
}

// deviceKeyByUserCode resolves the record key of a user code
func (s *Store) deviceKeyByUserCode(ctx context.Context, userCode string) (string, error) {
	id, err := s.client.Get(ctx, s.handleKey(kindUserCode, userCode)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("failed to read user code index: %w", err)
	}
	return s.key(kindDevice, id), nil
}

// loadDevice reads a device record together with its poll and consumed markers
func (s *Store) loadDevice(ctx context.Context, key string) (*storage.DeviceCode, error) {
	var dc storage.DeviceCode
	if err := s.load(ctx, key, &dc); err != nil {
		return nil, err
	}

	raw, err := s.client.Get(ctx, s.devicePollKey(key)).Result()
	switch {
	case errors.Is(err, goredis.Nil):
	case err != nil:
		return nil, fmt.Errorf("failed to read poll marker: %w", err)
	default:
		if dc.LastPolledAt, err = parseUnixNano(raw); err != nil {
			return nil, err
		}
	}

	if dc.ConsumedAt, err = s.consumedAt(ctx, key); err != nil {
		return nil, err
	}
	return &dc, nil
}

func (s *Store) devicePollKey(deviceKey string) string {
	return s.prefix + kindDevicePoll + ":" + deviceKey
}

// GetDeviceCodeByUserCode looks up a device authorization by user code
func (s *Store) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (_ *storage.DeviceCode, err error) {
	ctx, done := s.obs.Start(ctx, "get_device_code")
	defer done(&err)

	key, err := s.deviceKeyByUserCode(ctx, userCode)
	if err != nil {
		return nil, err
	}
	return s.loadDevice(ctx, key)
}

// RecordDevicePoll records a poll and returns the state before it
func (s *Store) RecordDevicePoll(ctx context.Context, deviceCode string, now time.Time) (_ *storage.DeviceCode, err error) {
	ctx, done := s.obs.Start(ctx, "record_device_poll")
	defer done(&err)

	key := s.handleKey(kindDevice, deviceCode)
	dc, err := s.loadDevice(ctx, key)
	if err != nil {
		return nil, err
	}

	pollKey := s.devicePollKey(key)
	var prev *goredis.StringCmd
	_, err = s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		prev = p.GetSet(ctx, pollKey, now.UnixNano())
		p.Expire(ctx, pollKey, s.ttlUntil(dc.ExpiresAt, expiredRetention))
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("failed to record poll: %w", err)
	}

	// the value swapped out is authoritative over the one read above
	dc.LastPolledAt = time.Time{}
	if raw, err := prev.Result(); err == nil {
		if dc.LastPolledAt, err = parseUnixNano(raw); err != nil {
			return nil, err
		}
	}
	return dc, nil
}

// DecideDeviceCode records the resource owner's decision on a pending authorization
func (s *Store) DecideDeviceCode(ctx context.Context, userCode string, decision storage.DeviceDecision) (err error) {
	ctx, done := s.obs.Start(ctx, "decide_device_code")
	defer done(&err)

	if decision.Status != storage.DeviceCodeAuthorized && decision.Status != storage.DeviceCodeDenied {
		return fmt.Errorf("%w: decision must be authorized or denied", storage.ErrInvalidState)
	}

	key, err := s.deviceKeyByUserCode(ctx, userCode)
	if err != nil {
		return err
	}

	txf := func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return storage.ErrNotFound
			}
			return err
		}

		var dc storage.DeviceCode
		if err := s.decode(key, raw, &dc); err != nil {
			return err
		}
		if dc.Status != storage.DeviceCodePending {
			return storage.ErrInvalidState
		}

		dc.Status = decision.Status
		if decision.Status == storage.DeviceCodeAuthorized {
			dc.Subject = decision.Subject
			if len(decision.Scopes) > 0 {
				dc.Scopes = slices.Clone(decision.Scopes)
			}
		}

		updated, err := s.encode(key, &dc)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, key, updated, s.ttlUntil(dc.ExpiresAt, expiredRetention))
			return nil
		})
		return err
	}

	for range maxWatchRetries {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("failed to decide device code after %d attempts: %w", maxWatchRetries, err)
}

// ConsumeDeviceCode atomically marks an authorized device code as redeemed
func (s *Store) ConsumeDeviceCode(ctx context.Context, deviceCode string, now time.Time) (_ *storage.DeviceCode, err error) {
	ctx, done := s.obs.Start(ctx, "consume_device_code")
	defer done(&err)

	key := s.handleKey(kindDevice, deviceCode)
	dc, err := s.loadDevice(ctx, key)
	if err != nil {
		return nil, err
	}
	if dc.Consumed() {
		return dc, storage.ErrAlreadyConsumed
	}
	if dc.Status != storage.DeviceCodeAuthorized {
		return nil, storage.ErrInvalidState
	}

	at, won, err := s.markConsumed(ctx, key, now, s.ttlUntil(dc.ExpiresAt, expiredRetention))
	if err != nil {
		return nil, err
	}
	dc.ConsumedAt = at
	if !won {
		return dc, storage.ErrAlreadyConsumed
	}
	return dc, nil
}

// ============================================================
// RefreshTokenStore
// ============================================================

// SaveRefreshToken stores a new refresh token and indexes it under its lineage
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, done := s.obs.Start(ctx, "save_refresh_token")
	defer done(&err)

	if token == nil || token.Handle == "" {
		return errors.New("refresh token handle cannot be empty")
	}

	ttl := s.ttlUntil(token.ExpiresAt, 0)
	if err := s.create(ctx, s.handleKey(kindRefresh, token.Handle), token, ttl); err != nil {
		return err
	}

	if token.LineageID != "" {
		membersKey := s.key(kindLineageMembers, token.LineageID)
		_, err := s.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
			p.SAdd(ctx, membersKey, util.HashHandle(token.Handle))
			p.Expire(ctx, membersKey, ttl)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to index refresh token lineage: %w", err)
		}
	}
	return nil
}

// GetRefreshToken returns a stored refresh token
func (s *Store) GetRefreshToken(ctx context.Context, handle string) (_ *storage.RefreshToken, err error) {
	ctx, done := s.obs.Start(ctx, "get_refresh_token")
	defer done(&err)

	key := s.handleKey(kindRefresh, handle)
	var rt storage.RefreshToken
	if err := s.load(ctx, key, &rt); err != nil {
		return nil, err
	}
	if rt.ConsumedAt, err = s.consumedAt(ctx, key); err != nil {
		return nil, err
	}
	return &rt, nil
}

// ConsumeRefreshToken atomically marks the token as rotated away
func (s *Store) ConsumeRefreshToken(ctx context.Context, handle string, now time.Time) (_ *storage.RefreshToken, err error) {
	ctx, done := s.obs.Start(ctx, "consume_refresh_token")
	defer done(&err)

	key := s.handleKey(kindRefresh, handle)
	var rt storage.RefreshToken
	if err := s.load(ctx, key, &rt); err != nil {
		return nil, err
	}

	at, won, err := s.markConsumed(ctx, key, now, s.ttlUntil(rt.ExpiresAt, 0))
	if err != nil {
		return nil, err
	}
	rt.ConsumedAt = at
	if !won {
		return &rt, storage.ErrAlreadyConsumed
	}
	return &rt, nil
}

// RemoveRefreshToken deletes a refresh token
func (s *Store) RemoveRefreshToken(ctx context.Context, handle string) (err error) {
	ctx, done := s.obs.Start(ctx, "remove_refresh_token")
	defer done(&err)

	key := s.handleKey(kindRefresh, handle)
	var rt storage.RefreshToken
	if err := s.load(ctx, key, &rt); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}

	_, err = s.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, key, s.consumedKey(key))
		if rt.LineageID != "" {
			p.SRem(ctx, s.key(kindLineageMembers, rt.LineageID), util.HashHandle(handle))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove refresh token: %w", err)
	}
	return nil
}

// RevokeLineage marks the lineage revoked and deletes its refresh tokens
func (s *Store) RevokeLineage(ctx context.Context, lineageID string) (err error) {
	ctx, done := s.obs.Start(ctx, "revoke_lineage")
	defer done(&err)

	if lineageID == "" {
		return errors.New("lineage id cannot be empty")
	}

	if err := s.client.Set(ctx, s.key(kindLineage, lineageID), s.clock.Now().UnixNano(), s.lineageRetention).Err(); err != nil {
		return fmt.Errorf("failed to revoke lineage: %w", err)
	}

	membersKey := s.key(kindLineageMembers, lineageID)
	members, err := s.client.SMembers(ctx, membersKey).Result()
	if err != nil {
		return fmt.Errorf("failed to list lineage members: %w", err)
	}

	keys := make([]string, 0, 2*len(members)+1)
	for _, id := range members {
		recordKey := s.key(kindRefresh, id)
		keys = append(keys, recordKey, s.consumedKey(recordKey))
	}
	keys = append(keys, membersKey)
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete lineage tokens: %w", err)
	}

	s.logger.Debug("Revoked refresh token lineage",
		"lineage_id", lineageID,
		"tokens_removed", len(members))
	return nil
}

// IsLineageRevoked reports whether the lineage was revoked
func (s *Store) IsLineageRevoked(ctx context.Context, lineageID string) (_ bool, err error) {
	ctx, done := s.obs.Start(ctx, "is_lineage_revoked")
	defer done(&err)

	n, err := s.client.Exists(ctx, s.key(kindLineage, lineageID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check lineage: %w", err)
	}
	return n > 0, nil
}

// ============================================================
// ReferenceTokenStore
// ============================================================

// SaveReferenceToken stores a reference token
func (s *Store) SaveReferenceToken(ctx context.Context, token *storage.ReferenceToken) (err error) {
	ctx, done := s.obs.Start(ctx, "save_reference_token")
	defer done(&err)

	if token == nil || token.Handle == "" {
		return errors.New("reference token handle cannot be empty")
	}
	return s.create(ctx, s.handleKey(kindReference, token.Handle), token, s.ttlUntil(token.ExpiresAt, expiredRetention))
}

// GetReferenceToken returns a reference token
func (s *Store) GetReferenceToken(ctx context.Context, handle string) (_ *storage.ReferenceToken, err error) {
	ctx, done := s.obs.Start(ctx, "get_reference_token")
	defer done(&err)

	var rt storage.ReferenceToken
	if err := s.load(ctx, s.handleKey(kindReference, handle), &rt); err != nil {
		return nil, err
	}
	return &rt, nil
}

// RemoveReferenceToken deletes a reference token
func (s *Store) RemoveReferenceToken(ctx context.Context, handle string) (err error) {
	ctx, done := s.obs.Start(ctx, "remove_reference_token")
	defer done(&err)

	if err := s.client.Del(ctx, s.handleKey(kindReference, handle)).Err(); err != nil {
		return fmt.Errorf("failed to remove reference token: %w", err)
	}
	return nil
}

// ============================================================
// RevocationStore and ReplayCache
// ============================================================

// RevokeTokenID adds a self-contained token id to the revocation list until it expires
func (s *Store) RevokeTokenID(ctx context.Context, jti string, expiresAt time.Time) (err error) {
	ctx, done := s.obs.Start(ctx, "revoke_token_id")
	defer done(&err)

	if err := s.client.Set(ctx, s.key(kindRevokedJTI, jti), 1, s.ttlUntil(expiresAt, 0)).Err(); err != nil {
		return fmt.Errorf("failed to revoke token id: %w", err)
	}
	return nil
}

// IsTokenIDRevoked reports whether a token id is on the revocation list
func (s *Store) IsTokenIDRevoked(ctx context.Context, jti string) (_ bool, err error) {
	ctx, done := s.obs.Start(ctx, "is_token_id_revoked")
	defer done(&err)

	n, err := s.client.Exists(ctx, s.key(kindRevokedJTI, jti)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check token id: %w", err)
	}
	return n > 0, nil
}

// MarkUsed records a single-use value until expiresAt
func (s *Store) MarkUsed(ctx context.Context, purpose, value string, expiresAt time.Time) (_ bool, err error) {
	ctx, done := s.obs.Start(ctx, "mark_used")
	defer done(&err)

	first, err := s.client.SetNX(ctx, s.key(kindReplay, purpose+":"+util.HashHandle(value)), 1, s.ttlUntil(expiresAt, 0)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record %s: %w", purpose, err)
	}
	return first, nil
}
