package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/storage"
)

const (
	tableCodes     = "authorization_codes"
	tableDevices   = "device_codes"
	tableRefresh   = "refresh_tokens"
	tableReference = "reference_tokens"
)

// insert runs an INSERT and maps constraint violations to storage.ErrAlreadyExists.
func (s *Store) insert(ctx context.Context, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

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

	id := util.HashHandle(code.Code)
	payload, err := s.seal(tableCodes, id, code)
	if err != nil {
		return err
	}
	return s.insert(ctx,
		`INSERT INTO authorization_codes (id, payload, expires_at) VALUES (?, ?, ?)`,
		id, payload, toNanos(code.ExpiresAt))
}

// ConsumeAuthorizationCode atomically marks the code consumed
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.obs.Start(ctx, "consume_authorization_code")
	defer done(&err)

	id := util.HashHandle(code)
	won, err := s.consume(ctx, tableCodes, id, now)
	if err != nil {
		return nil, err
	}

	var (
		payload    string
		consumedAt sql.NullInt64
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT payload, consumed_at FROM authorization_codes WHERE id = ?`, id,
	).Scan(&payload, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read authorization code: %w", err)
	}

	var ac storage.AuthorizationCode
	if err := s.open(tableCodes, id, payload, &ac); err != nil {
		return nil, err
	}
	ac.ConsumedAt = fromNullNanos(consumedAt)

	if !won {
		return &ac, storage.ErrAlreadyConsumed
	}
	return &ac, nil
}

// consume sets consumed_at on the row if unset and reports whether this call did it.
func (s *Store) consume(ctx context.Context, table, id string, now time.Time) (bool, error) {
	// table is one of the package constants, never caller input
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET consumed_at = ? WHERE id = ? AND consumed_at IS NULL`, //nolint:gosec // constant table name
		toNanos(now), id)
	if err != nil {
		return false, fmt.Errorf("failed to consume: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to consume: %w", err)
	}
	return n == 1, nil
}

// ============================================================
// DeviceCodeStore
// ============================================================

// SaveDeviceCode stores a new device authorization
func (s *Store) SaveDeviceCode(ctx context.Context, code *storage.DeviceCode) (err error) {
	ctx, done := s.obs.Start(ctx, "save_device_code")
	defer done(&err)

	if code == nil || code.DeviceCode == "" || code.UserCode == "" {
		return errors.New("device code and user code cannot be empty")
	}

	id := util.HashHandle(code.DeviceCode)
	payload, err := s.seal(tableDevices, id, code)
	if err != nil {
		return err
	}
	return s.insert(ctx,
		`INSERT INTO device_codes (id, user_code_id, status, payload, expires_at) VALUES (?, ?, ?, ?, ?)`,
		id, util.HashHandle(code.UserCode), string(code.Status), payload, toNanos(code.ExpiresAt))
}

type rowScanner interface {
	Scan(dest ...any) error
}

const deviceColumns = `id, status, payload, last_polled_at, consumed_at`

func (s *Store) scanDevice(row rowScanner) (*storage.DeviceCode, error) {
	var (
		id, status, payload  string
		lastPolled, consumed sql.NullInt64
	)
	if err := row.Scan(&id, &status, &payload, &lastPolled, &consumed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read device code: %w", err)
	}

	var dc storage.DeviceCode
	if err := s.open(tableDevices, id, payload, &dc); err != nil {
		return nil, err
	}
	dc.Status = storage.DeviceCodeStatus(status)
	dc.LastPolledAt = fromNullNanos(lastPolled)
	dc.ConsumedAt = fromNullNanos(consumed)
	return &dc, nil
}

// GetDeviceCodeByUserCode looks up a device authorization by user code
func (s *Store) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (_ *storage.DeviceCode, err error) {
	ctx, done := s.obs.Start(ctx, "get_device_code")
	defer done(&err)

	return s.scanDevice(s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM device_codes WHERE user_code_id = ?`,
		util.HashHandle(userCode)))
}

// RecordDevicePoll records a poll and returns the state before it
func (s *Store) RecordDevicePoll(ctx context.Context, deviceCode string, now time.Time) (_ *storage.DeviceCode, err error) {
	ctx, done := s.obs.Start(ctx, "record_device_poll")
	defer done(&err)

	id := util.HashHandle(deviceCode)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	before, err := s.scanDevice(tx.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM device_codes WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE device_codes SET last_polled_at = ? WHERE id = ?`, toNanos(now), id); err != nil {
		return nil, fmt.Errorf("failed to record poll: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing poll: %w", err)
	}
	return before, nil
}

// DecideDeviceCode records the resource owner's decision on a pending authorization
func (s *Store) DecideDeviceCode(ctx context.Context, userCode string, decision storage.DeviceDecision) (err error) {
	ctx, done := s.obs.Start(ctx, "decide_device_code")
	defer done(&err)

	if decision.Status != storage.DeviceCodeAuthorized && decision.Status != storage.DeviceCodeDenied {
		return fmt.Errorf("%w: decision must be authorized or denied", storage.ErrInvalidState)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	dc, err := s.scanDevice(tx.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM device_codes WHERE user_code_id = ?`,
		util.HashHandle(userCode)))
	if err != nil {
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

	id := util.HashHandle(dc.DeviceCode)
	payload, err := s.seal(tableDevices, id, dc)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE device_codes SET status = ?, payload = ? WHERE id = ? AND status = ?`,
		string(dc.Status), payload, id, string(storage.DeviceCodePending))
	if err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return storage.ErrInvalidState
	}
	return tx.Commit()
}

// ConsumeDeviceCode atomically marks an authorized device code as redeemed
func (s *Store) ConsumeDeviceCode(ctx context.Context, deviceCode string, now time.Time) (_ *storage.DeviceCode, err error) {
	ctx, done := s.obs.Start(ctx, "consume_device_code")
	defer done(&err)

	id := util.HashHandle(deviceCode)
	res, err := s.db.ExecContext(ctx,
		`UPDATE device_codes SET consumed_at = ? WHERE id = ? AND consumed_at IS NULL AND status = ?`,
		toNanos(now), id, string(storage.DeviceCodeAuthorized))
	if err != nil {
		return nil, fmt.Errorf("failed to consume device code: %w", err)
	}
	won, _ := res.RowsAffected()

	dc, err := s.scanDevice(s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM device_codes WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}

	switch {
	case won == 1:
		return dc, nil
	case dc.Consumed():
		return dc, storage.ErrAlreadyConsumed
	default:
		return nil, storage.ErrInvalidState
	}
}

// ============================================================
// RefreshTokenStore
// ============================================================

// SaveRefreshToken stores a new refresh token
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, done := s.obs.Start(ctx, "save_refresh_token")
	defer done(&err)

	if token == nil || token.Handle == "" {
		return errors.New("refresh token handle cannot be empty")
	}

	id := util.HashHandle(token.Handle)
	payload, err := s.seal(tableRefresh, id, token)
	if err != nil {
		return err
	}
	return s.insert(ctx,
		`INSERT INTO refresh_tokens (id, lineage_id, payload, expires_at) VALUES (?, ?, ?, ?)`,
		id, token.LineageID, payload, toNanos(token.ExpiresAt))
}

func (s *Store) readRefreshToken(ctx context.Context, id string) (*storage.RefreshToken, error) {
	var (
		payload  string
		consumed sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, consumed_at FROM refresh_tokens WHERE id = ?`, id,
	).Scan(&payload, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh token: %w", err)
	}

	var rt storage.RefreshToken
	if err := s.open(tableRefresh, id, payload, &rt); err != nil {
		return nil, err
	}
	rt.ConsumedAt = fromNullNanos(consumed)
	return &rt, nil
}

// GetRefreshToken returns a stored refresh token
func (s *Store) GetRefreshToken(ctx context.Context, handle string) (_ *storage.RefreshToken, err error) {
	ctx, done := s.obs.Start(ctx, "get_refresh_token")
	defer done(&err)

	return s.readRefreshToken(ctx, util.HashHandle(handle))
}

// ConsumeRefreshToken atomically marks the token as rotated away
func (s *Store) ConsumeRefreshToken(ctx context.Context, handle string, now time.Time) (_ *storage.RefreshToken, err error) {
	ctx, done := s.obs.Start(ctx, "consume_refresh_token")
	defer done(&err)

	id := util.HashHandle(handle)
	won, err := s.consume(ctx, tableRefresh, id, now)
	if err != nil {
		return nil, err
	}

	rt, err := s.readRefreshToken(ctx, id)
	if err != nil {
		return nil, err
	}
	if !won {
		return rt, storage.ErrAlreadyConsumed
	}
	return rt, nil
}

// RemoveRefreshToken deletes a refresh token
func (s *Store) RemoveRefreshToken(ctx context.Context, handle string) (err error) {
	ctx, done := s.obs.Start(ctx, "remove_refresh_token")
	defer done(&err)

	if _, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE id = ?`, util.HashHandle(handle)); err != nil {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO revoked_lineages (lineage_id, revoked_at) VALUES (?, ?)`,
		lineageID, toNanos(s.clock.Now())); err != nil {
		return fmt.Errorf("failed to revoke lineage: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE lineage_id = ?`, lineageID)
	if err != nil {
		return fmt.Errorf("failed to delete lineage tokens: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing lineage revocation: %w", err)
	}

	removed, _ := res.RowsAffected()
	s.logger.Debug("Revoked refresh token lineage",
		"lineage_id", lineageID,
		"tokens_removed", removed)
	return nil
}

// IsLineageRevoked reports whether the lineage was revoked
func (s *Store) IsLineageRevoked(ctx context.Context, lineageID string) (_ bool, err error) {
	ctx, done := s.obs.Start(ctx, "is_lineage_revoked")
	defer done(&err)

	return s.exists(ctx, `SELECT 1 FROM revoked_lineages WHERE lineage_id = ?`, lineageID)
}

func (s *Store) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query: %w", err)
	}
	return true, nil
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

	id := util.HashHandle(token.Handle)
	payload, err := s.seal(tableReference, id, token)
	if err != nil {
		return err
	}
	return s.insert(ctx,
		`INSERT INTO reference_tokens (id, payload, expires_at) VALUES (?, ?, ?)`,
		id, payload, toNanos(token.ExpiresAt))
}

// GetReferenceToken returns a reference token
func (s *Store) GetReferenceToken(ctx context.Context, handle string) (_ *storage.ReferenceToken, err error) {
	ctx, done := s.obs.Start(ctx, "get_reference_token")
	defer done(&err)

	id := util.HashHandle(handle)
	var payload string
	err = s.db.QueryRowContext(ctx, `SELECT payload FROM reference_tokens WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read reference token: %w", err)
	}

	var rt storage.ReferenceToken
	if err := s.open(tableReference, id, payload, &rt); err != nil {
		return nil, err
	}
	return &rt, nil
}

// RemoveReferenceToken deletes a reference token
func (s *Store) RemoveReferenceToken(ctx context.Context, handle string) (err error) {
	ctx, done := s.obs.Start(ctx, "remove_reference_token")
	defer done(&err)

	if _, err := s.db.ExecContext(ctx, `DELETE FROM reference_tokens WHERE id = ?`, util.HashHandle(handle)); err != nil {
		return fmt.Errorf("failed to remove reference token: %w", err)
	}
	return nil
}

// ============================================================
// RevocationStore and ReplayCache
// ============================================================

// RevokeTokenID adds a self-contained token id to the revocation list
func (s *Store) RevokeTokenID(ctx context.Context, jti string, expiresAt time.Time) (err error) {
	ctx, done := s.obs.Start(ctx, "revoke_token_id")
	defer done(&err)

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO revoked_token_ids (jti, expires_at) VALUES (?, ?)
		 ON CONFLICT (jti) DO UPDATE SET expires_at = excluded.expires_at`,
		jti, toNanos(expiresAt)); err != nil {
		return fmt.Errorf("failed to revoke token id: %w", err)
	}
	return nil
}

// IsTokenIDRevoked reports whether a token id is on the revocation list
func (s *Store) IsTokenIDRevoked(ctx context.Context, jti string) (_ bool, err error) {
	ctx, done := s.obs.Start(ctx, "is_token_id_revoked")
	defer done(&err)

	return s.exists(ctx, `SELECT 1 FROM revoked_token_ids WHERE jti = ?`, jti)
}

// MarkUsed records a single-use value until expiresAt. An expired entry is
// replaced, which counts as a first use.
func (s *Store) MarkUsed(ctx context.Context, purpose, value string, expiresAt time.Time) (_ bool, err error) {
	ctx, done := s.obs.Start(ctx, "mark_used")
	defer done(&err)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO replay_cache (key, expires_at) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET expires_at = excluded.expires_at
		 WHERE replay_cache.expires_at <= ?`,
		purpose+":"+util.HashHandle(value), toNanos(expiresAt), toNanos(s.clock.Now()))
	if err != nil {
		return false, fmt.Errorf("failed to record %s: %w", purpose, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to record %s: %w", purpose, err)
	}
	return n == 1, nil
}
