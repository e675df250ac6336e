// Package redis provides a Redis-backed implementation of storage.Store for
// multi-instance deployments.
//
// Records are stored as JSON under keys derived from the SHA-256 of their
// handle, so key names never carry usable codes or tokens. Values should be
// sealed with a security.Encryptor in production.
//
// Single-use semantics rely on Redis primitives: consumption is a SETNX on a
// companion "consumed" key, device polls use GETSET inside MULTI, and device
// decisions use an optimistic WATCH transaction.
package redis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	goredis "github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all keys
	DefaultKeyPrefix = "oidc:"

	// DefaultLineageRetention is how long revoked lineage markers are kept
	DefaultLineageRetention = 90 * 24 * time.Hour

	// Default timeouts for Redis operations.
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// expiredRetention keeps records past their expiry so that reuse and expiry
	// can still be told apart from unknown handles.
	expiredRetention = time.Hour

	// minTTL guards against zero or negative TTLs, which Redis treats as "no expiry"
	minTTL = time.Second

	// connectTries bounds the startup ping retries
	connectTries = 5

	// maxWatchRetries bounds optimistic transaction retries
	maxWatchRetries = 10
)

// Key kinds.
const (
	kindCode           = "code"
	kindDevice         = "device"
	kindUserCode       = "usercode"
	kindDevicePoll     = "device_poll"
	kindRefresh        = "refresh"
	kindLineage        = "lineage"
	kindLineageMembers = "lineage_members"
	kindReference      = "reference"
	kindRevokedJTI     = "revoked_jti"
	kindReplay         = "replay"
	kindConsumed       = "consumed"
)

// Config holds configuration for the Redis storage backend.
type Config struct {
	// Addrs are the server addresses. A single address yields a standalone
	// client; with MasterName set they are treated as Sentinel addresses.
	Addrs []string

	// MasterName enables Sentinel failover
	MasterName string

	Username string
	Password string
	DB       int

	// KeyPrefix is the prefix for all keys (default "oidc:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// LineageRetention is how long revoked lineage markers are kept (default 90 days)
	LineageRetention time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Redis-backed implementation of storage.Store.
type Store struct {
	client           goredis.UniversalClient
	prefix           string
	lineageRetention time.Duration
	logger           *slog.Logger
	clock            clock.PassiveClock
	encryptor        *security.Encryptor
	obs              instrumentation.StorageObserver
}

var _ storage.Store = (*Store)(nil)

// New connects to Redis and verifies the connection, retrying with exponential
// backoff.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:        cfg.Addrs,
		MasterName:   cfg.MasterName,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		TLSConfig:    cfg.TLS,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	s := NewWithClient(client, cfg)

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, client.Ping(ctx).Err()
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(connectTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			s.logger.Warn("Redis not reachable, retrying", "error", err, "retry_in", d)
		}),
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s.logger.Info("Connected to redis", "addrs", cfg.Addrs, "key_prefix", s.prefix)
	return s, nil
}

// NewWithClient creates a Store on a pre-configured client. Only the
// KeyPrefix, LineageRetention and Logger fields of cfg are used.
func NewWithClient(client goredis.UniversalClient, cfg Config) *Store {
	s := &Store{
		client:           client,
		prefix:           cfg.KeyPrefix,
		lineageRetention: cfg.LineageRetention,
		logger:           cfg.Logger,
		clock:            clock.RealClock{},
	}
	if s.prefix == "" {
		s.prefix = DefaultKeyPrefix
	}
	if s.lineageRetention <= 0 {
		s.lineageRetention = DefaultLineageRetention
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// SetEncryptor enables sealing of stored records. Must be called before use.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Record encryption at rest enabled", "backend", "redis")
	}
}

// SetClock replaces the clock used to compute TTLs.
func (s *Store) SetClock(c clock.PassiveClock) {
	s.clock = c
}

// SetInstrumentation enables storage metrics and spans.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.obs = instrumentation.NewStorageObserver(inst, "redis", storage.ErrNotFound, storage.ErrAlreadyConsumed)
}

// Close closes the Redis client connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity (health check).
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// key builds "<prefix><kind>:<id>".
func (s *Store) key(kind, id string) string {
	return s.prefix + kind + ":" + id
}

// handleKey derives the key of a secret handle from its hash.
func (s *Store) handleKey(kind, handle string) string {
	return s.key(kind, util.HashHandle(handle))
}

// consumedKey is the companion marker set once a record is redeemed.
func (s *Store) consumedKey(recordKey string) string {
	return s.prefix + kindConsumed + ":" + recordKey
}

// ttlUntil returns the TTL that keeps a record until expiresAt plus extra.
func (s *Store) ttlUntil(expiresAt time.Time, extra time.Duration) time.Duration {
	ttl := expiresAt.Sub(s.clock.Now()) + extra
	if ttl < minTTL {
		return minTTL
	}
	return ttl
}

func (s *Store) encode(key string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	return s.encryptor.Seal(data, key)
}

func (s *Store) decode(key, raw string, v any) error {
	data, err := s.encryptor.Open(raw, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return nil
}

// load reads and decodes the record at key. Missing keys yield storage.ErrNotFound.
func (s *Store) load(ctx context.Context, key string, v any) error {
	raw, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	return s.decode(key, raw, v)
}

// create stores v at key unless the key exists.
func (s *Store) create(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := s.encode(key, v)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, key, raw, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if !ok {
		return storage.ErrAlreadyExists
	}
	return nil
}

// markConsumed sets the consumed marker of recordKey. It returns the time of
// the winning consumption and whether this call won.
func (s *Store) markConsumed(ctx context.Context, recordKey string, now time.Time, ttl time.Duration) (time.Time, bool, error) {
	marker := s.consumedKey(recordKey)
	won, err := s.client.SetNX(ctx, marker, now.UnixNano(), ttl).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to mark consumed: %w", err)
	}
	if won {
		return now, true, nil
	}
	at, err := s.consumedAt(ctx, recordKey)
	return at, false, err
}

// consumedAt returns when recordKey was consumed, or the zero time.
func (s *Store) consumedAt(ctx context.Context, recordKey string) (time.Time, error) {
	raw, err := s.client.Get(ctx, s.consumedKey(recordKey)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to read consumed marker: %w", err)
	}
	return parseUnixNano(raw)
}

func parseUnixNano(raw string) (time.Time, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", raw, err)
	}
	return time.Unix(0, n).UTC(), nil
}
