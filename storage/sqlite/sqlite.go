// Package sqlite provides a SQLite-backed implementation of storage.Store for
// single-node deployments that need state to survive restarts.
//
// The schema is managed with goose migrations embedded in the binary. Single-use
// semantics come from conditional updates ("... WHERE consumed_at IS NULL")
// whose affected-row count decides the winner.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	"k8s.io/utils/clock"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const (
	// DefaultLineageRetention is how long revoked lineage markers are kept
	DefaultLineageRetention = 90 * 24 * time.Hour

	// expiredRetention keeps rows past their expiry so that reuse and expiry can
	// still be told apart from unknown handles.
	expiredRetention = time.Hour

	busyTimeoutMs = 5000
)

// Config holds configuration for the SQLite storage backend.
type Config struct {
	// Path is the database file (required). ":memory:" is not supported since
	// every connection would see its own database.
	Path string

	// CleanupInterval is how often expired rows are deleted (default 1 minute)
	CleanupInterval time.Duration

	// LineageRetention is how long revoked lineage markers are kept (default 90 days)
	LineageRetention time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a SQLite-backed implementation of storage.Store.
type Store struct {
	db               *sql.DB
	logger           *slog.Logger
	clock            clock.PassiveClock
	encryptor        *security.Encryptor
	obs              instrumentation.StorageObserver
	lineageRetention time.Duration

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if needed) the database at cfg.Path, applies pending
// migrations, and starts the cleanup loop.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if cfg.Path == ":memory:" {
		return nil, errors.New("in-memory sqlite is not supported, use storage/memory")
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.LineageRetention <= 0 {
		cfg.LineageRetention = DefaultLineageRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		cfg.Path, busyTimeoutMs)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// a single connection serializes all writers
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:               db,
		logger:           cfg.Logger,
		clock:            clock.RealClock{},
		lineageRetention: cfg.LineageRetention,
		cleanupInterval:  cfg.CleanupInterval,
		stopCleanup:      make(chan struct{}),
	}

	s.wg.Add(1)
	go s.cleanupLoop()

	s.logger.Info("Opened sqlite storage", "path", cfg.Path)
	return s, nil
}

// runMigrations applies all pending database migrations using goose.
func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// SetEncryptor enables sealing of stored payloads. Must be called before use.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Record encryption at rest enabled", "backend", "sqlite")
	}
}

// SetClock replaces the clock used for cleanup and replay expiry.
func (s *Store) SetClock(c clock.PassiveClock) {
	s.clock = c
}

// SetInstrumentation enables storage metrics and spans.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.obs = instrumentation.NewStorageObserver(inst, "sqlite", storage.ErrNotFound, storage.ErrAlreadyConsumed)
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the cleanup loop and closes the database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
	s.wg.Wait()
	return s.db.Close()
}

func (s *Store) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			if err := s.Cleanup(context.Background()); err != nil {
				s.logger.Warn("Failed to clean up expired rows", "error", err)
			}
		}
	}
}

// Cleanup deletes expired rows.
func (s *Store) Cleanup(ctx context.Context) (err error) {
	ctx, done := s.obs.Start(ctx, "cleanup")
	defer done(&err)

	now := s.clock.Now()
	stale := toNanos(now.Add(-expiredRetention))
	statements := []struct {
		query string
		arg   int64
	}{
		{`DELETE FROM authorization_codes WHERE expires_at < ?`, stale},
		{`DELETE FROM device_codes WHERE expires_at < ?`, stale},
		{`DELETE FROM refresh_tokens WHERE expires_at < ?`, toNanos(now)},
		{`DELETE FROM reference_tokens WHERE expires_at < ?`, stale},
		{`DELETE FROM revoked_token_ids WHERE expires_at < ?`, toNanos(now)},
		{`DELETE FROM replay_cache WHERE expires_at < ?`, toNanos(now)},
		{`DELETE FROM revoked_lineages WHERE revoked_at < ?`, toNanos(now.Add(-s.lineageRetention))},
	}

	var cleaned int64
	for _, st := range statements {
		res, err := s.db.ExecContext(ctx, st.query, st.arg)
		if err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
		n, _ := res.RowsAffected()
		cleaned += n
	}
	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired rows", "count", cleaned)
	}
	return nil
}

// seal serializes v and seals it bound to table and id.
func (s *Store) seal(table, id string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	return s.encryptor.Seal(data, table+":"+id)
}

func (s *Store) open(table, id, payload string, v any) error {
	data, err := s.encryptor.Open(payload, table+":"+id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func nullNanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(0, n.Int64).UTC()
}

// isUniqueViolation checks for a SQLite UNIQUE or PRIMARY KEY constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
