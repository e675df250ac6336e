// Package storage defines the persisted state of the provider and the interfaces
// the issuance pipeline uses to reach it.
//
// Authorization codes, device codes, refresh tokens, and reference tokens are rows
// keyed by an opaque identifier. Every operation that moves a row from usable to
// used is atomic: among concurrent callers exactly one observes success and the
// others observe ErrAlreadyConsumed.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-process maps, for development, tests, and single instances
//   - storage/redis: Redis (or Valkey) for multi-instance deployments
//   - storage/sqlite: embedded SQLite with goose migrations
//   - storage/mock: function-field mock for fault injection in tests
package storage
