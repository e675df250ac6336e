// Package memory provides an in-memory implementation of storage.Store.
//
// All state lives in maps guarded by a single sync.RWMutex. Consume operations
// take the write lock for the check-and-set, so of N concurrent redemptions of
// the same code or refresh token exactly one succeeds.
//
// Expired entries are removed by a background goroutine. Expired reference
// tokens are kept for a short grace period so validation can report them as
// expired rather than unknown.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//	store.SetInstrumentation(inst)
//
// For multi-instance deployments use storage/redis or storage/sqlite.
package memory
