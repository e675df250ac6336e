// Package security holds the protective plumbing of the provider that is not
// OAuth protocol logic.
//
//   - Auditor writes structured audit events (token issued, lineage revoked,
//     rate limit exceeded, ...) through slog.
//   - Encryptor seals stored grant payloads with AES-256-GCM.
//   - RateLimiter is a token bucket per client IP with LRU bounded memory.
//   - ClientIP resolves the caller address behind trusted proxies.
//   - RequestIDMiddleware tags requests with X-Request-ID.
//   - HeaderPolicy sets hardening and cache headers.
//
// The clock skew helpers are shared by every token and grant validator.
package security
