// Package security provides the protective layers around the authorization server:
// audit logging with hashed user identifiers, AES-256-GCM sealing of the persisted
// token snapshot, per-client-IP rate limiting, response security headers, client
// IP extraction, and a Host header allowlist against DNS rebinding.
//
// # Rate Limiting
//
// RateLimiter keeps one token bucket per identifier (usually the client IP) and
// bounds memory with LRU eviction plus an idle sweep.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    return http.StatusTooManyRequests
//	}
//
// # Host Allowlist
//
// A browser tricked into resolving an attacker's domain to a loopback address
// still sends the attacker's Host header; HostAllowlist rejects such requests
// before they reach any handler.
package security
