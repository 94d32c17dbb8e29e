// Package security groups the cross-cutting protections of the authorization
// server: audit logging, token encryption at rest, per-IP rate limiting, a
// stricter limiter for dynamic client registration, client IP extraction
// behind proxies, response security headers, request IDs, and clock-skew
// tolerant expiry checks.
//
// Rate limiting uses a token bucket per identifier with an LRU-bounded table,
// so a distributed scrape cannot grow the limiter without bound; idle entries
// are swept in the background and one-shot attack IPs are the first evicted.
// GetStats exposes entry counts, evictions, and memory pressure for
// monitoring.
//
// Audit events never carry raw token or secret material. Values that must be
// correlated across events are logged as truncated SHA-256 digests.
package security
