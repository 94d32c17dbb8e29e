// Package storage provides interfaces and shared types for OAuth client, code,
// token, and nonce persistence.
//
// The storage package defines the core storage interfaces used throughout the library:
//   - ClientStore: Manages registered OAuth clients
//   - CodeStore: Manages authorization codes including atomic single-use consumption
//   - TokenStore: Manages access/refresh token pairs including atomic rotation
//   - NonceStore: Tracks OIDC nonces for replay rejection
//   - UserStore: Resolves end-user identities (read-only collaborator contract)
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/redis: Redis-backed distributed storage for production
//   - storage/postgres: Postgres-backed durable storage for production
package storage
