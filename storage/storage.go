// Package storage defines interfaces for persisting OAuth clients, authorization
// codes, token pairs, and OIDC nonces. It supports various backend implementations
// including in-memory, Redis, and Postgres.
package storage

import (
	"context"
	"time"
)

// ClientStore defines the interface for looking up and managing registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret in constant time
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// DeleteClient removes a client registration. Associated codes and tokens
	// must be revoked by the caller (cascade semantics live in the server).
	DeleteClient(ctx context.Context, clientID string) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)
}

// CodeStore defines the interface for authorization code persistence.
// All methods accept context.Context for tracing and cancellation.
type CodeStore interface {
	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves an authorization code without modifying it.
	// For the actual token exchange use AtomicCheckAndMarkAuthCodeUsed instead.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// AtomicCheckAndMarkAuthCodeUsed atomically checks that a code is unused and
	// marks it as used. If two concurrent exchanges present the same code, exactly
	// one succeeds; the other observes ErrAuthorizationCodeUsed.
	// Returns the code record on success. On reuse the record is also returned
	// (alongside ErrAuthorizationCodeUsed) so the caller can revoke the tokens
	// previously issued from it. For not-found and expired codes nil is returned
	// to avoid leaking their prior existence.
	// SECURITY: This operation MUST be atomic to prevent concurrent code exchange attacks.
	AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code
	DeleteAuthorizationCode(ctx context.Context, code string) error

	// DeleteAuthorizationCodesForClient removes all codes issued to a client
	// (cascade on client deletion).
	DeleteAuthorizationCodesForClient(ctx context.Context, clientID string) (int, error)
}

// TokenStore defines the interface for access/refresh token pair persistence.
// Tokens are looked up by their opaque access or refresh values; revocation is
// a permanent flag, never a delete, so introspection can keep answering for
// revoked tokens until they are swept.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveToken saves a newly issued token pair
	SaveToken(ctx context.Context, token *Token) error

	// GetTokenByAccess retrieves a token record by its access token value.
	// Expiry and revocation are NOT checked here; callers decide what an
	// expired or revoked record means for them.
	GetTokenByAccess(ctx context.Context, accessToken string) (*Token, error)

	// GetTokenByRefresh retrieves a token record by its refresh token value
	GetTokenByRefresh(ctx context.Context, refreshToken string) (*Token, error)

	// AtomicGetAndRevokeRefreshToken atomically looks up a token pair by its
	// refresh value and marks it revoked. If two concurrent refresh exchanges
	// present the same token, exactly one gets the record back with a nil error;
	// the other observes ErrTokenRevoked together with the record, enabling
	// reuse detection and family revocation.
	// SECURITY: This operation MUST be atomic to prevent concurrent token refresh attacks.
	AtomicGetAndRevokeRefreshToken(ctx context.Context, refreshToken string) (*Token, error)

	// RevokeToken marks a token pair revoked by record ID. Idempotent.
	RevokeToken(ctx context.Context, tokenID string) error

	// RevokeTokenFamily revokes every token pair descending from the same
	// original grant (refresh rotation lineage)
	RevokeTokenFamily(ctx context.Context, familyID string) (int, error)

	// RevokeAllTokensForClient revokes all tokens issued to a client
	// (cascade on client deletion). Returns the number of tokens revoked.
	RevokeAllTokensForClient(ctx context.Context, clientID string) (int, error)

	// RevokeAllTokensForUserClient revokes all tokens for a user+client pair.
	// Called when authorization code reuse is detected.
	RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error)
}

// NonceStore tracks OIDC nonces per client for replay rejection. A nonce is
// recorded once at authorization time; ID-token issuance only checks it.
// All methods accept context.Context for tracing and cancellation.
type NonceStore interface {
	// SaveNonce records a (client, nonce) pair. Returns ErrNonceAlreadyUsed
	// if the pair was already recorded and has not expired.
	SaveNonce(ctx context.Context, clientID, nonce string, expiresAt time.Time) error

	// HasNonce reports whether a (client, nonce) pair is recorded and unexpired
	HasNonce(ctx context.Context, clientID, nonce string) (bool, error)
}

// UserStore resolves end-user identities. The authorization server never
// mutates user records; account management lives outside this module.
type UserStore interface {
	// GetUser retrieves a user by ID
	GetUser(ctx context.Context, userID string) (*User, error)
}

// Store combines all persistence contracts. Backends in this module implement
// the full set; collaborators may supply narrower implementations per concern.
type Store interface {
	ClientStore
	CodeStore
	TokenStore
	NonceStore
}

// Client represents a registered OAuth client
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash, empty for public clients
	ClientType              string // "public" or "confidential"
	RedirectURIs            []string
	TokenEndpointAuthMethod string // "client_secret_basic", "client_secret_post", or "none"
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	Scopes                  []string
	OwnerUserID             string
	CreatedAt               time.Time
}

// AuthorizationCode represents an issued authorization code
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	UserID              string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// Token represents an issued access/refresh token pair.
// UserID is empty for client_credentials grants. FamilyID links every pair
// descending from the same original grant across refresh rotations.
type Token struct {
	ID               string
	AccessToken      string
	RefreshToken     string // empty when no refresh token was issued
	ClientID         string
	UserID           string
	Scope            string
	FamilyID         string
	Generation       int
	IssuedAt         time.Time
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	Revoked          bool
	RevokedAt        time.Time
}

// User represents an end-user identity as seen by the authorization server
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}
