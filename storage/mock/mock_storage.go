// Package mock provides a configurable storage.Store implementation for
// testing. It delegates to a real backing store (by default the in-memory
// one) and lets individual operations be overridden to inject failures or
// observe calls.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/evlist/oauth/storage"
	"github.com/evlist/oauth/storage/memory"
)

// Store wraps a backing storage.Store with per-operation override hooks.
// A nil hook delegates to the backing store. CallCounts records how many
// times each operation was invoked, keyed by method name.
type Store struct {
	backing storage.Store

	mu         sync.Mutex
	CallCounts map[string]int

	SaveClientFunc            func(ctx context.Context, client *storage.Client) error
	GetClientFunc             func(ctx context.Context, clientID string) (*storage.Client, error)
	ValidateClientSecretFunc  func(ctx context.Context, clientID, clientSecret string) error
	DeleteClientFunc          func(ctx context.Context, clientID string) error
	ListClientsFunc           func(ctx context.Context) ([]*storage.Client, error)
	SaveAuthorizationCodeFunc func(ctx context.Context, code *storage.AuthorizationCode) error
	GetAuthorizationCodeFunc  func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	AtomicConsumeCodeFunc     func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	DeleteAuthCodeFunc        func(ctx context.Context, code string) error
	DeleteCodesForClientFunc  func(ctx context.Context, clientID string) (int, error)
	SaveTokenFunc             func(ctx context.Context, token *storage.Token) error
	GetTokenByAccessFunc      func(ctx context.Context, accessToken string) (*storage.Token, error)
	GetTokenByRefreshFunc     func(ctx context.Context, refreshToken string) (*storage.Token, error)
	AtomicRevokeRefreshFunc   func(ctx context.Context, refreshToken string) (*storage.Token, error)
	RevokeTokenFunc           func(ctx context.Context, tokenID string) error
	RevokeTokenFamilyFunc     func(ctx context.Context, familyID string) (int, error)
	RevokeForClientFunc       func(ctx context.Context, clientID string) (int, error)
	RevokeForUserClientFunc   func(ctx context.Context, userID, clientID string) (int, error)
	SaveNonceFunc             func(ctx context.Context, clientID, nonce string, expiresAt time.Time) error
	HasNonceFunc              func(ctx context.Context, clientID, nonce string) (bool, error)
}

var _ storage.Store = (*Store)(nil)

// New creates a mock store backed by a fresh in-memory store
func New() *Store {
	return NewWithBacking(memory.New())
}

// NewWithBacking creates a mock store delegating to the given store
func NewWithBacking(backing storage.Store) *Store {
	return &Store{
		backing:    backing,
		CallCounts: make(map[string]int),
	}
}

func (s *Store) count(method string) {
	s.mu.Lock()
	s.CallCounts[method]++
	s.mu.Unlock()
}

// Calls returns how many times the named method was invoked
func (s *Store) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCounts[method]
}

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	s.count("SaveClient")
	if s.SaveClientFunc != nil {
		return s.SaveClientFunc(ctx, client)
	}
	return s.backing.SaveClient(ctx, client)
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	s.count("GetClient")
	if s.GetClientFunc != nil {
		return s.GetClientFunc(ctx, clientID)
	}
	return s.backing.GetClient(ctx, clientID)
}

// ValidateClientSecret validates a client's secret
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	s.count("ValidateClientSecret")
	if s.ValidateClientSecretFunc != nil {
		return s.ValidateClientSecretFunc(ctx, clientID, clientSecret)
	}
	return s.backing.ValidateClientSecret(ctx, clientID, clientSecret)
}

// DeleteClient removes a client registration
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	s.count("DeleteClient")
	if s.DeleteClientFunc != nil {
		return s.DeleteClientFunc(ctx, clientID)
	}
	return s.backing.DeleteClient(ctx, clientID)
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.count("ListClients")
	if s.ListClientsFunc != nil {
		return s.ListClientsFunc(ctx)
	}
	return s.backing.ListClients(ctx)
}

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	s.count("SaveAuthorizationCode")
	if s.SaveAuthorizationCodeFunc != nil {
		return s.SaveAuthorizationCodeFunc(ctx, code)
	}
	return s.backing.SaveAuthorizationCode(ctx, code)
}

// GetAuthorizationCode retrieves an authorization code
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.count("GetAuthorizationCode")
	if s.GetAuthorizationCodeFunc != nil {
		return s.GetAuthorizationCodeFunc(ctx, code)
	}
	return s.backing.GetAuthorizationCode(ctx, code)
}

// AtomicCheckAndMarkAuthCodeUsed atomically consumes an authorization code
func (s *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.count("AtomicCheckAndMarkAuthCodeUsed")
	if s.AtomicConsumeCodeFunc != nil {
		return s.AtomicConsumeCodeFunc(ctx, code)
	}
	return s.backing.AtomicCheckAndMarkAuthCodeUsed(ctx, code)
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.count("DeleteAuthorizationCode")
	if s.DeleteAuthCodeFunc != nil {
		return s.DeleteAuthCodeFunc(ctx, code)
	}
	return s.backing.DeleteAuthorizationCode(ctx, code)
}

// DeleteAuthorizationCodesForClient removes all codes issued to a client
func (s *Store) DeleteAuthorizationCodesForClient(ctx context.Context, clientID string) (int, error) {
	s.count("DeleteAuthorizationCodesForClient")
	if s.DeleteCodesForClientFunc != nil {
		return s.DeleteCodesForClientFunc(ctx, clientID)
	}
	return s.backing.DeleteAuthorizationCodesForClient(ctx, clientID)
}

// SaveToken saves a newly issued token pair
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	s.count("SaveToken")
	if s.SaveTokenFunc != nil {
		return s.SaveTokenFunc(ctx, token)
	}
	return s.backing.SaveToken(ctx, token)
}

// GetTokenByAccess retrieves a token record by its access token value
func (s *Store) GetTokenByAccess(ctx context.Context, accessToken string) (*storage.Token, error) {
	s.count("GetTokenByAccess")
	if s.GetTokenByAccessFunc != nil {
		return s.GetTokenByAccessFunc(ctx, accessToken)
	}
	return s.backing.GetTokenByAccess(ctx, accessToken)
}

// GetTokenByRefresh retrieves a token record by its refresh token value
func (s *Store) GetTokenByRefresh(ctx context.Context, refreshToken string) (*storage.Token, error) {
	s.count("GetTokenByRefresh")
	if s.GetTokenByRefreshFunc != nil {
		return s.GetTokenByRefreshFunc(ctx, refreshToken)
	}
	return s.backing.GetTokenByRefresh(ctx, refreshToken)
}

// AtomicGetAndRevokeRefreshToken atomically rotates a refresh token
func (s *Store) AtomicGetAndRevokeRefreshToken(ctx context.Context, refreshToken string) (*storage.Token, error) {
	s.count("AtomicGetAndRevokeRefreshToken")
	if s.AtomicRevokeRefreshFunc != nil {
		return s.AtomicRevokeRefreshFunc(ctx, refreshToken)
	}
	return s.backing.AtomicGetAndRevokeRefreshToken(ctx, refreshToken)
}

// RevokeToken marks a token pair revoked by record ID
func (s *Store) RevokeToken(ctx context.Context, tokenID string) error {
	s.count("RevokeToken")
	if s.RevokeTokenFunc != nil {
		return s.RevokeTokenFunc(ctx, tokenID)
	}
	return s.backing.RevokeToken(ctx, tokenID)
}

// RevokeTokenFamily revokes every token pair in a rotation lineage
func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string) (int, error) {
	s.count("RevokeTokenFamily")
	if s.RevokeTokenFamilyFunc != nil {
		return s.RevokeTokenFamilyFunc(ctx, familyID)
	}
	return s.backing.RevokeTokenFamily(ctx, familyID)
}

// RevokeAllTokensForClient revokes all tokens issued to a client
func (s *Store) RevokeAllTokensForClient(ctx context.Context, clientID string) (int, error) {
	s.count("RevokeAllTokensForClient")
	if s.RevokeForClientFunc != nil {
		return s.RevokeForClientFunc(ctx, clientID)
	}
	return s.backing.RevokeAllTokensForClient(ctx, clientID)
}

// RevokeAllTokensForUserClient revokes all tokens for a user+client pair
func (s *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	s.count("RevokeAllTokensForUserClient")
	if s.RevokeForUserClientFunc != nil {
		return s.RevokeForUserClientFunc(ctx, userID, clientID)
	}
	return s.backing.RevokeAllTokensForUserClient(ctx, userID, clientID)
}

// SaveNonce records a (client, nonce) pair
func (s *Store) SaveNonce(ctx context.Context, clientID, nonce string, expiresAt time.Time) error {
	s.count("SaveNonce")
	if s.SaveNonceFunc != nil {
		return s.SaveNonceFunc(ctx, clientID, nonce, expiresAt)
	}
	return s.backing.SaveNonce(ctx, clientID, nonce, expiresAt)
}

// HasNonce reports whether a (client, nonce) pair is recorded
func (s *Store) HasNonce(ctx context.Context, clientID, nonce string) (bool, error) {
	s.count("HasNonce")
	if s.HasNonceFunc != nil {
		return s.HasNonceFunc(ctx, clientID, nonce)
	}
	return s.backing.HasNonce(ctx, clientID, nonce)
}
