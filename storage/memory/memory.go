// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/evlist/oauth/instrumentation"
	"github.com/evlist/oauth/internal/util"
	"github.com/evlist/oauth/security"
	"github.com/evlist/oauth/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging token values.
	// This provides enough uniqueness for debugging while keeping logs secure.
	tokenIDLogLength = 8

	// maxNonceEntries is the threshold for warning about excessive nonce records.
	// This helps detect potential memory exhaustion attacks.
	maxNonceEntries = 10000

	// hardMaxNonceEntries is the hard limit for nonce records. Exceeding it causes
	// SaveNonce to fail. Nonces are attacker-suppliable at authorization time, so
	// an unbounded map would be a memory exhaustion vector.
	hardMaxNonceEntries = 50000
)

// Store is an in-memory implementation of all storage interfaces.
// It implements ClientStore, CodeStore, TokenStore, NonceStore, and UserStore.
type Store struct {
	mu sync.RWMutex

	// Client storage
	clients map[string]*storage.Client

	// Authorization code storage, keyed by code value
	authCodes map[string]*storage.AuthorizationCode

	// Token pair storage: records by ID plus value indexes for lookup.
	// Revoked records stay until expiry so introspection keeps answering.
	tokens    map[string]*storage.Token
	byAccess  map[string]string // access token value -> record ID
	byRefresh map[string]string // refresh token value -> record ID

	// Nonce replay tracking: (client, nonce) -> expiry
	nonces map[string]time.Time

	// User identities (seeded, read-mostly)
	users map[string]*storage.User

	// Security
	encryptor *security.Encryptor // token encryption at rest (optional)

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	meter           metric.Meter

	// Atomic counters for metrics (lock-free access during metric collection)
	tokensCountAtomic  atomic.Int64
	clientsCountAtomic atomic.Int64
	codesCountAtomic   atomic.Int64
	noncesCountAtomic  atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	logger          *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.Store       = (*Store)(nil)
	_ storage.ClientStore = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.NonceStore  = (*Store)(nil)
	_ storage.UserStore   = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		authCodes:       make(map[string]*storage.AuthorizationCode),
		tokens:          make(map[string]*storage.Token),
		byAccess:        make(map[string]string),
		byRefresh:       make(map[string]string),
		nonces:          make(map[string]time.Time),
		users:           make(map[string]*storage.User),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	// Start background cleanup
	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetEncryptor sets the token encryptor for encryption at rest
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Token encryption at rest enabled for storage")
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
		s.meter = inst.Meter("storage")
	}

	// Initialize atomic counters with current counts
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.codesCountAtomic.Store(int64(len(s.authCodes)))
	s.noncesCountAtomic.Store(int64(len(s.nonces)))
	s.mu.Unlock()

	if inst != nil {
		// Register storage size callbacks using atomic counters (lock-free)
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.tokensCountAtomic.Load() },
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.codesCountAtomic.Load() },
			func() int64 { return s.noncesCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	close(s.stopCleanup)
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_client", err, startTime)
	}()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("invalid client")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.clients[client.ClientID]
	s.clients[client.ClientID] = client
	if !existed {
		s.clientsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	return client, nil
}

// ValidateClientSecret validates a client's secret using bcrypt.
// Uses constant-time operations to prevent timing attacks.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	// SECURITY: Always perform the same operations to prevent timing attacks
	// that could reveal whether a client exists or not

	// Pre-computed dummy hash for non-existent clients (bcrypt hash of "test").
	// Ensures a bcrypt comparison happens even if the client doesn't exist.
	dummyHash := "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

	client, err := s.GetClient(ctx, clientID)

	hashToCompare := dummyHash
	isPublicClient := false

	if err == nil {
		if client.ClientType == "public" {
			isPublicClient = true
		} else if client.ClientSecretHash != "" {
			hashToCompare = client.ClientSecretHash
		}
	}

	// ALWAYS perform bcrypt comparison (constant-time by design)
	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	// Public clients carry no secret to compare
	if isPublicClient && err == nil {
		return nil
	}

	if err != nil {
		return fmt.Errorf("%w: %s", storage.ErrInvalidClientSecret, clientID)
	}

	if bcryptErr != nil {
		return fmt.Errorf("%w: %s", storage.ErrInvalidClientSecret, clientID)
	}

	return nil
}

// DeleteClient removes a client registration
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}

	delete(s.clients, clientID)
	s.clientsCountAtomic.Add(-1)
	s.logger.Debug("Deleted client", "client_id", clientID)
	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}

	return clients, nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime)
	}()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("invalid authorization code")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.authCodes[code.Code]
	s.authCodes[code.Code] = code
	if !existed {
		s.codesCountAtomic.Add(1)
	}

	s.logger.Debug("Saved authorization code", "code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// GetAuthorizationCode retrieves an authorization code without modifying it.
// The code stays marked as "Used" after consumption to detect reuse attempts.
//
// NOTE: For the actual token exchange use AtomicCheckAndMarkAuthCodeUsed instead
// to prevent race conditions.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	// Check if expired with clock skew grace period
	if security.IsTokenExpired(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrTokenExpired)
	}

	// Return a COPY to prevent caller from modifying our stored version
	codeCopy := *authCode
	return &codeCopy, nil
}

// AtomicCheckAndMarkAuthCodeUsed atomically checks if a code is unused and marks it as used.
// This prevents race conditions in authorization code reuse detection.
//
// SECURITY: This operation is atomic - only ONE concurrent request can succeed.
// All other concurrent requests will receive an "already used" error.
//
// IMPORTANT: The authCode is ONLY returned on reuse errors (Used=true) to enable
// detection and revocation. For other errors (not found, expired), nil is returned
// to prevent information leakage.
func (s *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "atomic_consume_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "atomic_consume_code", err, startTime)
	}()

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		// Not found - return nil to prevent information leakage
		err = storage.ErrAuthorizationCodeNotFound
		return nil, err
	}

	// Check if expired with clock skew grace period
	if security.IsTokenExpired(authCode.ExpiresAt) {
		// Expired - return nil to prevent information leakage
		err = fmt.Errorf("%w: authorization code expired", storage.ErrTokenExpired)
		return nil, err
	}

	// ATOMIC check-and-set: only one request can pass this check
	if authCode.Used {
		// Code already used - return the record so the caller can revoke
		// the tokens previously issued from it
		codeCopy := *authCode
		err = storage.ErrAuthorizationCodeUsed
		return &codeCopy, err
	}

	authCode.Used = true
	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	codeCopy := *authCode
	return &codeCopy, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.authCodes[code]; existed {
		delete(s.authCodes, code)
		s.codesCountAtomic.Add(-1)
	}
	s.logger.Debug("Deleted authorization code")
	return nil
}

// DeleteAuthorizationCodesForClient removes all codes issued to a client
func (s *Store) DeleteAuthorizationCodesForClient(ctx context.Context, clientID string) (int, error) {
	if clientID == "" {
		return 0, fmt.Errorf("clientID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for code, authCode := range s.authCodes {
		if authCode.ClientID == clientID {
			delete(s.authCodes, code)
			deleted++
		}
	}
	s.codesCountAtomic.Add(int64(-deleted))

	if deleted > 0 {
		s.logger.Debug("Deleted authorization codes for client",
			"client_id", clientID, "count", deleted)
	}
	return deleted, nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken saves a newly issued token pair with optional encryption at rest
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	ctx, span := s.startStorageSpan(ctx, "save_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_token", err, startTime)
	}()

	if token == nil || token.ID == "" {
		err = fmt.Errorf("invalid token record")
		return err
	}
	if token.AccessToken == "" {
		err = fmt.Errorf("access token cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Encrypt token values if encryptor is configured. Value indexes stay keyed
	// by the raw opaque values; only the stored record is encrypted.
	stored := *token
	if s.encryptor != nil && s.encryptor.IsEnabled() {
		if encErr := encryptTokenValues(&stored, s.encryptor); encErr != nil {
			err = encErr
			return err
		}
		s.logger.Debug("Saved encrypted token", "client_id", token.ClientID)
	} else {
		s.logger.Debug("Saved token", "client_id", token.ClientID)
	}

	_, existed := s.tokens[token.ID]
	s.tokens[token.ID] = &stored
	s.byAccess[token.AccessToken] = token.ID
	if token.RefreshToken != "" {
		s.byRefresh[token.RefreshToken] = token.ID
	}
	if !existed {
		s.tokensCountAtomic.Add(1)
	}

	return nil
}

// GetTokenByAccess retrieves a token record by its access token value
func (s *Store) GetTokenByAccess(ctx context.Context, accessToken string) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "get_token_by_access")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_token_by_access", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAccess[accessToken]
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}
	token, decErr := s.tokenCopy(id)
	if decErr != nil {
		err = decErr
		return nil, err
	}
	return token, nil
}

// GetTokenByRefresh retrieves a token record by its refresh token value
func (s *Store) GetTokenByRefresh(ctx context.Context, refreshToken string) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "get_token_by_refresh")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_token_by_refresh", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byRefresh[refreshToken]
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}
	token, decErr := s.tokenCopy(id)
	if decErr != nil {
		err = decErr
		return nil, err
	}
	return token, nil
}

// AtomicGetAndRevokeRefreshToken atomically looks up a token pair by refresh
// value and marks it revoked (rotation).
//
// SECURITY: This operation is atomic - only ONE concurrent request can succeed.
// A request that presents an already-revoked token observes ErrTokenRevoked
// together with the record, enabling family revocation on reuse detection.
func (s *Store) AtomicGetAndRevokeRefreshToken(ctx context.Context, refreshToken string) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "atomic_revoke_refresh")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "atomic_revoke_refresh", err, startTime)
	}()

	s.mu.Lock() // MUST use write lock for atomic get-and-revoke
	defer s.mu.Unlock()

	id, ok := s.byRefresh[refreshToken]
	if !ok {
		err = fmt.Errorf("%w: refresh token not found", storage.ErrTokenNotFound)
		return nil, err
	}

	stored, ok := s.tokens[id]
	if !ok {
		err = fmt.Errorf("%w: token record missing", storage.ErrTokenNotFound)
		return nil, err
	}

	// Check if expired with clock skew grace period
	if security.IsTokenExpired(stored.RefreshExpiresAt) {
		err = fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
		return nil, err
	}

	if stored.Revoked {
		// Reuse of a rotated token - return the record for family revocation
		token, decErr := s.tokenCopy(id)
		if decErr != nil {
			err = decErr
			return nil, err
		}
		err = storage.ErrTokenRevoked
		return token, err
	}

	// ATOMIC revoke - ensures only one request wins the rotation
	stored.Revoked = true
	stored.RevokedAt = time.Now()

	s.logger.Debug("Atomically revoked refresh token for rotation",
		"client_id", stored.ClientID,
		"family_id", util.SafeTruncate(stored.FamilyID, tokenIDLogLength),
		"generation", stored.Generation)

	return s.tokenCopy(id)
}

// RevokeToken marks a token pair revoked by record ID. Idempotent.
func (s *Store) RevokeToken(ctx context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[tokenID]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrTokenNotFound, tokenID)
	}
	if token.Revoked {
		return nil
	}

	token.Revoked = true
	token.RevokedAt = time.Now()
	s.logger.Debug("Revoked token", "token_id", util.SafeTruncate(tokenID, tokenIDLogLength))
	return nil
}

// RevokeTokenFamily revokes every token pair in a refresh rotation lineage.
// Called when reuse of a rotated refresh token is detected.
func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string) (int, error) {
	if familyID == "" {
		return 0, fmt.Errorf("familyID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	now := time.Now()
	for _, token := range s.tokens {
		if token.FamilyID == familyID && !token.Revoked {
			token.Revoked = true
			token.RevokedAt = now
			revoked++
		}
	}

	if revoked > 0 {
		s.logger.Warn("Revoked refresh token family due to reuse detection",
			"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
			"tokens_revoked", revoked)
	}
	return revoked, nil
}

// RevokeAllTokensForClient revokes all tokens issued to a client
func (s *Store) RevokeAllTokensForClient(ctx context.Context, clientID string) (int, error) {
	if clientID == "" {
		return 0, fmt.Errorf("clientID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	now := time.Now()
	for _, token := range s.tokens {
		if token.ClientID == clientID && !token.Revoked {
			token.Revoked = true
			token.RevokedAt = now
			revoked++
		}
	}

	if revoked > 0 {
		s.logger.Info("Revoked all tokens for client",
			"client_id", clientID, "tokens_revoked", revoked)
	}
	return revoked, nil
}

// RevokeAllTokensForUserClient revokes all tokens for a user+client pair.
// Called when authorization code reuse is detected.
func (s *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	if userID == "" || clientID == "" {
		return 0, fmt.Errorf("userID and clientID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	now := time.Now()
	for _, token := range s.tokens {
		if token.UserID == userID && token.ClientID == clientID && !token.Revoked {
			token.Revoked = true
			token.RevokedAt = now
			revoked++
		}
	}

	if revoked > 0 {
		s.logger.Warn("Revoked all tokens for user+client",
			"user_id", userID,
			"client_id", clientID,
			"tokens_revoked", revoked,
			"reason", "authorization_code_reuse_detected")
	}
	return revoked, nil
}

// ============================================================
// NonceStore Implementation
// ============================================================

// SaveNonce records a (client, nonce) pair, rejecting replays
func (s *Store) SaveNonce(ctx context.Context, clientID, nonce string, expiresAt time.Time) error {
	if clientID == "" || nonce == "" {
		return fmt.Errorf("clientID and nonce cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := nonceKey(clientID, nonce)
	if expiry, exists := s.nonces[key]; exists && !security.IsTokenExpired(expiry) {
		return storage.ErrNonceAlreadyUsed
	}

	// SECURITY: Enforce hard limit on nonce records to prevent memory exhaustion
	if _, exists := s.nonces[key]; !exists {
		if len(s.nonces) >= hardMaxNonceEntries {
			s.logger.Error("Nonce record limit exceeded - blocking save to prevent memory exhaustion",
				"current_count", len(s.nonces),
				"hard_limit", hardMaxNonceEntries,
				"client_id", clientID)
			return fmt.Errorf("nonce record limit exceeded (%d entries)", len(s.nonces))
		}
		s.noncesCountAtomic.Add(1)
	}

	s.nonces[key] = expiresAt
	s.logger.Debug("Saved nonce", "client_id", clientID,
		"nonce_prefix", util.SafeTruncate(nonce, tokenIDLogLength))
	return nil
}

// HasNonce reports whether a (client, nonce) pair is recorded and unexpired
func (s *Store) HasNonce(ctx context.Context, clientID, nonce string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expiry, ok := s.nonces[nonceKey(clientID, nonce)]
	if !ok {
		return false, nil
	}
	return !security.IsTokenExpired(expiry), nil
}

func nonceKey(clientID, nonce string) string {
	return clientID + "\x00" + nonce
}

// ============================================================
// UserStore Implementation
// ============================================================

// SaveUser stores a user identity. Intended for seeding development and test
// environments; production deployments resolve users from the platform database.
func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[user.ID] = user
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUserNotFound, userID)
	}
	return user, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	// Cleanup expired authorization codes (with clock skew grace period)
	for code, authCode := range s.authCodes {
		if security.IsTokenExpired(authCode.ExpiresAt) {
			delete(s.authCodes, code)
			s.codesCountAtomic.Add(-1)
			cleaned++
		}
	}

	// Cleanup token pairs whose whole lifetime has elapsed. Revoked records are
	// kept until expiry so introspection keeps answering for them.
	for id, token := range s.tokens {
		lifetimeEnd := token.AccessExpiresAt
		if token.RefreshToken != "" {
			lifetimeEnd = token.RefreshExpiresAt
		}
		if security.IsTokenExpired(lifetimeEnd) {
			delete(s.byAccess, token.AccessToken)
			if token.RefreshToken != "" {
				delete(s.byRefresh, token.RefreshToken)
			}
			delete(s.tokens, id)
			s.tokensCountAtomic.Add(-1)
			cleaned++
		}
	}

	// Cleanup expired nonce records
	for key, expiresAt := range s.nonces {
		if security.IsTokenExpired(expiresAt) {
			delete(s.nonces, key)
			s.noncesCountAtomic.Add(-1)
			cleaned++
		}
	}

	// SECURITY MONITORING: excessive nonce growth may indicate an exhaustion attack
	nonceCount := len(s.nonces)
	if nonceCount > maxNonceEntries {
		s.logger.Warn("Nonce records approaching limit - possible memory exhaustion attack",
			"current_count", nonceCount,
			"max_threshold", maxNonceEntries)
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Encryption Helpers
// ============================================================

// encryptTokenValues encrypts the opaque token values in a record in place
func encryptTokenValues(token *storage.Token, enc *security.Encryptor) error {
	access, err := enc.Encrypt(token.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	token.AccessToken = access

	if token.RefreshToken != "" {
		refresh, err := enc.Encrypt(token.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		token.RefreshToken = refresh
	}
	return nil
}

// decryptTokenValues decrypts the opaque token values in a record in place
func decryptTokenValues(token *storage.Token, enc *security.Encryptor) error {
	access, err := enc.Decrypt(token.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to decrypt access token: %w", err)
	}
	token.AccessToken = access

	if token.RefreshToken != "" {
		refresh, err := enc.Decrypt(token.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
		token.RefreshToken = refresh
	}
	return nil
}

// tokenCopy returns a decrypted copy of a stored record.
// Callers must hold at least a read lock.
func (s *Store) tokenCopy(id string) (*storage.Token, error) {
	stored, ok := s.tokens[id]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	tokenCopy := *stored
	if s.encryptor != nil && s.encryptor.IsEnabled() {
		if err := decryptTokenValues(&tokenCopy, s.encryptor); err != nil {
			return nil, err
		}
	}
	return &tokenCopy, nil
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else {
		if span != nil {
			span.SetStatus(codes.Ok, "")
		}
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
