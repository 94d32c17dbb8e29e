package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/evlist/oauth/internal/util"
	"github.com/evlist/oauth/storage"
)

// luaAtomicRevokeToken atomically marks a token record revoked, preserving the
// key's TTL. Exactly one concurrent refresh exchange observes the live record;
// every other one gets the ALREADY_REVOKED answer with the record attached so
// the caller can revoke the whole rotation family.
//
// The refresh-value index is resolved before the script runs; that mapping is
// immutable for the record's lifetime, so the contended decision stays atomic.
//
// KEYS[1] = token record key
// ARGV[1] = current unix time
// ARGV[2] = revocation unix time
//
// Returns:
//
//	nil                       - record not found
//	"EXPIRED"                 - refresh token expired
//	"ALREADY_REVOKED:" + data - token was already revoked
//	data                      - success, token marked revoked
var luaAtomicRevokeToken = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return nil
end

local token = cjson.decode(data)

local refreshExpiresAt = tonumber(token['refresh_expires_at'])
if refreshExpiresAt and refreshExpiresAt > 0 and tonumber(ARGV[1]) >= refreshExpiresAt then
    return 'EXPIRED'
end

if token['revoked'] then
    return 'ALREADY_REVOKED:' .. data
end

token['revoked'] = true
token['revoked_at'] = tonumber(ARGV[2])
local encoded = cjson.encode(token)
redis.call('SET', KEYS[1], encoded, 'KEEPTTL')
return encoded
`)

// SaveToken saves a newly issued token pair with optional encryption at rest.
// The record and its value indexes share a TTL covering the whole pair
// lifetime, so introspection keeps answering for revoked tokens until expiry.
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
	if err = validateStringLength(token.AccessToken, MaxTokenLength, "access token"); err != nil {
		return err
	}
	if err = validateStringLength(token.RefreshToken, MaxTokenLength, "refresh token"); err != nil {
		return err
	}
	if err = validateStringLength(token.ClientID, MaxIDLength, "client ID"); err != nil {
		return err
	}
	if err = validateStringLength(token.UserID, MaxIDLength, "user ID"); err != nil {
		return err
	}

	ttl := calculateTTL(tokenLifetimeEnd(token))
	if ttl <= 0 {
		err = fmt.Errorf("token already expired")
		return err
	}

	// Encrypt token values if encryptor is configured. Value indexes stay keyed
	// by the raw opaque values; only the stored record is encrypted.
	stored := *token
	if enc := s.getEncryptor(); enc != nil && enc.IsEnabled() {
		access, encErr := enc.Encrypt(stored.AccessToken)
		if encErr != nil {
			err = fmt.Errorf("failed to encrypt access token: %w", encErr)
			return err
		}
		stored.AccessToken = access

		if stored.RefreshToken != "" {
			refresh, encErr := enc.Encrypt(stored.RefreshToken)
			if encErr != nil {
				err = fmt.Errorf("failed to encrypt refresh token: %w", encErr)
				return err
			}
			stored.RefreshToken = refresh
		}
	}

	data, marshalErr := json.Marshal(toTokenJSON(&stored))
	if marshalErr != nil {
		err = fmt.Errorf("failed to marshal token: %w", marshalErr)
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.tokenKey(token.ID), data, ttl)
	pipe.Set(ctx, s.accessIndexKey(token.AccessToken), token.ID, ttl)
	if token.RefreshToken != "" {
		pipe.Set(ctx, s.refreshIndexKey(token.RefreshToken), token.ID, ttl)
	}
	if token.FamilyID != "" {
		pipe.SAdd(ctx, s.familyKey(token.FamilyID), token.ID)
		pipe.Expire(ctx, s.familyKey(token.FamilyID), ttl)
	}
	pipe.SAdd(ctx, s.clientTokensKey(token.ClientID), token.ID)
	pipe.Expire(ctx, s.clientTokensKey(token.ClientID), ttl)
	if token.UserID != "" {
		pipe.SAdd(ctx, s.userClientTokensKey(token.UserID, token.ClientID), token.ID)
		pipe.Expire(ctx, s.userClientTokensKey(token.UserID, token.ClientID), ttl)
	}
	if _, err = pipe.Exec(ctx); err != nil {
		err = fmt.Errorf("failed to save token: %w", err)
		return err
	}

	s.logger.Debug("Saved token", "client_id", token.ClientID,
		"token_id", util.SafeTruncate(token.ID, 8))
	return nil
}

// GetTokenByAccess retrieves a token record by its access token value.
// Expiry and revocation are NOT checked here; callers decide what an
// expired or revoked record means for them.
func (s *Store) GetTokenByAccess(ctx context.Context, accessToken string) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "get_token_by_access")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_token_by_access", err, startTime)
	}()

	token, getErr := s.getTokenByIndex(ctx, s.accessIndexKey(accessToken))
	if getErr != nil {
		err = getErr
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

	token, getErr := s.getTokenByIndex(ctx, s.refreshIndexKey(refreshToken))
	if getErr != nil {
		err = getErr
		return nil, err
	}
	return token, nil
}

// getTokenByIndex resolves a value index key to its record and decrypts it
func (s *Store) getTokenByIndex(ctx context.Context, indexKey string) (*storage.Token, error) {
	tokenID, err := s.client.Get(ctx, indexKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to resolve token index: %w", err)
	}

	token, err := getAndUnmarshal[tokenJSON, storage.Token](
		ctx, s, s.tokenKey(tokenID),
		storage.ErrTokenNotFound,
		fromTokenJSON,
	)
	if err != nil {
		return nil, err
	}

	if err := s.decryptToken(token); err != nil {
		return nil, err
	}
	return token, nil
}

// decryptToken decrypts the opaque token values in a record in place
func (s *Store) decryptToken(token *storage.Token) error {
	enc := s.getEncryptor()
	if enc == nil || !enc.IsEnabled() {
		return nil
	}

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

// AtomicGetAndRevokeRefreshToken atomically looks up a token pair by refresh
// value and marks it revoked (rotation).
//
// SECURITY: The revoke decision runs as a Lua script - only ONE concurrent
// request can succeed. A request that presents an already-revoked token
// observes ErrTokenRevoked together with the record, enabling family
// revocation on reuse detection.
func (s *Store) AtomicGetAndRevokeRefreshToken(ctx context.Context, refreshToken string) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "atomic_revoke_refresh")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "atomic_revoke_refresh", err, startTime)
	}()

	tokenID, idxErr := s.client.Get(ctx, s.refreshIndexKey(refreshToken)).Result()
	if idxErr != nil {
		if idxErr == redis.Nil {
			err = fmt.Errorf("%w: refresh token not found", storage.ErrTokenNotFound)
			return nil, err
		}
		err = fmt.Errorf("failed to resolve refresh token index: %w", idxErr)
		return nil, err
	}

	now := time.Now()
	result, scriptErr := luaAtomicRevokeToken.Run(ctx, s.client,
		[]string{s.tokenKey(tokenID)},
		now.Unix(), now.Unix(),
	).Text()

	if scriptErr != nil {
		if scriptErr == redis.Nil {
			err = fmt.Errorf("%w: token record missing", storage.ErrTokenNotFound)
			return nil, err
		}
		err = fmt.Errorf("failed to revoke refresh token: %w", scriptErr)
		return nil, err
	}

	if result == "EXPIRED" {
		err = fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
		return nil, err
	}

	data, alreadyRevoked := strings.CutPrefix(result, "ALREADY_REVOKED:")
	if !alreadyRevoked {
		data = result
	}

	var j tokenJSON
	if unmarshalErr := json.Unmarshal([]byte(data), &j); unmarshalErr != nil {
		err = fmt.Errorf("failed to unmarshal token: %w", unmarshalErr)
		return nil, err
	}
	token := fromTokenJSON(&j)
	if decErr := s.decryptToken(token); decErr != nil {
		err = decErr
		return nil, err
	}

	if alreadyRevoked {
		// Reuse of a rotated token - return the record for family revocation
		err = storage.ErrTokenRevoked
		return token, err
	}

	s.logger.Debug("Atomically revoked refresh token for rotation",
		"client_id", token.ClientID,
		"family_id", util.SafeTruncate(token.FamilyID, 8),
		"generation", token.Generation)
	return token, nil
}

// RevokeToken marks a token pair revoked by record ID. Idempotent.
func (s *Store) RevokeToken(ctx context.Context, tokenID string) error {
	ctx, span := s.startStorageSpan(ctx, "revoke_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_token", err, startTime)
	}()

	revoked, revokeErr := s.revokeTokenRecord(ctx, tokenID)
	if revokeErr != nil {
		err = revokeErr
		return err
	}
	if revoked {
		s.logger.Debug("Revoked token", "token_id", util.SafeTruncate(tokenID, 8))
	}
	return nil
}

// revokeTokenRecord marks a single record revoked, preserving its TTL.
// Returns false without error when the record is missing or already revoked.
func (s *Store) revokeTokenRecord(ctx context.Context, tokenID string) (bool, error) {
	now := time.Now()
	result, err := luaAtomicRevokeToken.Run(ctx, s.client,
		[]string{s.tokenKey(tokenID)},
		// Administrative revocation ignores refresh expiry; pass 0 as "now"
		// so the script's expiry check never trips.
		0, now.Unix(),
	).Text()

	if err != nil {
		if err == redis.Nil {
			return false, fmt.Errorf("%w: %s", storage.ErrTokenNotFound, tokenID)
		}
		return false, fmt.Errorf("failed to revoke token: %w", err)
	}

	if strings.HasPrefix(result, "ALREADY_REVOKED:") {
		return false, nil
	}
	return true, nil
}

// RevokeTokenFamily revokes every token pair in a refresh rotation lineage.
// Called when reuse of a rotated refresh token is detected.
func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_token_family")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_token_family", err, startTime)
	}()

	if familyID == "" {
		err = fmt.Errorf("familyID cannot be empty")
		return 0, err
	}

	revoked, revokeErr := s.revokeTokenSet(ctx, s.familyKey(familyID))
	if revokeErr != nil {
		err = revokeErr
		return revoked, err
	}

	if revoked > 0 {
		s.logger.Warn("Revoked refresh token family due to reuse detection",
			"family_id", util.SafeTruncate(familyID, 8),
			"tokens_revoked", revoked)
	}
	return revoked, nil
}

// RevokeAllTokensForClient revokes all tokens issued to a client
func (s *Store) RevokeAllTokensForClient(ctx context.Context, clientID string) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_tokens_for_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_tokens_for_client", err, startTime)
	}()

	if clientID == "" {
		err = fmt.Errorf("clientID cannot be empty")
		return 0, err
	}

	revoked, revokeErr := s.revokeTokenSet(ctx, s.clientTokensKey(clientID))
	if revokeErr != nil {
		err = revokeErr
		return revoked, err
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
	ctx, span := s.startStorageSpan(ctx, "revoke_tokens_for_user_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_tokens_for_user_client", err, startTime)
	}()

	if userID == "" || clientID == "" {
		err = fmt.Errorf("userID and clientID cannot be empty")
		return 0, err
	}

	revoked, revokeErr := s.revokeTokenSet(ctx, s.userClientTokensKey(userID, clientID))
	if revokeErr != nil {
		err = revokeErr
		return revoked, err
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

// revokeTokenSet revokes every record tracked in a token ID set. Records
// already dropped by Redis expiry are skipped.
func (s *Store) revokeTokenSet(ctx context.Context, setKey string) (int, error) {
	tokenIDs, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list token set: %w", err)
	}

	revoked := 0
	for _, tokenID := range tokenIDs {
		ok, revokeErr := s.revokeTokenRecord(ctx, tokenID)
		if revokeErr != nil {
			if errors.Is(revokeErr, storage.ErrTokenNotFound) {
				continue // expired between SMEMBERS and revoke
			}
			return revoked, revokeErr
		}
		if ok {
			revoked++
		}
	}
	return revoked, nil
}
