package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/evlist/oauth/internal/util"
	"github.com/evlist/oauth/storage"
)

// luaAtomicConsumeCode atomically checks that an authorization code is unused
// and marks it as used, preserving the key's TTL. Exactly one concurrent
// exchange observes the unused record; every other one gets the ALREADY_USED
// answer with the record attached so the caller can revoke the tokens issued
// from it.
//
// KEYS[1] = code key
// ARGV[1] = current unix time
//
// Returns:
//
//	nil                    - code not found
//	"EXPIRED"              - code expired
//	"ALREADY_USED:" + data - code was already consumed
//	data                   - success, code marked used
var luaAtomicConsumeCode = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return nil
end

local code = cjson.decode(data)

if tonumber(ARGV[1]) >= tonumber(code['expires_at']) then
    return 'EXPIRED'
end

if code['used'] then
    return 'ALREADY_USED:' .. data
end

code['used'] = true
local encoded = cjson.encode(code)
redis.call('SET', KEYS[1], encoded, 'KEEPTTL')
return encoded
`)

// SaveAuthorizationCode saves an issued authorization code with a TTL matching
// its expiry. The code value is also tracked in the issuing client's code set
// for cascade deletion.
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
	if err = validateStringLength(code.Code, MaxTokenLength, "authorization code"); err != nil {
		return err
	}
	if err = validateStringLength(code.ClientID, MaxIDLength, "client ID"); err != nil {
		return err
	}

	ttl := calculateTTL(code.ExpiresAt)
	if ttl <= 0 {
		err = fmt.Errorf("authorization code already expired")
		return err
	}

	data, marshalErr := json.Marshal(toAuthorizationCodeJSON(code))
	if marshalErr != nil {
		err = fmt.Errorf("failed to marshal authorization code: %w", marshalErr)
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.codeKey(code.Code), data, ttl)
	pipe.SAdd(ctx, s.clientCodesKey(code.ClientID), code.Code)
	pipe.Expire(ctx, s.clientCodesKey(code.ClientID), ttl)
	if _, err = pipe.Exec(ctx); err != nil {
		err = fmt.Errorf("failed to save authorization code: %w", err)
		return err
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, 8))
	return nil
}

// GetAuthorizationCode retrieves an authorization code without modifying it.
// For the actual token exchange use AtomicCheckAndMarkAuthCodeUsed instead.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "get_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_authorization_code", err, startTime)
	}()

	authCode, getErr := getAndUnmarshal[authorizationCodeJSON, storage.AuthorizationCode](
		ctx, s, s.codeKey(code),
		storage.ErrAuthorizationCodeNotFound,
		fromAuthorizationCodeJSON,
	)
	if getErr != nil {
		err = getErr
		return nil, err
	}

	// Redis drops the key at expiry, but check anyway so behavior does not
	// depend on the expiry sweep having run.
	if !authCode.ExpiresAt.After(time.Now()) {
		err = fmt.Errorf("%w: authorization code expired", storage.ErrTokenExpired)
		return nil, err
	}

	return authCode, nil
}

// AtomicCheckAndMarkAuthCodeUsed atomically checks if a code is unused and marks it as used.
// This prevents race conditions in authorization code reuse detection.
//
// SECURITY: Runs as a Lua script so the check-and-set is a single Redis
// operation - only ONE concurrent request can succeed.
//
// IMPORTANT: The record is ONLY returned on reuse errors (Used=true) to enable
// detection and revocation. For other errors (not found, expired), nil is
// returned to prevent information leakage.
func (s *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "atomic_consume_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "atomic_consume_code", err, startTime)
	}()

	result, scriptErr := luaAtomicConsumeCode.Run(ctx, s.client,
		[]string{s.codeKey(code)},
		time.Now().Unix(),
	).Text()

	if scriptErr != nil {
		if scriptErr == redis.Nil {
			err = storage.ErrAuthorizationCodeNotFound
			return nil, err
		}
		err = fmt.Errorf("failed to consume authorization code: %w", scriptErr)
		return nil, err
	}

	if result == "EXPIRED" {
		err = fmt.Errorf("%w: authorization code expired", storage.ErrTokenExpired)
		return nil, err
	}

	if data, reused := strings.CutPrefix(result, "ALREADY_USED:"); reused {
		var j authorizationCodeJSON
		if unmarshalErr := json.Unmarshal([]byte(data), &j); unmarshalErr != nil {
			err = fmt.Errorf("failed to unmarshal authorization code: %w", unmarshalErr)
			return nil, err
		}
		err = storage.ErrAuthorizationCodeUsed
		return fromAuthorizationCodeJSON(&j), err
	}

	var j authorizationCodeJSON
	if unmarshalErr := json.Unmarshal([]byte(result), &j); unmarshalErr != nil {
		err = fmt.Errorf("failed to unmarshal authorization code: %w", unmarshalErr)
		return nil, err
	}

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, 8))
	return fromAuthorizationCodeJSON(&j), nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_authorization_code", err, startTime)
	}()

	if err = s.client.Del(ctx, s.codeKey(code)).Err(); err != nil {
		err = fmt.Errorf("failed to delete authorization code: %w", err)
		return err
	}

	s.logger.Debug("Deleted authorization code")
	return nil
}

// DeleteAuthorizationCodesForClient removes all codes issued to a client
// (cascade on client deletion)
func (s *Store) DeleteAuthorizationCodesForClient(ctx context.Context, clientID string) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "delete_codes_for_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_codes_for_client", err, startTime)
	}()

	if clientID == "" {
		err = fmt.Errorf("clientID cannot be empty")
		return 0, err
	}

	setKey := s.clientCodesKey(clientID)
	codes, membersErr := s.client.SMembers(ctx, setKey).Result()
	if membersErr != nil {
		err = fmt.Errorf("failed to list codes for client: %w", membersErr)
		return 0, err
	}

	deleted := 0
	for _, code := range codes {
		// Expired codes may linger in the set after Redis dropped their keys;
		// DEL reports whether the key still existed.
		n, delErr := s.client.Del(ctx, s.codeKey(code)).Result()
		if delErr != nil {
			err = fmt.Errorf("failed to delete authorization code: %w", delErr)
			return deleted, err
		}
		deleted += int(n)
	}

	if delErr := s.client.Del(ctx, setKey).Err(); delErr != nil {
		err = fmt.Errorf("failed to delete client code set: %w", delErr)
		return deleted, err
	}

	if deleted > 0 {
		s.logger.Debug("Deleted authorization codes for client",
			"client_id", clientID, "count", deleted)
	}
	return deleted, nil
}
