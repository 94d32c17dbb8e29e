package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/evlist/oauth/internal/util"
	"github.com/evlist/oauth/storage"
)

// SaveNonce records a (client, nonce) pair, rejecting replays. Redis evicts
// the key at expiry, so no sweep is needed and the SET NX answers replay
// atomicity in a single operation.
func (s *Store) SaveNonce(ctx context.Context, clientID, nonce string, expiresAt time.Time) error {
	ctx, span := s.startStorageSpan(ctx, "save_nonce")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_nonce", err, startTime)
	}()

	if clientID == "" || nonce == "" {
		err = fmt.Errorf("clientID and nonce cannot be empty")
		return err
	}
	if err = validateStringLength(nonce, MaxTokenLength, "nonce"); err != nil {
		return err
	}

	ttl := calculateTTL(expiresAt)
	if ttl <= 0 {
		err = fmt.Errorf("nonce expiry must be in the future")
		return err
	}

	set, setErr := s.client.SetNX(ctx, s.nonceKey(clientID, nonce), 1, ttl).Result()
	if setErr != nil {
		err = fmt.Errorf("failed to save nonce: %w", setErr)
		return err
	}
	if !set {
		err = storage.ErrNonceAlreadyUsed
		return err
	}

	s.logger.Debug("Saved nonce", "client_id", clientID,
		"nonce_prefix", util.SafeTruncate(nonce, 8))
	return nil
}

// HasNonce reports whether a (client, nonce) pair is recorded and unexpired
func (s *Store) HasNonce(ctx context.Context, clientID, nonce string) (bool, error) {
	ctx, span := s.startStorageSpan(ctx, "has_nonce")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "has_nonce", err, startTime)
	}()

	exists, existsErr := s.client.Exists(ctx, s.nonceKey(clientID, nonce)).Result()
	if existsErr != nil {
		err = fmt.Errorf("failed to check nonce: %w", existsErr)
		return false, err
	}
	return exists > 0, nil
}
