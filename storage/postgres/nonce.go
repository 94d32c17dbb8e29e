package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/evlist/oauth/internal/util"
	"github.com/evlist/oauth/storage"
)

// SaveNonce records a (client, nonce) pair, rejecting replays. An expired
// pair may be recorded again; the conditional upsert keeps the decision
// atomic across server instances.
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
	if !expiresAt.After(time.Now()) {
		err = fmt.Errorf("nonce expiry must be in the future")
		return err
	}

	var recorded string
	scanErr := s.pool.QueryRow(ctx, `
		INSERT INTO oauth_nonces (client_id, nonce, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (client_id, nonce) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE oauth_nonces.expires_at <= now()
		RETURNING nonce`,
		clientID, nonce, expiresAt).Scan(&recorded)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			// Conflict with an unexpired pair: replay
			err = storage.ErrNonceAlreadyUsed
			return err
		}
		err = fmt.Errorf("failed to save nonce: %w", scanErr)
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

	var exists bool
	scanErr := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM oauth_nonces
			WHERE client_id = $1 AND nonce = $2 AND expires_at > now()
		)`,
		clientID, nonce).Scan(&exists)
	if scanErr != nil {
		err = fmt.Errorf("failed to check nonce: %w", scanErr)
		return false, err
	}
	return exists, nil
}
