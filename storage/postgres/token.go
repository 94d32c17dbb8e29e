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

const tokenColumns = `id, access_value, refresh_value, client_id, user_id, scope,
	family_id, generation, issued_at, access_expires_at, refresh_expires_at,
	revoked, revoked_at`

func scanToken(row pgx.Row) (*storage.Token, error) {
	var token storage.Token
	var refreshExpiresAt, revokedAt *time.Time
	err := row.Scan(&token.ID, &token.AccessToken, &token.RefreshToken,
		&token.ClientID, &token.UserID, &token.Scope, &token.FamilyID,
		&token.Generation, &token.IssuedAt, &token.AccessExpiresAt,
		&refreshExpiresAt, &token.Revoked, &revokedAt)
	if err != nil {
		return nil, err
	}
	if refreshExpiresAt != nil {
		token.RefreshExpiresAt = *refreshExpiresAt
	}
	if revokedAt != nil {
		token.RevokedAt = *revokedAt
	}
	return &token, nil
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

// SaveToken saves a newly issued token pair with optional encryption at rest.
// Lookup digests are always derived from the raw opaque values.
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

	accessValue := token.AccessToken
	refreshValue := token.RefreshToken
	if enc := s.getEncryptor(); enc != nil && enc.IsEnabled() {
		accessValue, err = enc.Encrypt(accessValue)
		if err != nil {
			err = fmt.Errorf("failed to encrypt access token: %w", err)
			return err
		}
		if refreshValue != "" {
			refreshValue, err = enc.Encrypt(refreshValue)
			if err != nil {
				err = fmt.Errorf("failed to encrypt refresh token: %w", err)
				return err
			}
		}
	}

	var refreshHash *string
	if token.RefreshToken != "" {
		h := hashToken(token.RefreshToken)
		refreshHash = &h
	}
	var refreshExpiresAt *time.Time
	if !token.RefreshExpiresAt.IsZero() {
		refreshExpiresAt = &token.RefreshExpiresAt
	}

	_, execErr := s.pool.Exec(ctx, `
		INSERT INTO oauth_tokens (id, access_hash, refresh_hash, access_value,
			refresh_value, client_id, user_id, scope, family_id, generation,
			issued_at, access_expires_at, refresh_expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		token.ID, hashToken(token.AccessToken), refreshHash, accessValue,
		refreshValue, token.ClientID, token.UserID, token.Scope,
		token.FamilyID, token.Generation, token.IssuedAt,
		token.AccessExpiresAt, refreshExpiresAt, token.Revoked)
	if execErr != nil {
		err = fmt.Errorf("failed to save token: %w", execErr)
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

	token, getErr := s.getTokenWhere(ctx, "access_hash", hashToken(accessToken))
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

	token, getErr := s.getTokenWhere(ctx, "refresh_hash", hashToken(refreshToken))
	if getErr != nil {
		err = getErr
		return nil, err
	}
	return token, nil
}

func (s *Store) getTokenWhere(ctx context.Context, column, value string) (*storage.Token, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM oauth_tokens WHERE `+column+` = $1`,
		value)

	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	if err := s.decryptToken(token); err != nil {
		return nil, err
	}
	return token, nil
}

// AtomicGetAndRevokeRefreshToken atomically looks up a token pair by refresh
// value and marks it revoked (rotation).
//
// SECURITY: The revoke decision is a single conditional UPDATE, so exactly
// one concurrent request wins even across server instances. A request that
// presents an already-revoked token observes ErrTokenRevoked together with
// the record, enabling family revocation on reuse detection.
func (s *Store) AtomicGetAndRevokeRefreshToken(ctx context.Context, refreshToken string) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "atomic_revoke_refresh")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "atomic_revoke_refresh", err, startTime)
	}()

	refreshHash := hashToken(refreshToken)

	row := s.pool.QueryRow(ctx, `
		UPDATE oauth_tokens
		SET revoked = TRUE, revoked_at = now()
		WHERE refresh_hash = $1 AND NOT revoked AND refresh_expires_at > now()
		RETURNING `+tokenColumns,
		refreshHash)

	token, scanErr := scanToken(row)
	if scanErr == nil {
		if decErr := s.decryptToken(token); decErr != nil {
			err = decErr
			return nil, err
		}
		s.logger.Debug("Atomically revoked refresh token for rotation",
			"client_id", token.ClientID,
			"family_id", util.SafeTruncate(token.FamilyID, 8),
			"generation", token.Generation)
		return token, nil
	}
	if !errors.Is(scanErr, pgx.ErrNoRows) {
		err = fmt.Errorf("failed to revoke refresh token: %w", scanErr)
		return nil, err
	}

	// The conditional UPDATE matched nothing. Classify why.
	row = s.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM oauth_tokens WHERE refresh_hash = $1`,
		refreshHash)
	token, scanErr = scanToken(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			err = fmt.Errorf("%w: refresh token not found", storage.ErrTokenNotFound)
			return nil, err
		}
		err = fmt.Errorf("failed to classify refresh token: %w", scanErr)
		return nil, err
	}

	if token.Revoked {
		// Reuse of a rotated token - return the record for family revocation
		if decErr := s.decryptToken(token); decErr != nil {
			err = decErr
			return nil, err
		}
		err = storage.ErrTokenRevoked
		return token, err
	}

	err = fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
	return nil, err
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

	tag, execErr := s.pool.Exec(ctx, `
		UPDATE oauth_tokens
		SET revoked = TRUE, revoked_at = now()
		WHERE id = $1 AND NOT revoked`,
		tokenID)
	if execErr != nil {
		err = fmt.Errorf("failed to revoke token: %w", execErr)
		return err
	}

	if tag.RowsAffected() == 0 {
		// Either already revoked (fine) or missing (an error)
		var exists bool
		if checkErr := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM oauth_tokens WHERE id = $1)`,
			tokenID).Scan(&exists); checkErr != nil {
			err = fmt.Errorf("failed to check token: %w", checkErr)
			return err
		}
		if !exists {
			err = fmt.Errorf("%w: %s", storage.ErrTokenNotFound, tokenID)
			return err
		}
		return nil
	}

	s.logger.Debug("Revoked token", "token_id", util.SafeTruncate(tokenID, 8))
	return nil
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

	tag, execErr := s.pool.Exec(ctx, `
		UPDATE oauth_tokens
		SET revoked = TRUE, revoked_at = now()
		WHERE family_id = $1 AND NOT revoked`,
		familyID)
	if execErr != nil {
		err = fmt.Errorf("failed to revoke token family: %w", execErr)
		return 0, err
	}

	revoked := int(tag.RowsAffected())
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

	tag, execErr := s.pool.Exec(ctx, `
		UPDATE oauth_tokens
		SET revoked = TRUE, revoked_at = now()
		WHERE client_id = $1 AND NOT revoked`,
		clientID)
	if execErr != nil {
		err = fmt.Errorf("failed to revoke tokens for client: %w", execErr)
		return 0, err
	}

	revoked := int(tag.RowsAffected())
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

	tag, execErr := s.pool.Exec(ctx, `
		UPDATE oauth_tokens
		SET revoked = TRUE, revoked_at = now()
		WHERE user_id = $1 AND client_id = $2 AND NOT revoked`,
		userID, clientID)
	if execErr != nil {
		err = fmt.Errorf("failed to revoke tokens for user+client: %w", execErr)
		return 0, err
	}

	revoked := int(tag.RowsAffected())
	if revoked > 0 {
		s.logger.Warn("Revoked all tokens for user+client",
			"user_id", userID,
			"client_id", clientID,
			"tokens_revoked", revoked,
			"reason", "authorization_code_reuse_detected")
	}
	return revoked, nil
}
