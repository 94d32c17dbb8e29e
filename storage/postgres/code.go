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

const codeColumns = `code, client_id, redirect_uri, scope, code_challenge,
	code_challenge_method, nonce, user_id, created_at, expires_at, used`

func scanAuthorizationCode(row pgx.Row) (*storage.AuthorizationCode, error) {
	var code storage.AuthorizationCode
	err := row.Scan(&code.Code, &code.ClientID, &code.RedirectURI, &code.Scope,
		&code.CodeChallenge, &code.CodeChallengeMethod, &code.Nonce,
		&code.UserID, &code.CreatedAt, &code.ExpiresAt, &code.Used)
	if err != nil {
		return nil, err
	}
	return &code, nil
}

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
	if err = validateStringLength(code.Code, MaxTokenLength, "authorization code"); err != nil {
		return err
	}
	if !code.ExpiresAt.After(time.Now()) {
		err = fmt.Errorf("authorization code already expired")
		return err
	}

	_, execErr := s.pool.Exec(ctx, `
		INSERT INTO oauth_authorization_codes (`+codeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		code.Code, code.ClientID, code.RedirectURI, code.Scope,
		code.CodeChallenge, code.CodeChallengeMethod, code.Nonce,
		code.UserID, code.CreatedAt, code.ExpiresAt, code.Used)
	if execErr != nil {
		err = fmt.Errorf("failed to save authorization code: %w", execErr)
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

	row := s.pool.QueryRow(ctx,
		`SELECT `+codeColumns+` FROM oauth_authorization_codes WHERE code = $1`,
		code)

	authCode, scanErr := scanAuthorizationCode(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			err = storage.ErrAuthorizationCodeNotFound
			return nil, err
		}
		err = fmt.Errorf("failed to get authorization code: %w", scanErr)
		return nil, err
	}

	if !authCode.ExpiresAt.After(time.Now()) {
		err = fmt.Errorf("%w: authorization code expired", storage.ErrTokenExpired)
		return nil, err
	}

	return authCode, nil
}

// AtomicCheckAndMarkAuthCodeUsed atomically checks if a code is unused and marks it as used.
//
// SECURITY: The check-and-set is a single conditional UPDATE, so exactly one
// concurrent exchange wins even across server instances sharing the database.
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

	row := s.pool.QueryRow(ctx, `
		UPDATE oauth_authorization_codes
		SET used = TRUE
		WHERE code = $1 AND NOT used AND expires_at > now()
		RETURNING `+codeColumns,
		code)

	authCode, scanErr := scanAuthorizationCode(row)
	if scanErr == nil {
		s.logger.Debug("Marked authorization code as used",
			"code_prefix", util.SafeTruncate(code, 8))
		return authCode, nil
	}
	if !errors.Is(scanErr, pgx.ErrNoRows) {
		err = fmt.Errorf("failed to consume authorization code: %w", scanErr)
		return nil, err
	}

	// The conditional UPDATE matched nothing. Classify why.
	row = s.pool.QueryRow(ctx,
		`SELECT `+codeColumns+` FROM oauth_authorization_codes WHERE code = $1`,
		code)
	authCode, scanErr = scanAuthorizationCode(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			err = storage.ErrAuthorizationCodeNotFound
			return nil, err
		}
		err = fmt.Errorf("failed to classify authorization code: %w", scanErr)
		return nil, err
	}

	if authCode.Used {
		// Code already consumed - return the record so the caller can revoke
		// the tokens previously issued from it
		err = storage.ErrAuthorizationCodeUsed
		return authCode, err
	}

	err = fmt.Errorf("%w: authorization code expired", storage.ErrTokenExpired)
	return nil, err
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

	if _, execErr := s.pool.Exec(ctx,
		`DELETE FROM oauth_authorization_codes WHERE code = $1`, code); execErr != nil {
		err = fmt.Errorf("failed to delete authorization code: %w", execErr)
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

	tag, execErr := s.pool.Exec(ctx,
		`DELETE FROM oauth_authorization_codes WHERE client_id = $1`, clientID)
	if execErr != nil {
		err = fmt.Errorf("failed to delete codes for client: %w", execErr)
		return 0, err
	}

	deleted := int(tag.RowsAffected())
	if deleted > 0 {
		s.logger.Debug("Deleted authorization codes for client",
			"client_id", clientID, "count", deleted)
	}
	return deleted, nil
}
