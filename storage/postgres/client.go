package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/evlist/oauth/storage"
)

const clientColumns = `client_id, client_secret_hash, client_type, redirect_uris,
	token_endpoint_auth_method, grant_types, response_types, client_name,
	scopes, owner_user_id, created_at`

// SaveClient saves a registered client, replacing any existing registration
// with the same ID
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
	if err = validateStringLength(client.ClientID, MaxIDLength, "client ID"); err != nil {
		return err
	}

	_, execErr := s.pool.Exec(ctx, `
		INSERT INTO oauth_clients (`+clientColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (client_id) DO UPDATE SET
			client_secret_hash = EXCLUDED.client_secret_hash,
			client_type = EXCLUDED.client_type,
			redirect_uris = EXCLUDED.redirect_uris,
			token_endpoint_auth_method = EXCLUDED.token_endpoint_auth_method,
			grant_types = EXCLUDED.grant_types,
			response_types = EXCLUDED.response_types,
			client_name = EXCLUDED.client_name,
			scopes = EXCLUDED.scopes,
			owner_user_id = EXCLUDED.owner_user_id`,
		client.ClientID, client.ClientSecretHash, client.ClientType,
		client.RedirectURIs, client.TokenEndpointAuthMethod, client.GrantTypes,
		client.ResponseTypes, client.ClientName, client.Scopes,
		client.OwnerUserID, client.CreatedAt)
	if execErr != nil {
		err = fmt.Errorf("failed to save client: %w", execErr)
		return err
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

func scanClient(row pgx.Row) (*storage.Client, error) {
	var client storage.Client
	err := row.Scan(&client.ClientID, &client.ClientSecretHash, &client.ClientType,
		&client.RedirectURIs, &client.TokenEndpointAuthMethod, &client.GrantTypes,
		&client.ResponseTypes, &client.ClientName, &client.Scopes,
		&client.OwnerUserID, &client.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &client, nil
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

	row := s.pool.QueryRow(ctx,
		`SELECT `+clientColumns+` FROM oauth_clients WHERE client_id = $1`,
		clientID)

	client, scanErr := scanClient(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
			return nil, err
		}
		err = fmt.Errorf("failed to get client: %w", scanErr)
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
	ctx, span := s.startStorageSpan(ctx, "delete_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_client", err, startTime)
	}()

	tag, execErr := s.pool.Exec(ctx,
		`DELETE FROM oauth_clients WHERE client_id = $1`, clientID)
	if execErr != nil {
		err = fmt.Errorf("failed to delete client: %w", execErr)
		return err
	}
	if tag.RowsAffected() == 0 {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return err
	}

	s.logger.Debug("Deleted client", "client_id", clientID)
	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "list_clients")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "list_clients", err, startTime)
	}()

	rows, queryErr := s.pool.Query(ctx,
		`SELECT `+clientColumns+` FROM oauth_clients ORDER BY created_at`)
	if queryErr != nil {
		err = fmt.Errorf("failed to list clients: %w", queryErr)
		return nil, err
	}
	defer rows.Close()

	var clients []*storage.Client
	for rows.Next() {
		client, scanErr := scanClient(rows)
		if scanErr != nil {
			err = fmt.Errorf("failed to scan client: %w", scanErr)
			return nil, err
		}
		clients = append(clients, client)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		err = fmt.Errorf("failed to iterate clients: %w", rowsErr)
		return nil, err
	}

	return clients, nil
}
