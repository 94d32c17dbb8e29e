package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/evlist/oauth/storage"
)

// SaveClient saves a registered client. Client registrations carry no TTL;
// they live until explicitly deleted.
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

	data, marshalErr := json.Marshal(toClientJSON(client))
	if marshalErr != nil {
		err = fmt.Errorf("failed to marshal client: %w", marshalErr)
		return err
	}

	if err = s.client.Set(ctx, s.clientKey(client.ClientID), data, 0).Err(); err != nil {
		err = fmt.Errorf("failed to save client: %w", err)
		return err
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

	client, getErr := getAndUnmarshal[clientJSON, storage.Client](
		ctx, s, s.clientKey(clientID),
		fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID),
		fromClientJSON,
	)
	if getErr != nil {
		err = getErr
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

	deleted, delErr := s.client.Del(ctx, s.clientKey(clientID)).Result()
	if delErr != nil {
		err = fmt.Errorf("failed to delete client: %w", delErr)
		return err
	}
	if deleted == 0 {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return err
	}

	s.logger.Debug("Deleted client", "client_id", clientID)
	return nil
}

// ListClients lists all registered clients using SCAN to avoid blocking Redis
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "list_clients")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "list_clients", err, startTime)
	}()

	var clients []*storage.Client
	iter := s.client.Scan(ctx, 0, s.clientKey("*"), scanBatchSize).Iterator()
	for iter.Next(ctx) {
		data, getErr := s.client.Get(ctx, iter.Val()).Result()
		if getErr != nil {
			if getErr == redis.Nil {
				continue // deleted between SCAN and GET
			}
			err = fmt.Errorf("failed to get client: %w", getErr)
			return nil, err
		}

		var j clientJSON
		if unmarshalErr := json.Unmarshal([]byte(data), &j); unmarshalErr != nil {
			s.logger.Warn("Skipping malformed client record", "key", iter.Val())
			continue
		}
		clients = append(clients, fromClientJSON(&j))
	}
	if iterErr := iter.Err(); iterErr != nil {
		err = fmt.Errorf("failed to scan clients: %w", iterErr)
		return nil, err
	}

	return clients, nil
}
