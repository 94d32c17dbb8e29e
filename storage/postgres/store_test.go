package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/evlist/oauth/storage"
)

const testUserID = "test-user"

// testStore creates a test store connected to a local PostgreSQL instance.
// Tests are skipped if POSTGRES_TEST_DSN is not set or the connection fails.
// The schema must already be migrated; run cmd/migrator against the test
// database first.
func testStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("Skipping test: POSTGRES_TEST_DSN not set")
	}

	store, err := New(Config{
		DSN: dsn,
		// No background sweep during tests; Cleanup is called explicitly
		CleanupInterval: -1,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to PostgreSQL: %v", err)
	}

	t.Cleanup(func() {
		cleanupTestRows(t, store)
		store.Close()
	})

	cleanupTestRows(t, store)
	return store
}

// cleanupTestRows removes every row created by the tests
func cleanupTestRows(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	for _, table := range []string{
		"oauth_nonces", "oauth_tokens", "oauth_authorization_codes", "oauth_clients",
	} {
		if _, err := s.pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			t.Logf("Warning: failed to clean %s: %v", table, err)
		}
	}
}

func testClient(clientID string) *storage.Client {
	hash, _ := bcrypt.GenerateFromPassword([]byte("test-secret"), bcrypt.MinCost)
	return &storage.Client{
		ClientID:                clientID,
		ClientSecretHash:        string(hash),
		ClientType:              "confidential",
		RedirectURIs:            []string{"https://app.example.com/callback"},
		TokenEndpointAuthMethod: "client_secret_basic",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              "Test Client",
		Scopes:                  []string{"openid", "profile"},
		CreatedAt:               time.Now().Truncate(time.Second),
	}
}

func testAuthCode(code, clientID string) *storage.AuthorizationCode {
	now := time.Now()
	return &storage.AuthorizationCode{
		Code:        code,
		ClientID:    clientID,
		RedirectURI: "https://app.example.com/callback",
		Scope:       "openid profile",
		UserID:      testUserID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(10 * time.Minute),
	}
}

func testToken(id, clientID string) *storage.Token {
	now := time.Now()
	return &storage.Token{
		ID:               id,
		AccessToken:      "access-" + id,
		RefreshToken:     "refresh-" + id,
		ClientID:         clientID,
		UserID:           testUserID,
		Scope:            "openid profile",
		FamilyID:         "family-" + id,
		IssuedAt:         now,
		AccessExpiresAt:  now.Add(time.Hour),
		RefreshExpiresAt: now.Add(24 * time.Hour),
	}
}

func TestClientRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	client := testClient("client-1")
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient failed: %v", err)
	}

	got, err := store.GetClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if got.ClientType != "confidential" || got.TokenEndpointAuthMethod != "client_secret_basic" {
		t.Errorf("got ClientType=%q authMethod=%q", got.ClientType, got.TokenEndpointAuthMethod)
	}
	if len(got.RedirectURIs) != 1 || got.RedirectURIs[0] != client.RedirectURIs[0] {
		t.Errorf("RedirectURIs = %v, want %v", got.RedirectURIs, client.RedirectURIs)
	}

	if _, err := store.GetClient(ctx, "no-such-client"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient(unknown) error = %v, want ErrClientNotFound", err)
	}

	// Saving again updates in place
	client.ClientName = "Renamed Client"
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("second SaveClient failed: %v", err)
	}
	got, err = store.GetClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if got.ClientName != "Renamed Client" {
		t.Errorf("ClientName = %q, want Renamed Client", got.ClientName)
	}

	if err := store.DeleteClient(ctx, "client-1"); err != nil {
		t.Fatalf("DeleteClient failed: %v", err)
	}
	if err := store.DeleteClient(ctx, "client-1"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("second DeleteClient error = %v, want ErrClientNotFound", err)
	}
}

func TestValidateClientSecret(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SaveClient(ctx, testClient("client-1")); err != nil {
		t.Fatalf("SaveClient failed: %v", err)
	}

	if err := store.ValidateClientSecret(ctx, "client-1", "test-secret"); err != nil {
		t.Errorf("correct secret rejected: %v", err)
	}
	if err := store.ValidateClientSecret(ctx, "client-1", "wrong"); !errors.Is(err, storage.ErrInvalidClientSecret) {
		t.Errorf("wrong secret error = %v, want ErrInvalidClientSecret", err)
	}
	if err := store.ValidateClientSecret(ctx, "no-such-client", "test-secret"); !errors.Is(err, storage.ErrInvalidClientSecret) {
		t.Errorf("unknown client error = %v, want ErrInvalidClientSecret", err)
	}
}

func TestAtomicCodeConsumption(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SaveAuthorizationCode(ctx, testAuthCode("code-1", "client-1")); err != nil {
		t.Fatalf("SaveAuthorizationCode failed: %v", err)
	}

	got, err := store.AtomicCheckAndMarkAuthCodeUsed(ctx, "code-1")
	if err != nil {
		t.Fatalf("first consume failed: %v", err)
	}
	if got.UserID != testUserID {
		t.Errorf("UserID = %q, want %q", got.UserID, testUserID)
	}

	got, err = store.AtomicCheckAndMarkAuthCodeUsed(ctx, "code-1")
	if !errors.Is(err, storage.ErrAuthorizationCodeUsed) {
		t.Fatalf("second consume error = %v, want ErrAuthorizationCodeUsed", err)
	}
	if got == nil {
		t.Fatal("reuse detection must return the record for token revocation")
	}

	got, err = store.AtomicCheckAndMarkAuthCodeUsed(ctx, "no-such-code")
	if !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("unknown code error = %v, want ErrAuthorizationCodeNotFound", err)
	}
	if got != nil {
		t.Error("unknown code must not leak a record")
	}
}

func TestConcurrentCodeConsumption(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SaveAuthorizationCode(ctx, testAuthCode("code-1", "client-1")); err != nil {
		t.Fatalf("SaveAuthorizationCode failed: %v", err)
	}

	const workers = 8
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			_, err := store.AtomicCheckAndMarkAuthCodeUsed(ctx, "code-1")
			results <- err
		}()
	}

	winners := 0
	for i := 0; i < workers; i++ {
		if err := <-results; err == nil {
			winners++
		} else if !errors.Is(err, storage.ErrAuthorizationCodeUsed) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestRefreshTokenRotation(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	token := testToken("tok-1", "client-1")
	if err := store.SaveToken(ctx, token); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	got, err := store.AtomicGetAndRevokeRefreshToken(ctx, token.RefreshToken)
	if err != nil {
		t.Fatalf("first rotation failed: %v", err)
	}
	if got.ID != "tok-1" {
		t.Errorf("rotation returned ID = %q, want tok-1", got.ID)
	}

	got, err = store.AtomicGetAndRevokeRefreshToken(ctx, token.RefreshToken)
	if !errors.Is(err, storage.ErrTokenRevoked) {
		t.Fatalf("reuse error = %v, want ErrTokenRevoked", err)
	}
	if got == nil || got.FamilyID != token.FamilyID {
		t.Fatal("reuse must return the record with its family")
	}

	if _, err := store.AtomicGetAndRevokeRefreshToken(ctx, "no-such-token"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("unknown token error = %v, want ErrTokenNotFound", err)
	}
}

func TestConcurrentRefreshRotation(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	token := testToken("tok-1", "client-1")
	if err := store.SaveToken(ctx, token); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	const workers = 8
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			_, err := store.AtomicGetAndRevokeRefreshToken(ctx, token.RefreshToken)
			results <- err
		}()
	}

	winners := 0
	for i := 0; i < workers; i++ {
		if err := <-results; err == nil {
			winners++
		} else if !errors.Is(err, storage.ErrTokenRevoked) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestTokenLookupAndRevocation(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	token := testToken("tok-1", "client-1")
	if err := store.SaveToken(ctx, token); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	got, err := store.GetTokenByAccess(ctx, token.AccessToken)
	if err != nil {
		t.Fatalf("GetTokenByAccess failed: %v", err)
	}
	if got.AccessToken != token.AccessToken {
		t.Errorf("AccessToken = %q, want %q", got.AccessToken, token.AccessToken)
	}

	if err := store.RevokeToken(ctx, "tok-1"); err != nil {
		t.Fatalf("RevokeToken failed: %v", err)
	}
	if err := store.RevokeToken(ctx, "tok-1"); err != nil {
		t.Fatalf("second RevokeToken should be idempotent: %v", err)
	}
	if err := store.RevokeToken(ctx, "no-such-id"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("unknown ID error = %v, want ErrTokenNotFound", err)
	}

	// Revoked records keep answering lookups until swept
	got, err = store.GetTokenByAccess(ctx, token.AccessToken)
	if err != nil {
		t.Fatalf("GetTokenByAccess after revoke failed: %v", err)
	}
	if !got.Revoked || got.RevokedAt.IsZero() {
		t.Error("record should be marked revoked with a timestamp")
	}
}

func TestFamilyAndCascadeRevocation(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for gen := 0; gen < 3; gen++ {
		token := testToken(fmt.Sprintf("tok-%d", gen), "client-1")
		token.FamilyID = "shared-family"
		token.Generation = gen
		if err := store.SaveToken(ctx, token); err != nil {
			t.Fatalf("SaveToken failed: %v", err)
		}
	}
	other := testToken("tok-other", "client-2")
	other.UserID = "someone-else"
	if err := store.SaveToken(ctx, other); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	revoked, err := store.RevokeTokenFamily(ctx, "shared-family")
	if err != nil {
		t.Fatalf("RevokeTokenFamily failed: %v", err)
	}
	if revoked != 3 {
		t.Errorf("family revoked = %d, want 3", revoked)
	}

	revoked, err = store.RevokeAllTokensForClient(ctx, "client-2")
	if err != nil {
		t.Fatalf("RevokeAllTokensForClient failed: %v", err)
	}
	if revoked != 1 {
		t.Errorf("client revoked = %d, want 1", revoked)
	}
}

func TestNonceReplay(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	expiresAt := time.Now().Add(10 * time.Minute)

	if err := store.SaveNonce(ctx, "client-1", "nonce-1", expiresAt); err != nil {
		t.Fatalf("SaveNonce failed: %v", err)
	}
	if err := store.SaveNonce(ctx, "client-1", "nonce-1", expiresAt); !errors.Is(err, storage.ErrNonceAlreadyUsed) {
		t.Errorf("replay error = %v, want ErrNonceAlreadyUsed", err)
	}
	if err := store.SaveNonce(ctx, "client-2", "nonce-1", expiresAt); err != nil {
		t.Errorf("different client should be allowed: %v", err)
	}

	has, err := store.HasNonce(ctx, "client-1", "nonce-1")
	if err != nil {
		t.Fatalf("HasNonce failed: %v", err)
	}
	if !has {
		t.Error("HasNonce should report the recorded pair")
	}
}

func TestCleanupSweep(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	// An expired token row, inserted directly to control its timestamps
	token := testToken("tok-old", "client-1")
	if _, err := store.pool.Exec(ctx, `
		INSERT INTO oauth_tokens (id, access_hash, access_value, client_id,
			issued_at, access_expires_at, refresh_expires_at, revoked)
		VALUES ($1, $2, $3, $4, now() - interval '2 days',
			now() - interval '1 day', now() - interval '1 hour', FALSE)`,
		token.ID, hashToken(token.AccessToken), token.AccessToken,
		token.ClientID); err != nil {
		t.Fatalf("failed to insert expired row: %v", err)
	}

	live := testToken("tok-live", "client-1")
	if err := store.SaveToken(ctx, live); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	cleaned, err := store.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if cleaned < 1 {
		t.Errorf("cleaned = %d, want at least 1", cleaned)
	}

	if _, err := store.GetTokenByAccess(ctx, token.AccessToken); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("expired token error = %v, want ErrTokenNotFound", err)
	}
	if _, err := store.GetTokenByAccess(ctx, live.AccessToken); err != nil {
		t.Errorf("live token should survive the sweep: %v", err)
	}
}
