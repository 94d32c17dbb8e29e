package redis

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/evlist/oauth/security"
	"github.com/evlist/oauth/storage"
)

const testUserID = "test-user"

// testStore creates a store backed by an embedded miniredis instance.
// Each test gets its own server, so no key prefix juggling is needed.
func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})

	store := NewWithClient(client, "oauthtest:", nil)
	t.Cleanup(func() {
		_ = store.Close()
	})

	return store, mr
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
		Generation:       0,
		IssuedAt:         now,
		AccessExpiresAt:  now.Add(time.Hour),
		RefreshExpiresAt: now.Add(24 * time.Hour),
	}
}

// ============================================================
// Client tests
// ============================================================

func TestClientCRUD(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	client := testClient("client-1")
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient failed: %v", err)
	}

	got, err := store.GetClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if got.ClientID != client.ClientID {
		t.Errorf("ClientID = %q, want %q", got.ClientID, client.ClientID)
	}
	if got.ClientType != "confidential" {
		t.Errorf("ClientType = %q, want confidential", got.ClientType)
	}
	if got.TokenEndpointAuthMethod != "client_secret_basic" {
		t.Errorf("TokenEndpointAuthMethod = %q, want client_secret_basic", got.TokenEndpointAuthMethod)
	}
	if len(got.RedirectURIs) != 1 || got.RedirectURIs[0] != client.RedirectURIs[0] {
		t.Errorf("RedirectURIs = %v, want %v", got.RedirectURIs, client.RedirectURIs)
	}
	if !got.CreatedAt.Equal(client.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, client.CreatedAt)
	}

	if _, err := store.GetClient(ctx, "no-such-client"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient(unknown) error = %v, want ErrClientNotFound", err)
	}

	if err := store.DeleteClient(ctx, "client-1"); err != nil {
		t.Fatalf("DeleteClient failed: %v", err)
	}
	if err := store.DeleteClient(ctx, "client-1"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("second DeleteClient error = %v, want ErrClientNotFound", err)
	}
}

func TestListClients(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.SaveClient(ctx, testClient(fmt.Sprintf("client-%d", i))); err != nil {
			t.Fatalf("SaveClient failed: %v", err)
		}
	}

	clients, err := store.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients failed: %v", err)
	}
	if len(clients) != 3 {
		t.Errorf("ListClients returned %d clients, want 3", len(clients))
	}
}

func TestValidateClientSecret(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	if err := store.SaveClient(ctx, testClient("confidential-client")); err != nil {
		t.Fatalf("SaveClient failed: %v", err)
	}
	publicClient := testClient("public-client")
	publicClient.ClientType = "public"
	publicClient.ClientSecretHash = ""
	publicClient.TokenEndpointAuthMethod = "none"
	if err := store.SaveClient(ctx, publicClient); err != nil {
		t.Fatalf("SaveClient failed: %v", err)
	}

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  bool
	}{
		{"correct secret", "confidential-client", "test-secret", false},
		{"wrong secret", "confidential-client", "wrong-secret", true},
		{"empty secret", "confidential-client", "", true},
		{"public client", "public-client", "", false},
		{"unknown client", "no-such-client", "test-secret", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.ValidateClientSecret(ctx, tt.clientID, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateClientSecret() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, storage.ErrInvalidClientSecret) {
				t.Errorf("error = %v, want ErrInvalidClientSecret", err)
			}
		})
	}
}

// ============================================================
// Authorization code tests
// ============================================================

func TestAuthorizationCodeLifecycle(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	code := testAuthCode("code-1", "client-1")
	code.CodeChallenge = "challenge-value"
	code.CodeChallengeMethod = "S256"
	code.Nonce = "nonce-value"
	if err := store.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode failed: %v", err)
	}

	got, err := store.GetAuthorizationCode(ctx, "code-1")
	if err != nil {
		t.Fatalf("GetAuthorizationCode failed: %v", err)
	}
	if got.ClientID != "client-1" || got.UserID != testUserID {
		t.Errorf("got ClientID=%q UserID=%q", got.ClientID, got.UserID)
	}
	if got.CodeChallenge != "challenge-value" || got.CodeChallengeMethod != "S256" {
		t.Errorf("PKCE fields not preserved: %q %q", got.CodeChallenge, got.CodeChallengeMethod)
	}
	if got.Nonce != "nonce-value" {
		t.Errorf("Nonce = %q, want nonce-value", got.Nonce)
	}
	if got.Used {
		t.Error("freshly saved code should not be marked used")
	}

	if _, err := store.GetAuthorizationCode(ctx, "no-such-code"); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("GetAuthorizationCode(unknown) error = %v, want ErrAuthorizationCodeNotFound", err)
	}
}

func TestAtomicCheckAndMarkAuthCodeUsed(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	if err := store.SaveAuthorizationCode(ctx, testAuthCode("code-1", "client-1")); err != nil {
		t.Fatalf("SaveAuthorizationCode failed: %v", err)
	}

	// First consumption succeeds
	got, err := store.AtomicCheckAndMarkAuthCodeUsed(ctx, "code-1")
	if err != nil {
		t.Fatalf("first consume failed: %v", err)
	}
	if got == nil || got.ClientID != "client-1" {
		t.Fatalf("first consume returned %+v", got)
	}

	// Second consumption detects reuse and returns the record for revocation
	got, err = store.AtomicCheckAndMarkAuthCodeUsed(ctx, "code-1")
	if !errors.Is(err, storage.ErrAuthorizationCodeUsed) {
		t.Fatalf("second consume error = %v, want ErrAuthorizationCodeUsed", err)
	}
	if got == nil {
		t.Fatal("reuse detection must return the record for token revocation")
	}
	if got.UserID != testUserID || got.ClientID != "client-1" {
		t.Errorf("reused record UserID=%q ClientID=%q", got.UserID, got.ClientID)
	}

	// Unknown codes return nil with no record
	got, err = store.AtomicCheckAndMarkAuthCodeUsed(ctx, "no-such-code")
	if !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("unknown code error = %v, want ErrAuthorizationCodeNotFound", err)
	}
	if got != nil {
		t.Error("unknown code must not leak a record")
	}
}

func TestAuthorizationCodeExpiry(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()

	code := testAuthCode("code-1", "client-1")
	code.ExpiresAt = time.Now().Add(time.Minute)
	if err := store.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode failed: %v", err)
	}

	// Redis drops the key once its TTL elapses
	mr.FastForward(2 * time.Minute)

	if _, err := store.GetAuthorizationCode(ctx, "code-1"); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("expired code error = %v, want ErrAuthorizationCodeNotFound", err)
	}
	if _, err := store.AtomicCheckAndMarkAuthCodeUsed(ctx, "code-1"); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("consuming expired code error = %v, want ErrAuthorizationCodeNotFound", err)
	}
}

func TestSaveAuthorizationCodeRejectsExpired(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	code := testAuthCode("code-1", "client-1")
	code.ExpiresAt = time.Now().Add(-time.Minute)
	if err := store.SaveAuthorizationCode(ctx, code); err == nil {
		t.Error("saving an already-expired code should fail")
	}
}

func TestDeleteAuthorizationCodesForClient(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.SaveAuthorizationCode(ctx, testAuthCode(fmt.Sprintf("code-%d", i), "client-1")); err != nil {
			t.Fatalf("SaveAuthorizationCode failed: %v", err)
		}
	}
	if err := store.SaveAuthorizationCode(ctx, testAuthCode("other-code", "client-2")); err != nil {
		t.Fatalf("SaveAuthorizationCode failed: %v", err)
	}

	deleted, err := store.DeleteAuthorizationCodesForClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("DeleteAuthorizationCodesForClient failed: %v", err)
	}
	if deleted != 3 {
		t.Errorf("deleted = %d, want 3", deleted)
	}

	// Other client's codes stay intact
	if _, err := store.GetAuthorizationCode(ctx, "other-code"); err != nil {
		t.Errorf("other client's code should survive: %v", err)
	}
}

// ============================================================
// Token tests
// ============================================================

func TestTokenSaveAndLookup(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	token := testToken("tok-1", "client-1")
	if err := store.SaveToken(ctx, token); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	byAccess, err := store.GetTokenByAccess(ctx, token.AccessToken)
	if err != nil {
		t.Fatalf("GetTokenByAccess failed: %v", err)
	}
	if byAccess.ID != "tok-1" || byAccess.FamilyID != token.FamilyID {
		t.Errorf("got ID=%q FamilyID=%q", byAccess.ID, byAccess.FamilyID)
	}

	byRefresh, err := store.GetTokenByRefresh(ctx, token.RefreshToken)
	if err != nil {
		t.Fatalf("GetTokenByRefresh failed: %v", err)
	}
	if byRefresh.ID != "tok-1" {
		t.Errorf("GetTokenByRefresh ID = %q, want tok-1", byRefresh.ID)
	}

	if _, err := store.GetTokenByAccess(ctx, "no-such-token"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("unknown access token error = %v, want ErrTokenNotFound", err)
	}
	if _, err := store.GetTokenByRefresh(ctx, "no-such-token"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("unknown refresh token error = %v, want ErrTokenNotFound", err)
	}
}

func TestAtomicGetAndRevokeRefreshToken(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	token := testToken("tok-1", "client-1")
	if err := store.SaveToken(ctx, token); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	// First rotation wins
	got, err := store.AtomicGetAndRevokeRefreshToken(ctx, token.RefreshToken)
	if err != nil {
		t.Fatalf("first rotation failed: %v", err)
	}
	if got.ID != "tok-1" {
		t.Errorf("rotation returned ID = %q, want tok-1", got.ID)
	}

	// Presenting the same refresh token again is reuse; the record comes back
	// alongside ErrTokenRevoked for family revocation
	got, err = store.AtomicGetAndRevokeRefreshToken(ctx, token.RefreshToken)
	if !errors.Is(err, storage.ErrTokenRevoked) {
		t.Fatalf("reuse error = %v, want ErrTokenRevoked", err)
	}
	if got == nil || got.FamilyID != token.FamilyID {
		t.Fatalf("reuse must return the record with its family, got %+v", got)
	}

	// Unknown refresh tokens stay indistinguishable from expired ones
	if _, err := store.AtomicGetAndRevokeRefreshToken(ctx, "no-such-token"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("unknown token error = %v, want ErrTokenNotFound", err)
	}
}

func TestRevokeTokenIdempotent(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	token := testToken("tok-1", "client-1")
	if err := store.SaveToken(ctx, token); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	if err := store.RevokeToken(ctx, "tok-1"); err != nil {
		t.Fatalf("RevokeToken failed: %v", err)
	}
	if err := store.RevokeToken(ctx, "tok-1"); err != nil {
		t.Fatalf("second RevokeToken should be idempotent: %v", err)
	}

	// Revoked records keep answering lookups until expiry
	got, err := store.GetTokenByAccess(ctx, token.AccessToken)
	if err != nil {
		t.Fatalf("GetTokenByAccess after revoke failed: %v", err)
	}
	if !got.Revoked {
		t.Error("record should be marked revoked")
	}
	if got.RevokedAt.IsZero() {
		t.Error("RevokedAt should be set")
	}
}

func TestRevokeTokenFamily(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	// Three generations of one family plus an unrelated token
	for gen := 0; gen < 3; gen++ {
		token := testToken(fmt.Sprintf("tok-%d", gen), "client-1")
		token.FamilyID = "shared-family"
		token.Generation = gen
		if err := store.SaveToken(ctx, token); err != nil {
			t.Fatalf("SaveToken failed: %v", err)
		}
	}
	other := testToken("tok-other", "client-1")
	if err := store.SaveToken(ctx, other); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	revoked, err := store.RevokeTokenFamily(ctx, "shared-family")
	if err != nil {
		t.Fatalf("RevokeTokenFamily failed: %v", err)
	}
	if revoked != 3 {
		t.Errorf("revoked = %d, want 3", revoked)
	}

	got, err := store.GetTokenByAccess(ctx, other.AccessToken)
	if err != nil {
		t.Fatalf("GetTokenByAccess failed: %v", err)
	}
	if got.Revoked {
		t.Error("unrelated token must not be revoked")
	}

	// Revoking again finds nothing left to revoke
	revoked, err = store.RevokeTokenFamily(ctx, "shared-family")
	if err != nil {
		t.Fatalf("second RevokeTokenFamily failed: %v", err)
	}
	if revoked != 0 {
		t.Errorf("second pass revoked = %d, want 0", revoked)
	}
}

func TestRevokeAllTokensForClient(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := store.SaveToken(ctx, testToken(fmt.Sprintf("tok-%d", i), "client-1")); err != nil {
			t.Fatalf("SaveToken failed: %v", err)
		}
	}
	other := testToken("tok-other", "client-2")
	if err := store.SaveToken(ctx, other); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	revoked, err := store.RevokeAllTokensForClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("RevokeAllTokensForClient failed: %v", err)
	}
	if revoked != 2 {
		t.Errorf("revoked = %d, want 2", revoked)
	}

	got, err := store.GetTokenByAccess(ctx, other.AccessToken)
	if err != nil {
		t.Fatalf("GetTokenByAccess failed: %v", err)
	}
	if got.Revoked {
		t.Error("other client's token must not be revoked")
	}
}

func TestRevokeAllTokensForUserClient(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	mine := testToken("tok-1", "client-1")
	if err := store.SaveToken(ctx, mine); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}
	otherUser := testToken("tok-2", "client-1")
	otherUser.UserID = "someone-else"
	if err := store.SaveToken(ctx, otherUser); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	revoked, err := store.RevokeAllTokensForUserClient(ctx, testUserID, "client-1")
	if err != nil {
		t.Fatalf("RevokeAllTokensForUserClient failed: %v", err)
	}
	if revoked != 1 {
		t.Errorf("revoked = %d, want 1", revoked)
	}

	got, err := store.GetTokenByAccess(ctx, otherUser.AccessToken)
	if err != nil {
		t.Fatalf("GetTokenByAccess failed: %v", err)
	}
	if got.Revoked {
		t.Error("other user's token must not be revoked")
	}
}

func TestTokenExpiryViaTTL(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()

	token := testToken("tok-1", "client-1")
	token.AccessExpiresAt = time.Now().Add(time.Minute)
	token.RefreshExpiresAt = time.Now().Add(2 * time.Minute)
	if err := store.SaveToken(ctx, token); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	mr.FastForward(3 * time.Minute)

	if _, err := store.GetTokenByAccess(ctx, token.AccessToken); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("expired token error = %v, want ErrTokenNotFound", err)
	}
}

func TestTokenEncryptionAtRest(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}
	store.SetEncryptor(enc)

	token := testToken("tok-1", "client-1")
	if err := store.SaveToken(ctx, token); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	// The stored record must not contain the raw token values
	raw := mr.DB(0)
	stored, getErr := raw.Get("oauthtest:token:tok-1")
	if getErr != nil {
		t.Fatalf("reading raw record failed: %v", getErr)
	}
	if strings.Contains(stored, token.AccessToken) {
		t.Error("raw access token leaked into the stored record")
	}
	if strings.Contains(stored, token.RefreshToken) {
		t.Error("raw refresh token leaked into the stored record")
	}

	// Lookups by raw value still work and return decrypted records
	got, err := store.GetTokenByAccess(ctx, token.AccessToken)
	if err != nil {
		t.Fatalf("GetTokenByAccess failed: %v", err)
	}
	if got.AccessToken != token.AccessToken || got.RefreshToken != token.RefreshToken {
		t.Error("decrypted record does not match original token values")
	}

	// Rotation also decrypts the record it returns
	rotated, err := store.AtomicGetAndRevokeRefreshToken(ctx, token.RefreshToken)
	if err != nil {
		t.Fatalf("AtomicGetAndRevokeRefreshToken failed: %v", err)
	}
	if rotated.RefreshToken != token.RefreshToken {
		t.Error("rotated record not decrypted")
	}
}

// ============================================================
// Nonce tests
// ============================================================

func TestNonceReplayRejection(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	expiresAt := time.Now().Add(10 * time.Minute)

	if err := store.SaveNonce(ctx, "client-1", "nonce-1", expiresAt); err != nil {
		t.Fatalf("SaveNonce failed: %v", err)
	}

	// Replay of the same (client, nonce) pair is rejected
	if err := store.SaveNonce(ctx, "client-1", "nonce-1", expiresAt); !errors.Is(err, storage.ErrNonceAlreadyUsed) {
		t.Errorf("replay error = %v, want ErrNonceAlreadyUsed", err)
	}

	// Same nonce under a different client is a different pair
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

	has, err = store.HasNonce(ctx, "client-1", "no-such-nonce")
	if err != nil {
		t.Fatalf("HasNonce failed: %v", err)
	}
	if has {
		t.Error("HasNonce should not report an unknown pair")
	}
}

func TestNonceExpiry(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()

	if err := store.SaveNonce(ctx, "client-1", "nonce-1", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("SaveNonce failed: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	has, err := store.HasNonce(ctx, "client-1", "nonce-1")
	if err != nil {
		t.Fatalf("HasNonce failed: %v", err)
	}
	if has {
		t.Error("expired nonce should not be reported")
	}

	// The pair can be recorded again after expiry
	if err := store.SaveNonce(ctx, "client-1", "nonce-1", time.Now().Add(time.Minute)); err != nil {
		t.Errorf("re-recording after expiry should succeed: %v", err)
	}
}

// ============================================================
// Input validation tests
// ============================================================

func TestInputValidation(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	longString := make([]byte, MaxTokenLength+1)
	for i := range longString {
		longString[i] = 'a'
	}

	t.Run("oversized authorization code", func(t *testing.T) {
		code := testAuthCode(string(longString), "client-1")
		if err := store.SaveAuthorizationCode(ctx, code); err == nil {
			t.Error("oversized code should be rejected")
		}
	})

	t.Run("oversized access token", func(t *testing.T) {
		token := testToken("tok-1", "client-1")
		token.AccessToken = string(longString)
		if err := store.SaveToken(ctx, token); err == nil {
			t.Error("oversized access token should be rejected")
		}
	})

	t.Run("nil client", func(t *testing.T) {
		if err := store.SaveClient(ctx, nil); err == nil {
			t.Error("nil client should be rejected")
		}
	})

	t.Run("empty token ID", func(t *testing.T) {
		token := testToken("", "client-1")
		token.ID = ""
		if err := store.SaveToken(ctx, token); err == nil {
			t.Error("empty token ID should be rejected")
		}
	})
}
