package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/evlist/oauth/storage"
)

// bcrypt hash of the literal "secret", cost 10. Fixtures share it so tests
// can authenticate without paying for hashing in every test.
const testSecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// GenerateTestClient returns a confidential client whose secret is "secret".
func GenerateTestClient() *storage.Client {
	return &storage.Client{
		ClientID:                "test-client-id",
		ClientSecretHash:        testSecretHash,
		ClientType:              "confidential",
		RedirectURIs:            []string{"https://example.com/callback"},
		TokenEndpointAuthMethod: "client_secret_basic",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              "Test Client",
		Scopes:                  []string{"openid", "email", "profile"},
		CreatedAt:               time.Now(),
	}
}

// GenerateTestPublicClient returns a public client using PKCE without a secret.
func GenerateTestPublicClient() *storage.Client {
	return &storage.Client{
		ClientID:                "test-public-client-id",
		ClientType:              "public",
		RedirectURIs:            []string{"https://example.com/callback"},
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              "Test Public Client",
		Scopes:                  []string{"openid", "email", "profile"},
		CreatedAt:               time.Now(),
	}
}

// GenerateTestAuthorizationCode returns an unconsumed code with a fresh S256
// challenge, valid for ten minutes.
func GenerateTestAuthorizationCode() *storage.AuthorizationCode {
	challenge, _ := GeneratePKCEPair()
	return &storage.AuthorizationCode{
		Code:                GenerateRandomString(32),
		ClientID:            "test-client-id",
		RedirectURI:         "https://example.com/callback",
		Scope:               "openid email profile",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		UserID:              "test-user-123",
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(10 * time.Minute),
		Used:                false,
	}
}

// GenerateTestToken returns a generation-zero token pair with its own family.
func GenerateTestToken() *storage.Token {
	return &storage.Token{
		ID:               GenerateRandomString(16),
		AccessToken:      GenerateRandomString(43),
		RefreshToken:     GenerateRandomString(43),
		ClientID:         "test-client-id",
		UserID:           "test-user-123",
		Scope:            "openid email profile",
		FamilyID:         GenerateRandomString(16),
		Generation:       0,
		IssuedAt:         time.Now(),
		AccessExpiresAt:  time.Now().Add(1 * time.Hour),
		RefreshExpiresAt: time.Now().Add(90 * 24 * time.Hour),
	}
}

// GenerateTestUser returns the end-user the other fixtures reference.
func GenerateTestUser() *storage.User {
	return &storage.User{
		ID:        "test-user-123",
		Email:     "test@example.com",
		Name:      "Test User",
		CreatedAt: time.Now(),
	}
}

// GenerateRandomString returns length characters of base64url-encoded
// randomness. Panics if the RNG fails.
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair returns a matching S256 challenge and verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// AssertNoError fails the test immediately when err is set.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertEqual reports a mismatch between got and want.
func AssertEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
