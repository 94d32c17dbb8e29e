package oauth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/evlist/oauth/internal/testutil"
	"github.com/evlist/oauth/storage"
)

func testIssuer(t *testing.T) *IDTokenIssuer {
	t.Helper()
	issuer, err := NewIDTokenIssuer("https://auth.example.com", testSigningKey(t), 3600, nil)
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	return issuer
}

func TestNewIDTokenIssuer(t *testing.T) {
	if _, err := NewIDTokenIssuer("", testSigningKey(t), 3600, nil); err == nil {
		t.Error("expected error for empty issuer")
	}
	if _, err := NewIDTokenIssuer("https://auth.example.com", nil, 3600, nil); err == nil {
		t.Error("expected error for nil key")
	}

	issuer := testIssuer(t)
	if issuer.KeyID() == "" {
		t.Error("expected a derived key ID")
	}

	// The key ID is derived from the public key, so it is stable
	again := testIssuer(t)
	testutil.AssertEqual(t, again.KeyID(), issuer.KeyID())
}

func TestIDTokenClaims(t *testing.T) {
	issuer := testIssuer(t)
	user := &storage.User{ID: "user-1", Email: "user@example.com", Name: "User One"}

	signed, err := issuer.Issue(context.Background(), "client-1", user, "nonce-1")
	testutil.AssertNoError(t, err)

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(signed, claims, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != "RS256" {
			t.Errorf("alg = %s, want RS256", token.Method.Alg())
		}
		return &testSigningKey(t).PublicKey, nil
	})
	testutil.AssertNoError(t, err)
	if !parsed.Valid {
		t.Fatal("token failed verification")
	}

	testutil.AssertEqual(t, parsed.Header["kid"], issuer.KeyID())
	testutil.AssertEqual(t, claims["iss"], "https://auth.example.com")
	testutil.AssertEqual(t, claims["sub"], "user-1")
	testutil.AssertEqual(t, claims["aud"], "client-1")
	testutil.AssertEqual(t, claims["nonce"], "nonce-1")
	testutil.AssertEqual(t, claims["email"], "user@example.com")
	testutil.AssertEqual(t, claims["name"], "User One")

	exp := int64(claims["exp"].(float64))
	iat := int64(claims["iat"].(float64))
	if exp-iat != 3600 {
		t.Errorf("exp-iat = %d, want 3600", exp-iat)
	}
	if time.Until(time.Unix(exp, 0)) > time.Hour+time.Minute {
		t.Errorf("exp too far in the future: %d", exp)
	}
}

func TestIDTokenOmitsEmptyClaims(t *testing.T) {
	issuer := testIssuer(t)

	signed, err := issuer.Issue(context.Background(), "client-1", &storage.User{ID: "user-1"}, "")
	testutil.AssertNoError(t, err)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(signed, claims, func(*jwt.Token) (any, error) {
		return &testSigningKey(t).PublicKey, nil
	})
	testutil.AssertNoError(t, err)

	for _, claim := range []string{"nonce", "email", "name"} {
		if _, ok := claims[claim]; ok {
			t.Errorf("claim %q should be omitted when empty", claim)
		}
	}
}
