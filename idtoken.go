package oauth

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/jwa"
	"github.com/lestrrat-go/jwx/jwk"

	"github.com/evlist/oauth/storage"
)

// IDTokenIssuer signs OpenID Connect ID tokens with RS256. The key ID is
// derived from the public key so it stays stable across restarts and clients
// can match it against the published JWKS.
type IDTokenIssuer struct {
	issuer string
	keyID  string
	key    *rsa.PrivateKey
	ttl    int64 // seconds
	logger *slog.Logger
}

// NewIDTokenIssuer creates an ID token issuer for the given signing key.
// ttl is the ID token lifetime in seconds.
func NewIDTokenIssuer(issuer string, key *rsa.PrivateKey, ttl int64, logger *slog.Logger) (*IDTokenIssuer, error) {
	if issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if key == nil {
		return nil, fmt.Errorf("signing key is required")
	}
	if ttl <= 0 {
		ttl = 3600
	}
	if logger == nil {
		logger = slog.Default()
	}

	keyID, err := deriveKeyID(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key ID: %w", err)
	}

	return &IDTokenIssuer{
		issuer: issuer,
		keyID:  keyID,
		key:    key,
		ttl:    ttl,
		logger: logger,
	}, nil
}

// ParseIDTokenSigningKey parses a PEM-encoded RSA private key
func ParseIDTokenSigningKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse RSA private key: %w", err)
	}
	return key, nil
}

// Issue signs an ID token for user, audience clientID. The nonce claim is
// included only when the authorization request carried one.
func (i *IDTokenIssuer) Issue(ctx context.Context, clientID string, user *storage.User, nonce string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": i.issuer,
		"sub": user.ID,
		"aud": clientID,
		"exp": now.Add(time.Duration(i.ttl) * time.Second).Unix(),
		"iat": now.Unix(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	if user.Email != "" {
		claims["email"] = user.Email
	}
	if user.Name != "" {
		claims["name"] = user.Name
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = i.keyID

	signed, err := token.SignedString(i.key)
	if err != nil {
		i.logger.Error("Failed to sign ID token", "error", err)
		return "", fmt.Errorf("failed to sign ID token: %w", err)
	}
	return signed, nil
}

// KeyID returns the key ID published in token headers and the JWKS
func (i *IDTokenIssuer) KeyID() string {
	return i.keyID
}

// JWKS returns the public key set clients use to verify ID tokens
func (i *IDTokenIssuer) JWKS() (jwk.Set, error) {
	jwkKey, err := jwk.New(&i.key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to build JWK: %w", err)
	}
	_ = jwkKey.Set(jwk.KeyIDKey, i.keyID)
	_ = jwkKey.Set(jwk.AlgorithmKey, jwa.RS256)
	_ = jwkKey.Set(jwk.KeyUsageKey, "sig")

	set := jwk.NewSet()
	set.Add(jwkKey)
	return set, nil
}

// deriveKeyID hashes the DER-encoded public key into a short stable identifier
func deriveKeyID(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:8]), nil
}
