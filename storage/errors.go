package storage

import "errors"

// Sentinel errors returned by storage backends. Callers match them with
// errors.Is; backends may wrap them with additional context.
var (
	// ErrClientNotFound is returned when a client ID is not registered
	ErrClientNotFound = errors.New("client not found")

	// ErrInvalidClientSecret is returned when a presented secret does not match
	ErrInvalidClientSecret = errors.New("invalid client secret")

	// ErrUserNotFound is returned when a user ID cannot be resolved
	ErrUserNotFound = errors.New("user not found")

	// ErrTokenNotFound is returned when no token record matches the given value
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired is returned when a token record exists but has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenRevoked is returned when a token record exists but was revoked.
	// For refresh tokens this signals reuse of a rotated token.
	ErrTokenRevoked = errors.New("token revoked")

	// ErrAuthorizationCodeNotFound is returned when a code value is unknown
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")

	// ErrAuthorizationCodeUsed is returned when a code is presented a second time
	ErrAuthorizationCodeUsed = errors.New("authorization code already used")

	// ErrNonceAlreadyUsed is returned when a (client, nonce) pair is replayed
	ErrNonceAlreadyUsed = errors.New("nonce already used")
)
