package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a new access token is issued to a client
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when an access token is refreshed using a refresh token
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked by the user or client
	EventTokenRevoked = "token_revoked"

	// EventAllTokensRevoked is logged when all tokens for a user are revoked
	EventAllTokensRevoked = "all_tokens_revoked" //nolint:gosec // G101: False positive - this is an event type name, not a credential

	// Authorization flow events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when an authorization code is reused (attack)
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventConsentDenied is logged when a user denies an authorization request
	EventConsentDenied = "consent_denied"

	// EventNonceReplayed is logged when an authorization request presents a nonce
	// that was already bound to an earlier request
	EventNonceReplayed = "nonce_replayed"

	// EventUnknownNonceAtIssuance is logged when ID token issuance references a
	// nonce the server never recorded
	EventUnknownNonceAtIssuance = "unknown_nonce_at_issuance"

	// Client registration events

	// EventClientRegistered is logged when a new OAuth client is registered
	EventClientRegistered = "client_registered"

	// EventClientRegistrationRejected is logged when client registration is rejected for security reasons
	EventClientRegistrationRejected = "client_registration_rejected"

	// EventClientRegistrationRateLimitExceeded is logged when client registration rate limit is exceeded
	EventClientRegistrationRateLimitExceeded = "client_registration_rate_limit_exceeded"

	// Security violation events

	// EventAuthFailure is logged when authentication fails (wrong credentials, etc.)
	EventAuthFailure = "auth_failure"

	// EventAuthMethodMismatch is logged when a client authenticates with a method
	// other than its registered token_endpoint_auth_method
	EventAuthMethodMismatch = "auth_method_mismatch"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when PKCE code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventTokenReuseDetected is logged when refresh token reuse is detected (theft)
	EventTokenReuseDetected = "token_reuse_detected" //nolint:gosec // G101: False positive - this is an event type name, not a credential

	// EventRefreshTokenReuseDetected is logged when a refresh token is reused in the same family
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected"

	// EventRefreshTokenClientMismatch is logged when a refresh token is presented
	// by a client other than the one it was issued to
	EventRefreshTokenClientMismatch = "refresh_token_client_mismatch"

	// EventForeignTokenIntrospection is logged when a client introspects a token
	// issued to a different client
	EventForeignTokenIntrospection = "foreign_token_introspection"

	// EventForeignTokenRevocation is logged when a client attempts to revoke a
	// token issued to a different client
	EventForeignTokenRevocation = "foreign_token_revocation"

	// EventInvalidRedirect is logged when an invalid redirect URI is used
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when a client tries to escalate scopes
	EventScopeEscalationAttempt = "scope_escalation_attempt"
)
