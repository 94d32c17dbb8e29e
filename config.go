package oauth

import "log/slog"

// ServerConfig holds authorization server configuration
type ServerConfig struct {
	// Issuer is the server's issuer identifier (base URL). Used in ID token
	// "iss" claims, introspection responses, and server metadata.
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// IDTokenTTL is how long ID tokens are valid
	IDTokenTTL int64 // seconds, default: 3600 (1 hour)

	// NonceTTL is how long OIDC nonce records are kept for replay rejection.
	// Must cover the authorization code lifetime plus exchange latency.
	NonceTTL int64 // seconds, default: 3600 (1 hour)

	// RequirePKCE enforces PKCE on every authorization_code flow.
	// When true, code_challenge is mandatory at the authorization endpoint
	// (secure by default).
	// Default: true
	RequirePKCE bool // default: true

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// When false, only S256 is accepted (secure by default).
	// Default: false
	AllowPKCEPlain bool // default: false

	// RevokeFamilyOnReuse revokes the whole refresh token family when reuse of
	// a rotated refresh token is detected (token theft hardening).
	// Default: true
	RevokeFamilyOnReuse bool // default: true

	// SupportedScopes lists the scopes that are allowed for clients.
	// If empty, all scopes are allowed.
	SupportedScopes []string

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// WARNING: Only enable behind a trusted reverse proxy.
	// Default: false
	TrustProxy bool // default: false

	// TrustedProxyCount is the number of trusted proxies in front of this server.
	// Used with TrustProxy to correctly extract the client IP from X-Forwarded-For.
	// Default: 1
	TrustedProxyCount int // default: 1

	// ClockSkewGracePeriod is the grace period for expiry checks (in seconds).
	// This prevents false expiration errors due to time synchronization issues.
	// Default: 5 seconds
	ClockSkewGracePeriod int64 // seconds, default: 5
}

// applySecureDefaults applies secure-by-default configuration values.
// This follows the principle: secure by default, opt-in for less secure options.
func applySecureDefaults(config *ServerConfig, logger *slog.Logger) *ServerConfig {
	// Time-based defaults
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 7776000 // 90 days
	}
	if config.IDTokenTTL == 0 {
		config.IDTokenTTL = 3600 // 1 hour
	}
	if config.NonceTTL == 0 {
		config.NonceTTL = 3600 // 1 hour
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5 // 5 seconds
	}

	// Security defaults: a zero-valued config gets the secure settings; once any
	// security field is explicitly configured the user's choice is respected.
	isDefaultConfig := !config.RequirePKCE &&
		!config.AllowPKCEPlain &&
		!config.RevokeFamilyOnReuse

	if isDefaultConfig {
		config.RequirePKCE = true
		config.AllowPKCEPlain = false
		config.RevokeFamilyOnReuse = true
		config.TrustProxy = false
	} else {
		if !config.RequirePKCE {
			logger.Warn("SECURITY WARNING: PKCE is DISABLED",
				"risk", "Authorization code interception attacks",
				"recommendation", "Set RequirePKCE=true")
		}
		if config.AllowPKCEPlain {
			logger.Warn("SECURITY WARNING: Plain PKCE method is ALLOWED",
				"risk", "Weak code challenge protection",
				"recommendation", "Set AllowPKCEPlain=false to require S256")
		}
		if !config.RevokeFamilyOnReuse {
			logger.Warn("SECURITY NOTICE: Refresh token family revocation on reuse is DISABLED",
				"risk", "Stolen refresh tokens stay usable after rotation races",
				"recommendation", "Set RevokeFamilyOnReuse=true")
		}
		if config.TrustProxy {
			logger.Warn("SECURITY NOTICE: Trusting proxy headers",
				"risk", "IP spoofing if proxy is not properly configured",
				"config", "TrustedProxyCount should match your proxy chain length")
		}
	}

	return config
}
