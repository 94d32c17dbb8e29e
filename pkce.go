package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// validateCodeChallenge validates the code_challenge parameters presented at
// the authorization endpoint, before a code is issued.
func (s *Server) validateCodeChallenge(challenge, method string) error {
	if challenge == "" {
		if s.config.RequirePKCE {
			return fmt.Errorf("code_challenge is required")
		}
		return nil
	}

	// RFC 7636: challenge has the same shape as a verifier
	if len(challenge) < 43 || len(challenge) > 128 {
		return fmt.Errorf("code_challenge must be 43-128 characters (RFC 7636)")
	}

	switch method {
	case PKCEMethodS256:
		return nil
	case PKCEMethodPlain:
		if !s.config.AllowPKCEPlain {
			return fmt.Errorf("'plain' code_challenge_method is not allowed (configure AllowPKCEPlain=true if needed for legacy clients)")
		}
		return nil
	case "":
		// RFC 7636 defaults to plain when the method is omitted
		if !s.config.AllowPKCEPlain {
			return fmt.Errorf("code_challenge_method is required (S256)")
		}
		return nil
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}
}

// validatePKCE validates the PKCE code verifier against the challenge per RFC 7636
func (s *Server) validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		// No PKCE bound to this code
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}

	// RFC 7636: code_verifier must be 43-128 characters
	if len(verifier) < 43 {
		return fmt.Errorf("code_verifier must be at least 43 characters (RFC 7636)")
	}
	if len(verifier) > 128 {
		return fmt.Errorf("code_verifier must be at most 128 characters (RFC 7636)")
	}

	// RFC 7636: code_verifier can only contain [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~"
	for _, ch := range verifier {
		if (ch < 'A' || ch > 'Z') && (ch < 'a' || ch > 'z') && (ch < '0' || ch > '9') &&
			ch != '-' && ch != '.' && ch != '_' && ch != '~' {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	var computedChallenge string

	switch method {
	case PKCEMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		computedChallenge = base64.RawURLEncoding.EncodeToString(hash[:])

	case PKCEMethodPlain, "":
		// Deprecated but allowed if configured for backward compatibility
		if !s.config.AllowPKCEPlain {
			return fmt.Errorf("'plain' code_challenge_method is not allowed (configure AllowPKCEPlain=true if needed for legacy clients)")
		}
		computedChallenge = verifier
		s.logger.Warn("Using insecure 'plain' PKCE method",
			"recommendation", "Upgrade client to use S256")

	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(computedChallenge), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}

	return nil
}
