package oauth

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/evlist/oauth/internal/util"
	"github.com/evlist/oauth/security"
)

// ServeAuthorizationServerMetadata handles the RFC 8414 discovery endpoint
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("metadata", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	metadata := h.buildAuthServerMetadata()

	h.recordHTTPMetrics("metadata", http.MethodGet, http.StatusOK, startTime)
	security.SetSecurityHeaders(w, h.server.Config().Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_ = json.NewEncoder(w).Encode(metadata)
}

// ServeOpenIDConfiguration serves the same document at the OIDC discovery path
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	h.ServeAuthorizationServerMetadata(w, r)
}

func (h *Handler) buildAuthServerMetadata() *AuthorizationServerMetadata {
	issuer := util.NormalizeURL(h.server.Config().Issuer)

	metadata := &AuthorizationServerMetadata{
		Issuer:                issuer,
		AuthorizationEndpoint: issuer + "/oauth/authorize",
		TokenEndpoint:         issuer + "/oauth/token",
		RevocationEndpoint:    issuer + "/oauth/revoke",
		IntrospectionEndpoint: issuer + "/oauth/introspect",
		RegistrationEndpoint:  issuer + "/oauth/register",
		ScopesSupported:       h.server.Config().SupportedScopes,
		ResponseTypesSupported: []string{
			ResponseTypeCode,
		},
		GrantTypesSupported: []string{
			GrantTypeAuthorizationCode,
			GrantTypeClientCredentials,
			GrantTypeRefreshToken,
		},
		TokenEndpointAuthMethodsSupported: []string{
			AuthMethodSecretBasic,
			AuthMethodSecretPost,
			AuthMethodNone,
		},
		CodeChallengeMethodsSupported: []string{PKCEMethodS256},
	}
	if h.server.Config().AllowPKCEPlain {
		metadata.CodeChallengeMethodsSupported = append(metadata.CodeChallengeMethodsSupported, PKCEMethodPlain)
	}
	if h.server.idTokens != nil {
		metadata.JWKSURI = issuer + "/.well-known/jwks.json"
		metadata.IDTokenSigningAlgValuesSupported = []string{"RS256"}
	}

	return metadata
}

// ServeJWKS publishes the ID token verification keys
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("jwks", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.server.idTokens == nil {
		h.recordHTTPMetrics("jwks", http.MethodGet, http.StatusNotFound, startTime)
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	set, err := h.server.idTokens.JWKS()
	if err != nil {
		h.logger.Error("Failed to build JWKS", "error", err)
		h.recordHTTPMetrics("jwks", http.MethodGet, http.StatusInternalServerError, startTime)
		h.writeError(w, ErrorCodeServerError, "failed to build key set", http.StatusInternalServerError)
		return
	}

	h.recordHTTPMetrics("jwks", http.MethodGet, http.StatusOK, startTime)
	security.SetSecurityHeaders(w, h.server.Config().Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_ = json.NewEncoder(w).Encode(set)
}
