package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/evlist/oauth/instrumentation"
	"github.com/evlist/oauth/security"
	"github.com/evlist/oauth/storage"
)

// UserAuthenticator resolves the authenticated end-user behind an
// authorization request. Session handling and login UIs live outside this
// module; the handler only needs the resulting user ID.
type UserAuthenticator interface {
	// AuthenticateRequest returns the user ID for the request, or an error
	// when no authenticated user is present.
	AuthenticateRequest(r *http.Request) (string, error)
}

// ConsentRenderer renders a consent prompt for the end-user. A collaborator
// supplies the UI; the default renderer answers with the prompt as JSON.
type ConsentRenderer interface {
	RenderConsent(w http.ResponseWriter, r *http.Request, prompt *ConsentPrompt)
}

// Handler is a thin HTTP adapter for the OAuth Server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server  *Server
	logger  *slog.Logger
	tracer  trace.Tracer // OpenTelemetry tracer for HTTP layer
	users   UserAuthenticator
	consent ConsentRenderer
}

// NewHandler creates a new HTTP handler
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: server,
		logger: logger,
	}

	// Initialize tracer if instrumentation is enabled
	if server.Instrumentation() != nil {
		h.tracer = server.Instrumentation().Tracer("http")
	}

	return h
}

// SetUserAuthenticator wires the end-user authentication collaborator.
// The authorization endpoint fails closed until one is set.
func (h *Handler) SetUserAuthenticator(users UserAuthenticator) {
	h.users = users
}

// SetConsentRenderer wires a custom consent UI
func (h *Handler) SetConsentRenderer(consent ConsentRenderer) {
	h.consent = consent
}

// RegisterRoutes registers all OAuth endpoints on mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/oauth/authorize", h.ServeAuthorize)
	mux.HandleFunc("/oauth/token", h.ServeToken)
	mux.HandleFunc("/oauth/introspect", h.ServeTokenIntrospection)
	mux.HandleFunc("/oauth/revoke", h.ServeTokenRevocation)
	mux.HandleFunc("/oauth/register", h.ServeClientRegistration)
	mux.HandleFunc("/.well-known/oauth-authorization-server", h.ServeAuthorizationServerMetadata)
	mux.HandleFunc("/.well-known/openid-configuration", h.ServeOpenIDConfiguration)
	mux.HandleFunc("/.well-known/jwks.json", h.ServeJWKS)
}

// ServeAuthorize handles the authorization endpoint (GET renders or redirects,
// POST carries the consent decision).
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.authorize")
		defer span.End()
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config().TrustProxy, h.server.Config().TrustedProxyCount)
	if !h.checkIPRateLimit(w, r, "authorize", clientIP) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	req := &AuthorizeRequest{
		ResponseType:        r.Form.Get("response_type"),
		ClientID:            r.Form.Get("client_id"),
		RedirectURI:         r.Form.Get("redirect_uri"),
		Scope:               r.Form.Get("scope"),
		State:               r.Form.Get("state"),
		CodeChallenge:       r.Form.Get("code_challenge"),
		CodeChallengeMethod: r.Form.Get("code_challenge_method"),
		Nonce:               r.Form.Get("nonce"),
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrPKCEMethod, req.CodeChallengeMethod),
	)

	if h.users == nil {
		h.logger.Error("Authorization endpoint called without a user authenticator")
		h.recordHTTPMetrics("authorize", r.Method, http.StatusInternalServerError, startTime)
		h.writeError(w, ErrorCodeServerError, "authorization is not available", http.StatusInternalServerError)
		return
	}
	userID, err := h.users.AuthenticateRequest(r)
	if err != nil {
		h.logger.Warn("Unauthenticated authorization request", "client_id", req.ClientID, "ip", clientIP)
		h.recordHTTPMetrics("authorize", r.Method, http.StatusUnauthorized, startTime)
		instrumentation.SetSpanError(span, "user not authenticated")
		h.writeError(w, ErrorCodeAccessDenied, "End-user authentication required", http.StatusUnauthorized)
		return
	}

	decision := ConsentDecision(r.Form.Get("consent"))
	if decision != ConsentPending && decision != ConsentGrant && decision != ConsentDeny {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "invalid consent value", http.StatusBadRequest)
		return
	}
	// Consent decisions only arrive via POST so links cannot grant access
	if r.Method == http.MethodGet {
		decision = ConsentPending
	}

	if h.server.Instrumentation() != nil {
		h.server.Instrumentation().Metrics().RecordAuthorizationStarted(ctx, req.ClientID)
	}

	result, err := h.server.Authorize(ctx, req, userID, decision)
	if err != nil {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "authorization failed")
		h.writeOAuthError(w, err)
		return
	}

	if result.Consent != nil {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusOK, startTime)
		instrumentation.SetSpanSuccess(span)
		h.renderConsent(w, r, result.Consent)
		return
	}

	h.recordHTTPMetrics("authorize", r.Method, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

func (h *Handler) renderConsent(w http.ResponseWriter, r *http.Request, prompt *ConsentPrompt) {
	if h.consent != nil {
		h.consent.RenderConsent(w, r, prompt)
		return
	}
	security.SetSecurityHeaders(w, h.server.Config().Issuer)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(prompt)
}

// ServeToken handles the token endpoint for all supported grant types
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("token", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config().TrustProxy, h.server.Config().TrustedProxyCount)
	if !h.checkIPRateLimit(w, r, "token", clientIP) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	grantType := r.PostForm.Get("grant_type")
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, grantType))

	client, err := h.authenticateClient(r, clientIP)
	if err != nil {
		status := http.StatusUnauthorized
		if oauthErr, ok := err.(*OAuthError); ok {
			status = oauthErr.Status
		}
		h.recordHTTPMetrics("token", http.MethodPost, status, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeOAuthError(w, err)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType),
	)

	req := &TokenRequest{
		GrantType:    grantType,
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Scope:        r.PostForm.Get("scope"),
		Client:       client,
	}

	tokenResponse, err := h.server.Exchange(ctx, req)
	if err != nil {
		h.logger.Warn("Token request failed",
			"grant_type", grantType,
			"client_id", client.ClientID,
			"ip", clientIP,
			"error", err)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "token request failed")
		status := http.StatusBadRequest
		if oauthErr, ok := err.(*OAuthError); ok {
			status = oauthErr.Status
		}
		h.recordHTTPMetrics("token", http.MethodPost, status, startTime)
		h.writeOAuthError(w, err)
		return
	}

	h.logger.Info("Token request successful", "grant_type", grantType, "client_id", client.ClientID, "ip", clientIP)

	// The code-exchange metric is recorded inside the grant, where the
	// consumed code's challenge method is known
	if grantType == GrantTypeRefreshToken {
		h.recordTokenRefreshed(client.ClientID, true)
	}

	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, tokenResponse)
}

// ServeTokenIntrospection handles the RFC 7662 token introspection endpoint.
// Security: requires client authentication to prevent token scanning attacks.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_introspection")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("introspect", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config().TrustProxy, h.server.Config().TrustedProxyCount)
	if !h.checkIPRateLimit(w, r, "introspect", clientIP) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("introspect", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	token := r.PostForm.Get("token")
	if token == "" {
		h.recordHTTPMetrics("introspect", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "token parameter is required", http.StatusBadRequest)
		return
	}

	client, err := h.authenticateClient(r, clientIP)
	if err != nil {
		h.recordHTTPMetrics("introspect", http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeError(w, ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))

	response, err := h.server.Introspect(ctx, token, r.PostForm.Get("token_type_hint"), client)
	if err != nil {
		h.recordHTTPMetrics("introspect", http.MethodPost, http.StatusInternalServerError, startTime)
		instrumentation.RecordError(span, err)
		h.writeOAuthError(w, err)
		return
	}

	h.recordHTTPMetrics("introspect", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.server.Config().Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_revocation")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("revoke", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config().TrustProxy, h.server.Config().TrustedProxyCount)
	if !h.checkIPRateLimit(w, r, "revoke", clientIP) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	token := r.PostForm.Get("token")
	if token == "" {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "token missing")
		h.writeError(w, ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
		return
	}

	client, err := h.authenticateClient(r, clientIP)
	if err != nil {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeError(w, ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))

	// Per RFC 7009, revocation of an unknown token still returns 200
	if err := h.server.Revoke(ctx, token, r.PostForm.Get("token_type_hint"), client); err != nil {
		h.logger.Error("Failed to revoke token", "client_id", client.ClientID, "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
		// Per RFC 7009, don't fail the request even if revocation failed
	}

	h.recordTokenRevoked(client.ClientID)
	h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.server.Config().Issuer)
	w.WriteHeader(http.StatusOK)
}

// authenticateClient resolves the caller's credentials from Basic auth or the
// form body and authenticates against the registered method. Basic auth wins
// when both are present.
func (h *Handler) authenticateClient(r *http.Request, clientIP string) (*storage.Client, error) {
	clientID := r.PostForm.Get("client_id")
	clientSecret := r.PostForm.Get("client_secret")
	method := AuthMethodNone
	if clientSecret != "" {
		method = AuthMethodSecretPost
	}

	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		clientID = basicID
		clientSecret = basicSecret
		method = AuthMethodSecretBasic
	}

	client, err := h.server.AuthenticateClient(r.Context(), clientID, clientSecret, method)
	if err != nil {
		h.logger.Warn("Client authentication failed", "client_id", clientID, "ip", clientIP, "method", method)
		return nil, err
	}
	return client, nil
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, token *TokenResponse) {
	security.SetSecurityHeaders(w, h.server.Config().Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	_ = json.NewEncoder(w).Encode(token)
}

// writeOAuthError maps an error to its OAuth HTTP response. Non-protocol
// errors become an opaque server_error so internals never leak.
func (h *Handler) writeOAuthError(w http.ResponseWriter, err error) {
	if oauthErr, ok := err.(*OAuthError); ok {
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}
	h.writeError(w, ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config().Issuer)

	// RFC 6749 section 5.2: failed client authentication answers 401 with a
	// WWW-Authenticate challenge matching the attempted scheme
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm="%s"`, h.server.Config().Issuer))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// checkIPRateLimit enforces the per-IP limiter when one is wired
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, endpoint, clientIP string) bool {
	rl := h.server.RateLimiter()
	if rl == nil || rl.Allow(clientIP) {
		return true
	}

	h.logger.Warn("Rate limit exceeded", "endpoint", endpoint, "ip", clientIP)
	if h.server.Auditor() != nil {
		h.server.Auditor().LogRateLimitExceeded(clientIP, "")
	}
	if h.server.Instrumentation() != nil {
		h.server.Instrumentation().Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	}
	h.writeError(w, ErrorCodeRateLimitExceeded, "Too many requests", http.StatusTooManyRequests)
	return false
}

func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.server.Instrumentation() == nil {
		return
	}
	durationMs := float64(time.Since(startTime).Milliseconds())
	h.server.Instrumentation().Metrics().RecordHTTPRequest(context.Background(), method, endpoint, status, durationMs)
}

func (h *Handler) recordTokenRefreshed(clientID string, rotated bool) {
	if h.server.Instrumentation() == nil {
		return
	}
	h.server.Instrumentation().Metrics().RecordTokenRefresh(context.Background(), clientID, rotated)
}

func (h *Handler) recordTokenRevoked(clientID string) {
	if h.server.Instrumentation() == nil {
		return
	}
	h.server.Instrumentation().Metrics().RecordTokenRevocation(context.Background(), clientID)
}
