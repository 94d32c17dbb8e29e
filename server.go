package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/evlist/oauth/instrumentation"
	"github.com/evlist/oauth/internal/util"
	"github.com/evlist/oauth/security"
	"github.com/evlist/oauth/storage"
)

// Server implements the OAuth 2.1 authorization server logic. It owns the
// authorization, token, introspection, and revocation flows on top of the
// storage backends; HTTP handling lives in Handler.
type Server struct {
	clients             storage.ClientStore
	codes               storage.CodeStore
	tokens              storage.TokenStore
	nonces              storage.NonceStore
	users               storage.UserStore
	idTokens            *IDTokenIssuer
	encryptor           *security.Encryptor
	auditor             *security.Auditor
	rateLimiter         *security.RateLimiter
	registrationLimiter *security.ClientRegistrationRateLimiter
	instrumentation     *instrumentation.Instrumentation
	logger              *slog.Logger
	config              *ServerConfig
}

// NewServer creates a new authorization server.
// users may be nil for deployments serving only client_credentials; idTokens
// may be nil when OpenID Connect is not offered.
func NewServer(
	store storage.Store,
	users storage.UserStore,
	idTokens *IDTokenIssuer,
	config *ServerConfig,
	logger *slog.Logger,
) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = &ServerConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Apply secure defaults
	config = applySecureDefaults(config, logger)

	return &Server{
		clients:  store,
		codes:    store,
		tokens:   store,
		nonces:   store,
		users:    users,
		idTokens: idTokens,
		config:   config,
		logger:   logger,
	}, nil
}

// SetEncryptor sets the token encryptor for server and storage
func (s *Server) SetEncryptor(enc *security.Encryptor) {
	s.encryptor = enc

	// Also set encryptor on storage if the backend supports it
	type encryptorSetter interface {
		SetEncryptor(*security.Encryptor)
	}
	if setter, ok := s.tokens.(encryptorSetter); ok {
		setter.SetEncryptor(enc)
	}
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.auditor = aud
}

// SetRateLimiter sets the rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.rateLimiter = rl
}

// SetClientRegistrationRateLimiter sets the time-windowed limiter for
// dynamic client registration
func (s *Server) SetClientRegistrationRateLimiter(rl *security.ClientRegistrationRateLimiter) {
	s.registrationLimiter = rl
}

// SetInstrumentation wires metrics and tracing into server and storage
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst

	type instrumentationSetter interface {
		SetInstrumentation(*instrumentation.Instrumentation)
	}
	if setter, ok := s.tokens.(instrumentationSetter); ok {
		setter.SetInstrumentation(inst)
	}
}

// Instrumentation returns the wired instrumentation, or nil
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

// Auditor returns the wired security auditor, or nil
func (s *Server) Auditor() *security.Auditor {
	return s.auditor
}

// RateLimiter returns the wired rate limiter, or nil
func (s *Server) RateLimiter() *security.RateLimiter {
	return s.rateLimiter
}

// ClientRegistrationRateLimiter returns the wired registration limiter, or nil
func (s *Server) ClientRegistrationRateLimiter() *security.ClientRegistrationRateLimiter {
	return s.registrationLimiter
}

// Config returns the server configuration after secure defaults were applied
func (s *Server) Config() *ServerConfig {
	return s.config
}

// generateRandomToken generates a cryptographically secure random token
func generateRandomToken() string {
	// Same method as oauth2.GenerateVerifier for consistency
	return oauth2.GenerateVerifier()
}

// Authorize processes an authorization request for userID, the already
// authenticated end-user. decision carries the user's consent answer:
// ConsentPending returns a prompt to render, ConsentGrant issues a code,
// ConsentDeny redirects back with access_denied.
//
// Validation failures before the redirect URI is proven trustworthy are
// returned as errors; anything after that travels back to the client inside
// the redirect URL, per RFC 6749 section 4.1.2.1.
func (s *Server) Authorize(ctx context.Context, req *AuthorizeRequest, userID string, decision ConsentDecision) (*AuthorizeResult, error) {
	if req.ResponseType != ResponseTypeCode {
		return nil, ErrUnsupportedResponseType(fmt.Sprintf("unsupported response_type: %s", req.ResponseType))
	}

	client, err := s.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		if s.auditor != nil {
			s.auditor.LogAuthFailure(userID, req.ClientID, "", "unknown_client")
		}
		return nil, ErrInvalidRequest("unknown client")
	}

	// The redirect URI must be validated before anything is sent through it
	if err := s.validateRedirectURI(client, req.RedirectURI); err != nil {
		if s.auditor != nil {
			s.auditor.LogAuthFailure(userID, req.ClientID, "", "invalid_redirect_uri")
		}
		return nil, ErrInvalidRedirectURI("redirect_uri is not registered for this client")
	}

	// From here on errors are delivered via redirect
	if !clientAllowsGrantType(client, GrantTypeAuthorizationCode) {
		return errorRedirect(req, ErrorCodeUnauthorizedClient, "client is not authorized for the authorization_code grant")
	}
	if !clientAllowsResponseType(client, req.ResponseType) {
		return errorRedirect(req, ErrorCodeUnauthorizedClient, "client is not authorized for this response_type")
	}

	if err := s.validateScopes(req.Scope); err != nil {
		if s.auditor != nil {
			s.auditor.LogAuthFailure(userID, req.ClientID, "", fmt.Sprintf("invalid_scope: %v", err))
		}
		return errorRedirect(req, ErrorCodeInvalidScope, err.Error())
	}

	if err := s.validateCodeChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		if s.auditor != nil {
			s.auditor.LogAuthFailure(userID, req.ClientID, "", "invalid_pkce_parameters")
		}
		return errorRedirect(req, ErrorCodeInvalidRequest, err.Error())
	}

	switch decision {
	case ConsentPending:
		return &AuthorizeResult{
			Consent: &ConsentPrompt{
				ClientID:    client.ClientID,
				ClientName:  client.ClientName,
				Scopes:      strings.Fields(req.Scope),
				RedirectURI: req.RedirectURI,
				State:       req.State,
			},
		}, nil

	case ConsentDeny:
		if s.auditor != nil {
			s.auditor.LogEvent(security.Event{
				Type:     security.EventConsentDenied,
				UserID:   userID,
				ClientID: req.ClientID,
			})
		}
		return errorRedirect(req, ErrorCodeAccessDenied, "the user denied the request")

	case ConsentGrant:
		return s.issueAuthorizationCode(ctx, req, userID)

	default:
		return errorRedirect(req, ErrorCodeInvalidRequest, "invalid consent decision")
	}
}

// issueAuthorizationCode mints and persists a code, then builds the success redirect.
// The OIDC nonce is consumed here, not earlier: a request can legitimately pass
// through Authorize twice (pending consent, then the grant decision) and must
// only burn its nonce when a code is actually issued.
func (s *Server) issueAuthorizationCode(ctx context.Context, req *AuthorizeRequest, userID string) (*AuthorizeResult, error) {
	if req.Nonce != "" {
		expiresAt := time.Now().Add(time.Duration(s.config.NonceTTL) * time.Second)
		if err := s.nonces.SaveNonce(ctx, req.ClientID, req.Nonce, expiresAt); err != nil {
			if errors.Is(err, storage.ErrNonceAlreadyUsed) {
				if s.auditor != nil {
					s.auditor.LogEvent(security.Event{
						Type:     security.EventNonceReplayed,
						UserID:   userID,
						ClientID: req.ClientID,
					})
				}
				return errorRedirect(req, ErrorCodeInvalidRequest, "nonce has already been used")
			}
			s.logger.Error("Failed to record nonce", "error", err)
			return errorRedirect(req, ErrorCodeServerError, "failed to process request")
		}
	}

	now := time.Now()
	authCode := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		UserID:              userID,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.config.AuthorizationCodeTTL) * time.Second),
	}
	if err := s.codes.SaveAuthorizationCode(ctx, authCode); err != nil {
		s.logger.Error("Failed to save authorization code", "error", err)
		return errorRedirect(req, ErrorCodeServerError, "failed to process request")
	}

	if s.auditor != nil {
		s.auditor.LogEvent(security.Event{
			Type:     security.EventAuthorizationCodeIssued,
			UserID:   userID,
			ClientID: req.ClientID,
			Details: map[string]any{
				"scope":                 req.Scope,
				"code_challenge_method": req.CodeChallengeMethod,
			},
		})
	}

	redirectURL, err := buildRedirectURL(req.RedirectURI, url.Values{
		"code":  {authCode.Code},
		"state": {req.State},
	})
	if err != nil {
		return nil, ErrServerError("failed to build redirect URL")
	}
	return &AuthorizeResult{RedirectURL: redirectURL}, nil
}

// errorRedirect builds an RFC 6749 error redirect for an already validated redirect URI
func errorRedirect(req *AuthorizeRequest, errorCode, description string) (*AuthorizeResult, error) {
	params := url.Values{
		"error":             {errorCode},
		"error_description": {description},
	}
	if req.State != "" {
		params.Set("state", req.State)
	}
	redirectURL, err := buildRedirectURL(req.RedirectURI, params)
	if err != nil {
		return nil, ErrServerError("failed to build redirect URL")
	}
	return &AuthorizeResult{RedirectURL: redirectURL}, nil
}

// buildRedirectURL appends params to the redirect URI's query component
func buildRedirectURL(redirectURI string, params url.Values) (string, error) {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URI: %w", err)
	}
	query := parsed.Query()
	for key, values := range params {
		for _, value := range values {
			if value != "" {
				query.Set(key, value)
			}
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// Exchange dispatches a token request to the grant implementation named by its
// grant_type. The grant set is closed: every supported grant is listed here,
// and an unknown grant_type fails with unsupported_grant_type.
func (s *Server) Exchange(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	var grant Grant
	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		grant = &authorizationCodeGrant{server: s}
	case GrantTypeClientCredentials:
		grant = &clientCredentialsGrant{server: s}
	case GrantTypeRefreshToken:
		grant = &refreshTokenGrant{server: s}
	default:
		return nil, ErrUnsupportedGrantType(fmt.Sprintf("unsupported grant_type: %s", req.GrantType))
	}

	if !clientAllowsGrantType(req.Client, grant.Name()) {
		if s.auditor != nil {
			s.auditor.LogAuthFailure("", req.Client.ClientID, "", fmt.Sprintf("grant_type_not_allowed: %s", req.GrantType))
		}
		return nil, ErrUnauthorizedClient("client is not authorized for this grant type")
	}

	return grant.Exchange(ctx, req)
}

// Introspect answers an RFC 7662 introspection request from caller. Unknown,
// expired, revoked, and foreign tokens all produce the same inactive answer so
// nothing about other clients' tokens leaks.
func (s *Server) Introspect(ctx context.Context, tokenValue, tokenTypeHint string, caller *storage.Client) (*IntrospectionResponse, error) {
	inactive := &IntrospectionResponse{Active: false}

	token, tokenType, err := s.lookupToken(ctx, tokenValue, tokenTypeHint)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return inactive, nil
		}
		s.logger.Error("Introspection lookup failed", "error", err)
		return nil, ErrServerError("introspection failed")
	}

	// A client may only introspect its own tokens
	if token.ClientID != caller.ClientID {
		if s.auditor != nil {
			s.auditor.LogEvent(security.Event{
				Type:     security.EventForeignTokenIntrospection,
				ClientID: caller.ClientID,
				Details: map[string]any{
					"token_client_id": token.ClientID,
				},
			})
		}
		return inactive, nil
	}

	if token.Revoked {
		return inactive, nil
	}

	expiresAt := token.AccessExpiresAt
	if tokenType == "refresh_token" {
		expiresAt = token.RefreshExpiresAt
	}
	grace := time.Duration(s.config.ClockSkewGracePeriod) * time.Second
	if security.IsTokenExpiredWithGracePeriod(expiresAt, grace) {
		return inactive, nil
	}

	return &IntrospectionResponse{
		Active:    true,
		Scope:     token.Scope,
		ClientID:  token.ClientID,
		Subject:   token.UserID,
		TokenType: tokenType,
		Issuer:    s.config.Issuer,
		ExpiresAt: expiresAt.Unix(),
		IssuedAt:  token.IssuedAt.Unix(),
	}, nil
}

// Revoke handles an RFC 7009 revocation request from caller. Revocation of an
// unknown token succeeds, and a client presenting another client's token gets
// the same success without any effect, so the endpoint leaks nothing.
func (s *Server) Revoke(ctx context.Context, tokenValue, tokenTypeHint string, caller *storage.Client) error {
	token, tokenType, err := s.lookupToken(ctx, tokenValue, tokenTypeHint)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil
		}
		s.logger.Error("Revocation lookup failed", "error", err)
		return ErrServerError("revocation failed")
	}

	if token.ClientID != caller.ClientID {
		if s.auditor != nil {
			s.auditor.LogEvent(security.Event{
				Type:     security.EventForeignTokenRevocation,
				ClientID: caller.ClientID,
				Details: map[string]any{
					"token_client_id": token.ClientID,
				},
			})
		}
		return nil
	}

	if err := s.tokens.RevokeToken(ctx, token.ID); err != nil {
		s.logger.Error("Failed to revoke token", "error", err)
		return ErrServerError("revocation failed")
	}

	if s.auditor != nil {
		s.auditor.LogTokenRevoked(token.UserID, caller.ClientID, "", tokenType)
	}
	s.logger.Info("Token revoked", "client_id", caller.ClientID, "token_type", tokenType)
	return nil
}

// lookupToken finds a token record by value, trying the hinted lookup first
// per RFC 7009 section 2.1. Returns the record and which kind of token matched.
func (s *Server) lookupToken(ctx context.Context, tokenValue, tokenTypeHint string) (*storage.Token, string, error) {
	lookups := []struct {
		kind string
		fn   func(context.Context, string) (*storage.Token, error)
	}{
		{"access_token", s.tokens.GetTokenByAccess},
		{"refresh_token", s.tokens.GetTokenByRefresh},
	}
	if tokenTypeHint == "refresh_token" {
		lookups[0], lookups[1] = lookups[1], lookups[0]
	}

	for _, lookup := range lookups {
		token, err := lookup.fn(ctx, tokenValue)
		if err == nil {
			return token, lookup.kind, nil
		}
		if !errors.Is(err, storage.ErrTokenNotFound) {
			return nil, "", err
		}
	}
	return nil, "", storage.ErrTokenNotFound
}

// RegisterClient registers a new OAuth client. The plaintext secret is
// returned exactly once; only its bcrypt hash is stored.
func (s *Server) RegisterClient(ctx context.Context, clientName, clientType, authMethod string, redirectURIs, scopes, grantTypes []string) (*storage.Client, string, error) {
	if clientType == "" {
		clientType = ClientTypeConfidential
	}
	if clientType != ClientTypePublic && clientType != ClientTypeConfidential {
		return nil, "", fmt.Errorf("invalid client type: %s", clientType)
	}
	if authMethod == "" {
		authMethod = AuthMethodSecretBasic
		if clientType == ClientTypePublic {
			authMethod = AuthMethodNone
		}
	}
	switch authMethod {
	case AuthMethodNone:
		if clientType == ClientTypeConfidential {
			return nil, "", fmt.Errorf("confidential clients must authenticate at the token endpoint")
		}
	case AuthMethodSecretBasic, AuthMethodSecretPost:
		if clientType == ClientTypePublic {
			return nil, "", fmt.Errorf("public clients cannot hold a client secret")
		}
	default:
		return nil, "", fmt.Errorf("unsupported token_endpoint_auth_method: %s", authMethod)
	}
	for _, uri := range redirectURIs {
		if err := validateRedirectURISecurity(uri, s.config.Issuer); err != nil {
			return nil, "", fmt.Errorf("invalid redirect URI %q: %w", uri, err)
		}
	}
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}

	clientID := generateRandomToken()

	// Generate client secret for confidential clients
	var clientSecret string
	var clientSecretHash string
	if clientType == ClientTypeConfidential {
		clientSecret = generateRandomToken()
		hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", fmt.Errorf("failed to hash client secret: %w", err)
		}
		clientSecretHash = string(hash)
	}

	client := &storage.Client{
		ClientID:                clientID,
		ClientSecretHash:        clientSecretHash,
		ClientType:              clientType,
		RedirectURIs:            redirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           []string{ResponseTypeCode},
		ClientName:              clientName,
		Scopes:                  scopes,
		CreatedAt:               time.Now(),
	}

	if err := s.clients.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	if s.auditor != nil {
		s.auditor.LogClientRegistered(clientID, clientType, "")
	}
	s.logger.Info("Registered new OAuth client",
		"client_id", clientID,
		"client_name", clientName,
		"client_type", clientType)

	return client, clientSecret, nil
}

// DeleteClient removes a client registration and cascades: all of the
// client's authorization codes are deleted and all of its tokens revoked.
func (s *Server) DeleteClient(ctx context.Context, clientID string) error {
	if _, err := s.clients.GetClient(ctx, clientID); err != nil {
		return err
	}

	codesDeleted, err := s.codes.DeleteAuthorizationCodesForClient(ctx, clientID)
	if err != nil {
		return fmt.Errorf("failed to delete authorization codes: %w", err)
	}
	tokensRevoked, err := s.tokens.RevokeAllTokensForClient(ctx, clientID)
	if err != nil {
		return fmt.Errorf("failed to revoke tokens: %w", err)
	}
	if err := s.clients.DeleteClient(ctx, clientID); err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}

	s.logger.Info("Deleted OAuth client",
		"client_id", clientID,
		"codes_deleted", codesDeleted,
		"tokens_revoked", tokensRevoked)
	return nil
}

// validateRedirectURI validates that a redirect URI is registered and secure
func (s *Server) validateRedirectURI(client *storage.Client, redirectURI string) error {
	if redirectURI == "" {
		return fmt.Errorf("redirect_uri is required")
	}

	// Exact string match against the registered URIs, no pattern matching
	found := false
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("redirect URI not registered for client")
	}

	return validateRedirectURISecurity(redirectURI, s.config.Issuer)
}

// validateRedirectURISecurity performs comprehensive security validation on redirect URIs
// per OAuth 2.0 Security Best Current Practice (BCP)
func validateRedirectURISecurity(redirectURI, serverIssuer string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}

	// OAuth 2.0 Security BCP Section 4.1.3: redirect_uri MUST NOT contain fragments
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain fragments (security risk)")
	}

	scheme := strings.ToLower(parsed.Scheme)

	// Reject dangerous schemes that could lead to XSS or other attacks
	dangerousSchemes := []string{"javascript", "data", "file", "vbscript", "about"}
	for _, dangerous := range dangerousSchemes {
		if scheme == dangerous {
			return fmt.Errorf("redirect_uri scheme '%s' is not allowed (security risk)", scheme)
		}
	}

	isHTTP := scheme == "http" || scheme == "https"
	if isHTTP {
		hostname := strings.ToLower(parsed.Hostname())

		// Literal IP hosts must not point at link-local or unspecified
		// addresses (cloud metadata endpoints, 0.0.0.0)
		if ip := net.ParseIP(strings.Trim(hostname, "[]")); ip != nil {
			switch util.ClassifyIP(ip) {
			case util.IPClassificationLinkLocal, util.IPClassificationUnspecified:
				return fmt.Errorf("redirect_uri host %s is not allowed (security risk)", hostname)
			}
		}

		// Loopback addresses may use plain HTTP (native app development, RFC 8252)
		isLoopback := util.IsLoopbackHostname(hostname)

		if !isLoopback && scheme != "https" {
			if serverParsed, err := url.Parse(serverIssuer); err == nil {
				if serverParsed.Scheme == "https" {
					return fmt.Errorf("redirect_uri must use HTTPS in production (got %s://)", scheme)
				}
			}
		}
	}
	// Custom schemes (myapp://, etc.) are allowed for native/mobile apps

	return nil
}

// validateScopes validates that requested scopes are allowed
func (s *Server) validateScopes(scope string) error {
	// If no scopes configured, allow all
	if len(s.config.SupportedScopes) == 0 {
		return nil
	}
	if scope == "" {
		return nil // Empty scope is allowed
	}

	requestedScopes := strings.Fields(scope)
	for _, reqScope := range requestedScopes {
		found := false
		for _, supportedScope := range s.config.SupportedScopes {
			if reqScope == supportedScope {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unsupported scope: %s", reqScope)
		}
	}

	return nil
}

// clientAllowsGrantType reports whether the client is registered for grantType
func clientAllowsGrantType(client *storage.Client, grantType string) bool {
	for _, gt := range client.GrantTypes {
		if gt == grantType {
			return true
		}
	}
	return false
}

// clientAllowsResponseType reports whether the client is registered for responseType
func clientAllowsResponseType(client *storage.Client, responseType string) bool {
	for _, rt := range client.ResponseTypes {
		if rt == responseType {
			return true
		}
	}
	return false
}
