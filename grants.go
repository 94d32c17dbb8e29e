package oauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/evlist/oauth/internal/util"
	"github.com/evlist/oauth/security"
	"github.com/evlist/oauth/storage"
)

// TokenRequest carries the parameters of a POST /oauth/token request after
// client authentication. Client is always the authenticated (or validated
// public) client; grant-specific fields are set from the form.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
	Client       *storage.Client
}

// Grant is the contract every token grant implements. The set of
// implementations is closed: authorization_code, client_credentials, and
// refresh_token. Server.Exchange selects among them explicitly.
type Grant interface {
	// Name returns the grant_type value this grant serves
	Name() string

	// Exchange validates the request and issues tokens. Protocol failures are
	// returned as *OAuthError.
	Exchange(ctx context.Context, req *TokenRequest) (*TokenResponse, error)
}

// authorizationCodeGrant redeems a single-use authorization code for a token
// pair, enforcing PKCE and the code's client and redirect URI bindings.
type authorizationCodeGrant struct {
	server *Server
}

func (g *authorizationCodeGrant) Name() string {
	return GrantTypeAuthorizationCode
}

func (g *authorizationCodeGrant) Exchange(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	s := g.server

	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	// Atomic single-use consumption: under concurrent exchange of the same
	// code exactly one caller gets the record, the rest observe reuse
	authCode, err := s.codes.AtomicCheckAndMarkAuthCodeUsed(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeUsed) {
			// Code replay: revoke everything issued from the original grant
			s.handleCodeReuse(ctx, authCode, req.Client.ClientID)
			return nil, ErrInvalidGrant("authorization code is invalid or expired")
		}
		if errors.Is(err, storage.ErrAuthorizationCodeNotFound) || errors.Is(err, storage.ErrTokenExpired) {
			if s.auditor != nil {
				s.auditor.LogAuthFailure("", req.Client.ClientID, "", "invalid_authorization_code")
			}
			return nil, ErrInvalidGrant("authorization code is invalid or expired")
		}
		s.logger.Error("Authorization code lookup failed", "error", err)
		return nil, ErrServerError("failed to process request")
	}

	// The code is bound to the client it was issued to
	if authCode.ClientID != req.Client.ClientID {
		if s.auditor != nil {
			s.auditor.LogAuthFailure(authCode.UserID, req.Client.ClientID, "", "authorization_code_client_mismatch")
		}
		return nil, ErrInvalidGrant("authorization code was issued to a different client")
	}

	// redirect_uri must match the one the code was issued for exactly
	if authCode.RedirectURI != req.RedirectURI {
		if s.auditor != nil {
			s.auditor.LogAuthFailure(authCode.UserID, req.Client.ClientID, "", "redirect_uri_mismatch")
		}
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}

	if err := s.validatePKCE(authCode.CodeChallenge, authCode.CodeChallengeMethod, req.CodeVerifier); err != nil {
		if s.auditor != nil {
			s.auditor.LogEvent(security.Event{
				Type:     security.EventPKCEValidationFailed,
				UserID:   authCode.UserID,
				ClientID: req.Client.ClientID,
				Details: map[string]any{
					"reason": err.Error(),
				},
			})
		}
		if s.instrumentation != nil {
			s.instrumentation.Metrics().RecordPKCEValidationFailed(ctx, authCode.CodeChallengeMethod)
		}
		return nil, ErrInvalidGrant(fmt.Sprintf("PKCE validation failed: %v", err))
	}

	// New token family, generation 0. Rotations of the refresh token issued
	// here stay in this family.
	withRefresh := clientAllowsGrantType(req.Client, GrantTypeRefreshToken)
	resp, err := s.issueTokens(ctx, req.Client, authCode.UserID, authCode.Scope, uuid.NewString(), 0, withRefresh, authCode.Nonce)
	if err != nil {
		return nil, err
	}

	// Recorded here so the metric carries the method the code was issued with
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordCodeExchange(ctx, req.Client.ClientID, authCode.CodeChallengeMethod)
	}
	return resp, nil
}

// handleCodeReuse revokes all tokens issued to the user+client pair of a
// replayed authorization code, per OAuth 2.1 section 4.1.3
func (s *Server) handleCodeReuse(ctx context.Context, authCode *storage.AuthorizationCode, presenterClientID string) {
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordCodeReuseDetected(ctx)
	}
	if authCode == nil {
		return
	}

	revoked, err := s.tokens.RevokeAllTokensForUserClient(ctx, authCode.UserID, authCode.ClientID)
	if err != nil {
		s.logger.Error("Failed to revoke tokens after code reuse", "error", err)
	}

	if s.auditor != nil {
		s.auditor.LogEvent(security.Event{
			Type:     security.EventAuthorizationCodeReuseDetected,
			UserID:   authCode.UserID,
			ClientID: presenterClientID,
			Details: map[string]any{
				"severity":       "critical",
				"code_client_id": authCode.ClientID,
				"tokens_revoked": revoked,
			},
		})
	}
	s.logger.Error("Authorization code reuse detected, revoked derived tokens",
		"user_id", authCode.UserID,
		"client_id", authCode.ClientID,
		"code_prefix", util.SafeTruncate(authCode.Code, 8),
		"tokens_revoked", revoked)
}

// clientCredentialsGrant issues an access token for the client itself.
// No end-user is involved and no refresh token is issued.
type clientCredentialsGrant struct {
	server *Server
}

func (g *clientCredentialsGrant) Name() string {
	return GrantTypeClientCredentials
}

func (g *clientCredentialsGrant) Exchange(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	s := g.server

	// Only confidential clients can act on their own behalf
	if req.Client.ClientType != ClientTypeConfidential {
		if s.auditor != nil {
			s.auditor.LogAuthFailure("", req.Client.ClientID, "", "client_credentials_public_client")
		}
		return nil, ErrUnauthorizedClient("client_credentials requires a confidential client")
	}

	if err := s.validateScopes(req.Scope); err != nil {
		return nil, ErrInvalidScope(err.Error())
	}
	if len(req.Client.Scopes) > 0 && !scopeSubset(req.Scope, strings.Join(req.Client.Scopes, " ")) {
		return nil, ErrInvalidScope("requested scope exceeds the client's registered scopes")
	}

	return s.issueTokens(ctx, req.Client, "", req.Scope, "", 0, false, "")
}

// refreshTokenGrant rotates a refresh token: the presented token is revoked
// and a new pair is issued in the same family with an incremented generation.
type refreshTokenGrant struct {
	server *Server
}

func (g *refreshTokenGrant) Name() string {
	return GrantTypeRefreshToken
}

func (g *refreshTokenGrant) Exchange(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	s := g.server

	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	// Atomic get-and-revoke: under concurrent refresh with the same token
	// exactly one caller wins, the rest observe the revoked record
	oldToken, err := s.tokens.AtomicGetAndRevokeRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrTokenRevoked) {
			s.handleRefreshReuse(ctx, oldToken, req.Client.ClientID)
			return nil, ErrInvalidGrant("refresh token is invalid or expired")
		}
		if errors.Is(err, storage.ErrTokenNotFound) || errors.Is(err, storage.ErrTokenExpired) {
			if s.auditor != nil {
				s.auditor.LogAuthFailure("", req.Client.ClientID, "", "invalid_refresh_token")
			}
			return nil, ErrInvalidGrant("refresh token is invalid or expired")
		}
		s.logger.Error("Refresh token lookup failed", "error", err)
		return nil, ErrServerError("failed to process request")
	}

	// The refresh token is bound to the client it was issued to
	if oldToken.ClientID != req.Client.ClientID {
		if s.auditor != nil {
			s.auditor.LogEvent(security.Event{
				Type:     security.EventRefreshTokenClientMismatch,
				UserID:   oldToken.UserID,
				ClientID: req.Client.ClientID,
				Details: map[string]any{
					"token_client_id": oldToken.ClientID,
				},
			})
		}
		return nil, ErrInvalidGrant("refresh token was issued to a different client")
	}

	// Scope may only be narrowed on refresh
	scope := oldToken.Scope
	if req.Scope != "" {
		if !scopeSubset(req.Scope, oldToken.Scope) {
			return nil, ErrInvalidScope("requested scope exceeds the originally granted scope")
		}
		scope = req.Scope
	}

	resp, err := s.issueTokens(ctx, req.Client, oldToken.UserID, scope, oldToken.FamilyID, oldToken.Generation+1, true, "")
	if err != nil {
		return nil, err
	}

	if s.auditor != nil {
		s.auditor.LogTokenRefreshed(oldToken.UserID, req.Client.ClientID, "", true)
	}
	s.logger.Info("Refresh token rotated",
		"user_id", oldToken.UserID,
		"client_id", req.Client.ClientID,
		"generation", oldToken.Generation+1)

	return resp, nil
}

// handleRefreshReuse reacts to a rotated refresh token being presented again.
// When RevokeFamilyOnReuse is set the whole rotation lineage is revoked,
// cutting off whoever holds the stolen token.
func (s *Server) handleRefreshReuse(ctx context.Context, oldToken *storage.Token, presenterClientID string) {
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordTokenReuseDetected(ctx)
	}
	if oldToken == nil {
		return
	}

	var familyRevoked int
	if s.config.RevokeFamilyOnReuse && oldToken.FamilyID != "" {
		n, err := s.tokens.RevokeTokenFamily(ctx, oldToken.FamilyID)
		if err != nil {
			s.logger.Error("Failed to revoke token family after reuse", "error", err)
		}
		familyRevoked = n
	}

	if s.auditor != nil {
		s.auditor.LogEvent(security.Event{
			Type:     security.EventRefreshTokenReuseDetected,
			UserID:   oldToken.UserID,
			ClientID: presenterClientID,
			Details: map[string]any{
				"severity":       "critical",
				"family_id":      oldToken.FamilyID,
				"generation":     oldToken.Generation,
				"family_revoked": familyRevoked,
			},
		})
	}
	s.logger.Error("Refresh token reuse detected",
		"user_id", oldToken.UserID,
		"family_id", oldToken.FamilyID,
		"generation", oldToken.Generation,
		"family_revoked", familyRevoked)
}

// issueTokens mints a token pair, persists it, and builds the token response.
// withRefresh controls refresh token issuance; nonce is carried into the ID
// token when the scope includes openid.
func (s *Server) issueTokens(ctx context.Context, client *storage.Client, userID, scope, familyID string, generation int, withRefresh bool, nonce string) (*TokenResponse, error) {
	now := time.Now()
	token := &storage.Token{
		ID:              uuid.NewString(),
		AccessToken:     generateRandomToken(),
		ClientID:        client.ClientID,
		UserID:          userID,
		Scope:           scope,
		FamilyID:        familyID,
		Generation:      generation,
		IssuedAt:        now,
		AccessExpiresAt: now.Add(time.Duration(s.config.AccessTokenTTL) * time.Second),
	}
	if withRefresh {
		token.RefreshToken = generateRandomToken()
		token.RefreshExpiresAt = now.Add(time.Duration(s.config.RefreshTokenTTL) * time.Second)
	}

	if err := s.tokens.SaveToken(ctx, token); err != nil {
		s.logger.Error("Failed to save token", "error", err)
		return nil, ErrServerError("failed to issue tokens")
	}

	resp := &TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    s.config.AccessTokenTTL,
		RefreshToken: token.RefreshToken,
		Scope:        scope,
	}

	if scopeContains(scope, ScopeOpenID) && s.idTokens != nil && userID != "" {
		idToken, err := s.issueIDToken(ctx, client, userID, nonce)
		if err != nil {
			// ID token failure must not leak a usable pair
			if revokeErr := s.tokens.RevokeToken(ctx, token.ID); revokeErr != nil {
				s.logger.Error("Failed to revoke pair after ID token failure", "error", revokeErr)
			}
			return nil, err
		}
		resp.IDToken = idToken
	}

	if s.auditor != nil {
		s.auditor.LogTokenIssued(userID, client.ClientID, "", scope)
	}

	return resp, nil
}

// issueIDToken resolves the user and signs an ID token. The nonce must have
// been recorded at authorization time; an unknown nonce means the code record
// was tampered with or the nonce store lost state, and issuance fails.
func (s *Server) issueIDToken(ctx context.Context, client *storage.Client, userID, nonce string) (string, error) {
	if s.users == nil {
		return "", ErrServerError("user store is not configured")
	}
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		s.logger.Error("Failed to resolve user for ID token", "error", err, "user_id", userID)
		return "", ErrServerError("failed to issue ID token")
	}

	if nonce != "" {
		known, err := s.nonces.HasNonce(ctx, client.ClientID, nonce)
		if err != nil {
			s.logger.Error("Nonce lookup failed", "error", err)
			return "", ErrServerError("failed to issue ID token")
		}
		if !known {
			if s.auditor != nil {
				s.auditor.LogEvent(security.Event{
					Type:     security.EventUnknownNonceAtIssuance,
					UserID:   userID,
					ClientID: client.ClientID,
				})
			}
			return "", ErrInvalidGrant("nonce is not recognized")
		}
	}

	return s.idTokens.Issue(ctx, client.ClientID, user, nonce)
}

// scopeContains reports whether the space-delimited scope string contains want
func scopeContains(scope, want string) bool {
	for _, sc := range strings.Fields(scope) {
		if sc == want {
			return true
		}
	}
	return false
}

// scopeSubset reports whether every scope in requested appears in granted
func scopeSubset(requested, granted string) bool {
	grantedSet := make(map[string]struct{})
	for _, sc := range strings.Fields(granted) {
		grantedSet[sc] = struct{}{}
	}
	for _, sc := range strings.Fields(requested) {
		if _, ok := grantedSet[sc]; !ok {
			return false
		}
	}
	return true
}
