package oauth

// Grant type, response type, client type, and PKCE method constants
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"

	ResponseTypeCode = "code"

	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"

	AuthMethodSecretBasic = "client_secret_basic"
	AuthMethodSecretPost  = "client_secret_post"
	AuthMethodNone        = "none"

	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"

	// ScopeOpenID triggers ID token issuance on the authorization_code grant
	ScopeOpenID = "openid"
)

// AuthorizeRequest carries the parameters of a GET/POST /oauth/authorize request
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

// ConsentDecision is the end-user's answer to a consent prompt
type ConsentDecision string

const (
	// ConsentPending means no decision has been supplied yet
	ConsentPending ConsentDecision = ""

	// ConsentGrant approves the authorization request
	ConsentGrant ConsentDecision = "grant"

	// ConsentDeny declines the authorization request
	ConsentDeny ConsentDecision = "deny"
)

// ConsentPrompt is returned when an authorize request is valid but no consent
// decision has been supplied. A collaborator UI renders it and posts the
// decision back.
type ConsentPrompt struct {
	// ClientID identifies the requesting client
	ClientID string `json:"client_id"`

	// ClientName is the human-readable name of the client
	ClientName string `json:"client_name,omitempty"`

	// Scopes are the individual scope values being requested
	Scopes []string `json:"scopes"`

	// RedirectURI is where the user will be sent after deciding
	RedirectURI string `json:"redirect_uri"`

	// State echoes the client's state parameter
	State string `json:"state,omitempty"`
}

// AuthorizeResult is the outcome of an authorize request: either a consent
// prompt to render, or a redirect back to the client.
type AuthorizeResult struct {
	// Consent is set when the user still has to decide
	Consent *ConsentPrompt

	// RedirectURL is set once a decision exists. It carries code+state on
	// grant, or error+error_description+state on deny/failure.
	RedirectURL string
}

// TokenResponse represents an OAuth 2.0 token response
type TokenResponse struct {
	// AccessToken is the access token
	AccessToken string `json:"access_token"`

	// TokenType is the type of token (always "Bearer")
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the access token
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// RefreshToken is the refresh token (omitted for client_credentials)
	RefreshToken string `json:"refresh_token,omitempty"`

	// Scope is the scope of the access token
	Scope string `json:"scope,omitempty"`

	// IDToken is the signed OIDC ID token (present when "openid" was granted)
	IDToken string `json:"id_token,omitempty"`
}

// ErrorResponse represents an OAuth error response body
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// IntrospectionResponse represents an RFC 7662 introspection response.
// When Active is false all other fields are omitted so nothing about the
// token's prior existence leaks.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Issuer    string `json:"iss,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
}

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server Metadata (RFC 8414)
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// JWKSURI is the URL of the JSON Web Key Set document
	JWKSURI string `json:"jwks_uri,omitempty"`

	// ScopesSupported lists the OAuth scopes supported
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists the OAuth response types supported
	ResponseTypesSupported []string `json:"response_types_supported"`

	// GrantTypesSupported lists the OAuth grant types supported
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// TokenEndpointAuthMethodsSupported lists the client authentication methods
	// supported at the token endpoint
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE code challenge methods supported
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`

	// IDTokenSigningAlgValuesSupported lists the ID token signing algorithms
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported,omitempty"`

	// RevocationEndpoint is the URL of the token revocation endpoint (RFC 7009)
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// IntrospectionEndpoint is the URL of the token introspection endpoint (RFC 7662)
	IntrospectionEndpoint string `json:"introspection_endpoint,omitempty"`

	// RegistrationEndpoint is the URL of the dynamic client registration endpoint (RFC 7591)
	RegistrationEndpoint string `json:"registration_endpoint,omitempty"`
}
