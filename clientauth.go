package oauth

import (
	"context"
	"fmt"

	"github.com/evlist/oauth/storage"
)

// AuthenticateClient authenticates a token endpoint caller. presentedMethod
// names how the credentials arrived: client_secret_basic for the
// Authorization header, client_secret_post for form fields, none when no
// secret was presented. The client's registered token_endpoint_auth_method is
// enforced, so a confidential client cannot downgrade to "none" and a public
// client cannot present a secret.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret, presentedMethod string) (*storage.Client, error) {
	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		if s.auditor != nil {
			s.auditor.LogAuthFailure("", clientID, "", "unknown_client")
		}
		return nil, ErrInvalidClient("Client authentication failed")
	}

	if client.TokenEndpointAuthMethod != presentedMethod {
		if s.auditor != nil {
			s.auditor.LogAuthFailure("", clientID, "", fmt.Sprintf("auth_method_mismatch: %s", presentedMethod))
		}
		if client.TokenEndpointAuthMethod == AuthMethodNone {
			return nil, ErrInvalidClient("client is not registered to authenticate with a secret")
		}
		return nil, ErrInvalidClient(fmt.Sprintf("client must authenticate with %s", client.TokenEndpointAuthMethod))
	}

	switch presentedMethod {
	case AuthMethodNone:
		if client.ClientType == ClientTypeConfidential {
			if s.auditor != nil {
				s.auditor.LogAuthFailure("", clientID, "", "confidential_client_missing_credentials")
			}
			return nil, ErrInvalidClient("Client authentication required")
		}
		return client, nil

	case AuthMethodSecretBasic, AuthMethodSecretPost:
		if err := s.clients.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
			if s.auditor != nil {
				s.auditor.LogAuthFailure("", clientID, "", "client_authentication_failed")
			}
			return nil, ErrInvalidClient("Client authentication failed")
		}
		return client, nil

	default:
		return nil, ErrInvalidClient("unsupported client authentication method")
	}
}

// ValidateClientCredentials validates a client ID and secret pair. Used by the
// introspection and revocation endpoints, which always require credentials
// for confidential clients.
func (s *Server) ValidateClientCredentials(ctx context.Context, clientID, clientSecret string) error {
	return s.clients.ValidateClientSecret(ctx, clientID, clientSecret)
}

// GetClient retrieves a registered client
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clients.GetClient(ctx, clientID)
}
