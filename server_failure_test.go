package oauth

import (
	"context"
	"errors"
	"testing"

	"github.com/evlist/oauth/internal/testutil"
	"github.com/evlist/oauth/storage"
	"github.com/evlist/oauth/storage/memory"
	"github.com/evlist/oauth/storage/mock"
)

// newFailableServer builds a server over a mock store so individual storage
// operations can be made to fail mid-flow.
func newFailableServer(t *testing.T) (*Server, *mock.Store) {
	t.Helper()

	backing := memory.New()
	t.Cleanup(backing.Stop)

	if err := backing.SaveUser(context.Background(), testutil.GenerateTestUser()); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}

	store := mock.NewWithBacking(backing)
	server, err := NewServer(store, backing, nil, &ServerConfig{Issuer: "https://auth.example.com"}, nil)
	if err != nil {
		t.Fatalf("failed to build server: %v", err)
	}
	return server, store
}

func TestAuthorize_CodeSaveFailureRedirectsServerError(t *testing.T) {
	server, store := newFailableServer(t)
	client, _ := registerTestClient(t, server)
	challenge, _ := testutil.GeneratePKCEPair()

	store.SaveAuthorizationCodeFunc = func(ctx context.Context, code *storage.AuthorizationCode) error {
		return errors.New("disk full")
	}

	result, err := server.Authorize(context.Background(), &AuthorizeRequest{
		ResponseType:        ResponseTypeCode,
		ClientID:            client.ClientID,
		RedirectURI:         "https://example.com/callback",
		Scope:               "openid email",
		State:               "xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
	}, "test-user-123", ConsentGrant)
	if err != nil {
		t.Fatalf("storage failure should redirect, not error: %v", err)
	}

	// The storage error must not leak to the client
	testutil.AssertEqual(t, redirectParam(t, result.RedirectURL, "error"), ErrorCodeServerError)
	if desc := redirectParam(t, result.RedirectURL, "error_description"); desc == "disk full" {
		t.Errorf("storage error leaked into redirect: %q", desc)
	}
	if store.Calls("SaveAuthorizationCode") == 0 {
		t.Error("expected SaveAuthorizationCode to be attempted")
	}
}

func TestExchange_TokenSaveFailure(t *testing.T) {
	server, store := newFailableServer(t)
	client, secret := registerTestClient(t, server)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := authorizeCode(t, server, client, challenge, "")

	store.SaveTokenFunc = func(ctx context.Context, token *storage.Token) error {
		return errors.New("disk full")
	}

	authed, err := server.AuthenticateClient(context.Background(), client.ClientID, secret, AuthMethodSecretBasic)
	if err != nil {
		t.Fatalf("client auth failed: %v", err)
	}

	_, err = server.Exchange(context.Background(), &TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://example.com/callback",
		CodeVerifier: verifier,
		Client:       authed,
	})
	assertOAuthError(t, err, ErrorCodeServerError)
}

func TestIntrospect_LookupFailure(t *testing.T) {
	server, store := newFailableServer(t)
	client, _ := registerTestClient(t, server)

	store.GetTokenByAccessFunc = func(ctx context.Context, accessToken string) (*storage.Token, error) {
		return nil, errors.New("connection refused")
	}
	store.GetTokenByRefreshFunc = func(ctx context.Context, refreshToken string) (*storage.Token, error) {
		return nil, errors.New("connection refused")
	}

	_, err := server.Introspect(context.Background(), "some-token", "", client)
	assertOAuthError(t, err, ErrorCodeServerError)
}
