package oauth

import (
	"errors"
	"net/http"
	"testing"
)

func TestOAuthErrorMessage(t *testing.T) {
	e := &OAuthError{Code: "invalid_request", Description: "missing code parameter"}
	if got := e.Error(); got != "invalid_request: missing code parameter" {
		t.Errorf("Error() = %q", got)
	}

	e = &OAuthError{Code: "server_error"}
	if got := e.Error(); got != "server_error: " {
		t.Errorf("Error() with empty description = %q", got)
	}
}

func TestOAuthErrorAsError(t *testing.T) {
	// errors.As must recover the structured error through a plain error value
	var err error = ErrInvalidGrant("code already consumed")

	var oerr *OAuthError
	if !errors.As(err, &oerr) {
		t.Fatal("errors.As failed to match *OAuthError")
	}
	if oerr.Code != ErrorCodeInvalidGrant {
		t.Errorf("Code = %q, want %q", oerr.Code, ErrorCodeInvalidGrant)
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name        string
		constructor func(string) *OAuthError
		wantCode    string
		wantStatus  int
	}{
		{"invalid_request", ErrInvalidRequest, ErrorCodeInvalidRequest, http.StatusBadRequest},
		{"invalid_grant", ErrInvalidGrant, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"invalid_client", ErrInvalidClient, ErrorCodeInvalidClient, http.StatusUnauthorized},
		{"invalid_scope", ErrInvalidScope, ErrorCodeInvalidScope, http.StatusBadRequest},
		{"invalid_token", ErrInvalidToken, ErrorCodeInvalidToken, http.StatusUnauthorized},
		{"unauthorized_client", ErrUnauthorizedClient, ErrorCodeUnauthorizedClient, http.StatusBadRequest},
		{"unsupported_grant_type", ErrUnsupportedGrantType, ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
		{"unsupported_response_type", ErrUnsupportedResponseType, ErrorCodeUnsupportedResponseType, http.StatusBadRequest},
		{"server_error", ErrServerError, ErrorCodeServerError, http.StatusInternalServerError},
		{"access_denied", ErrAccessDenied, ErrorCodeAccessDenied, http.StatusForbidden},
		{"invalid_redirect_uri", ErrInvalidRedirectURI, ErrorCodeInvalidRedirectURI, http.StatusBadRequest},
		{"rate_limit_exceeded", ErrRateLimitExceeded, ErrorCodeRateLimitExceeded, http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.constructor("details")
			if err.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", err.Code, tt.wantCode)
			}
			if err.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", err.Status, tt.wantStatus)
			}
			if err.Description != "details" {
				t.Errorf("Description = %q, want %q", err.Description, "details")
			}
			// The code in the constructor must match the wire value of its name
			if err.Code != tt.name {
				t.Errorf("constructor %s produced code %q", tt.name, err.Code)
			}
		})
	}
}
