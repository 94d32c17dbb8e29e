package oauth

import (
	"strings"
	"testing"

	"github.com/evlist/oauth/internal/testutil"
)

func TestValidateCodeChallenge(t *testing.T) {
	challenge, _ := testutil.GeneratePKCEPair()

	tests := []struct {
		name      string
		config    *ServerConfig
		challenge string
		method    string
		wantErr   bool
	}{
		{"S256 accepted", nil, challenge, PKCEMethodS256, false},
		{"missing challenge with PKCE required", nil, "", "", true},
		{"plain rejected by default", nil, challenge, PKCEMethodPlain, true},
		{"empty method rejected by default", nil, challenge, "", true},
		{"unknown method", nil, challenge, "S512", true},
		{"too short", nil, strings.Repeat("a", 42), PKCEMethodS256, true},
		{"too long", nil, strings.Repeat("a", 129), PKCEMethodS256, true},
		{
			"missing challenge with PKCE optional",
			&ServerConfig{Issuer: "https://auth.example.com", RequirePKCE: false, AllowPKCEPlain: true},
			"", "", false,
		},
		{
			"plain allowed when configured",
			&ServerConfig{Issuer: "https://auth.example.com", RequirePKCE: true, AllowPKCEPlain: true},
			challenge, PKCEMethodPlain, false,
		},
		{
			"empty method falls back to plain when configured",
			&ServerConfig{Issuer: "https://auth.example.com", RequirePKCE: true, AllowPKCEPlain: true},
			challenge, "", false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, tt.config)
			err := s.validateCodeChallenge(tt.challenge, tt.method)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateCodeChallenge() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePKCE(t *testing.T) {
	challenge, verifier := testutil.GeneratePKCEPair()
	_, otherVerifier := testutil.GeneratePKCEPair()

	s, _ := newTestServer(t, nil)

	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		wantErr   bool
	}{
		{"matching S256 pair", challenge, PKCEMethodS256, verifier, false},
		{"wrong verifier", challenge, PKCEMethodS256, otherVerifier, true},
		{"missing verifier", challenge, PKCEMethodS256, "", true},
		{"verifier too short", challenge, PKCEMethodS256, strings.Repeat("a", 42), true},
		{"verifier too long", challenge, PKCEMethodS256, strings.Repeat("a", 129), true},
		{"invalid verifier characters", challenge, PKCEMethodS256, strings.Repeat("a", 42) + "!", true},
		{"plain rejected by default", verifier, PKCEMethodPlain, verifier, true},
		{"no challenge bound to the code", "", PKCEMethodS256, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.validatePKCE(tt.challenge, tt.method, tt.verifier)
			if (err != nil) != tt.wantErr {
				t.Errorf("validatePKCE() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePKCE_PlainAllowed(t *testing.T) {
	s, _ := newTestServer(t, &ServerConfig{
		Issuer:         "https://auth.example.com",
		RequirePKCE:    true,
		AllowPKCEPlain: true,
	})

	verifier := strings.Repeat("a", 43)
	if err := s.validatePKCE(verifier, PKCEMethodPlain, verifier); err != nil {
		t.Errorf("plain match should pass when configured: %v", err)
	}
	if err := s.validatePKCE(verifier, PKCEMethodPlain, strings.Repeat("b", 43)); err == nil {
		t.Error("plain mismatch should fail")
	}
}
