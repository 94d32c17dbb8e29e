package oauth

import (
	"log/slog"
	"testing"
)

func TestApplySecureDefaults_ZeroConfig(t *testing.T) {
	config := applySecureDefaults(&ServerConfig{}, slog.Default())

	if config.AuthorizationCodeTTL != 600 {
		t.Errorf("AuthorizationCodeTTL = %d, want 600", config.AuthorizationCodeTTL)
	}
	if config.AccessTokenTTL != 3600 {
		t.Errorf("AccessTokenTTL = %d, want 3600", config.AccessTokenTTL)
	}
	if config.RefreshTokenTTL != 7776000 {
		t.Errorf("RefreshTokenTTL = %d, want 7776000", config.RefreshTokenTTL)
	}
	if config.IDTokenTTL != 3600 {
		t.Errorf("IDTokenTTL = %d, want 3600", config.IDTokenTTL)
	}
	if config.NonceTTL != 3600 {
		t.Errorf("NonceTTL = %d, want 3600", config.NonceTTL)
	}
	if config.TrustedProxyCount != 1 {
		t.Errorf("TrustedProxyCount = %d, want 1", config.TrustedProxyCount)
	}
	if config.ClockSkewGracePeriod != 5 {
		t.Errorf("ClockSkewGracePeriod = %d, want 5", config.ClockSkewGracePeriod)
	}

	// A zero-valued config gets the secure settings
	if !config.RequirePKCE {
		t.Error("RequirePKCE should default to true")
	}
	if config.AllowPKCEPlain {
		t.Error("AllowPKCEPlain should default to false")
	}
	if !config.RevokeFamilyOnReuse {
		t.Error("RevokeFamilyOnReuse should default to true")
	}
	if config.TrustProxy {
		t.Error("TrustProxy should default to false")
	}
}

func TestApplySecureDefaults_ExplicitChoicesRespected(t *testing.T) {
	// Once any security field is explicitly configured the user's choice
	// stands, even when it is the less secure one
	config := applySecureDefaults(&ServerConfig{
		AllowPKCEPlain: true,
	}, slog.Default())

	if config.RequirePKCE {
		t.Error("RequirePKCE should stay false when explicitly left unset")
	}
	if !config.AllowPKCEPlain {
		t.Error("AllowPKCEPlain should stay true as configured")
	}
	if config.RevokeFamilyOnReuse {
		t.Error("RevokeFamilyOnReuse should stay false when explicitly left unset")
	}
}

func TestApplySecureDefaults_ExplicitTTLsKept(t *testing.T) {
	config := applySecureDefaults(&ServerConfig{
		AuthorizationCodeTTL: 120,
		AccessTokenTTL:       900,
		RefreshTokenTTL:      86400,
		NonceTTL:             1800,
	}, slog.Default())

	if config.AuthorizationCodeTTL != 120 {
		t.Errorf("AuthorizationCodeTTL = %d, want 120", config.AuthorizationCodeTTL)
	}
	if config.AccessTokenTTL != 900 {
		t.Errorf("AccessTokenTTL = %d, want 900", config.AccessTokenTTL)
	}
	if config.RefreshTokenTTL != 86400 {
		t.Errorf("RefreshTokenTTL = %d, want 86400", config.RefreshTokenTTL)
	}
	if config.NonceTTL != 1800 {
		t.Errorf("NonceTTL = %d, want 1800", config.NonceTTL)
	}
}
