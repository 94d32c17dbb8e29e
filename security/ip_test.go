package security

import (
	"net/http/httptest"
	"testing"
)

func TestGetClientIP_DirectConnection(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.9:54321"
	r.Header.Set("X-Forwarded-For", "198.51.100.1")

	// Proxy headers are ignored unless trusted
	if got := GetClientIP(r, false, 1); got != "203.0.113.9" {
		t.Errorf("GetClientIP() = %q, want 203.0.113.9", got)
	}
}

func TestGetClientIP_TrustedProxy(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		xRealIP    string
		proxyCount int
		want       string
	}{
		{"single proxy", "198.51.100.1", "", 1, "198.51.100.1"},
		{"two proxies", "198.51.100.1, 10.0.0.5", "", 2, "198.51.100.1"},
		{"client plus untrusted hop", "198.51.100.1, 172.16.0.9, 10.0.0.5", "", 1, "172.16.0.9"},
		{"zero count treated as one", "198.51.100.1, 10.0.0.5", "", 0, "198.51.100.1"},
		{"more trusted hops than entries", "198.51.100.1", "", 5, "198.51.100.1"},
		{"spaces trimmed", " 198.51.100.1 , 10.0.0.5", "", 1, "198.51.100.1"},
		{"garbage XFF falls back to X-Real-IP", "not-an-ip", "198.51.100.7", 1, "198.51.100.7"},
		{"empty XFF uses X-Real-IP", "", "198.51.100.7", 1, "198.51.100.7"},
		{"garbage everywhere falls back to RemoteAddr", "bogus", "also-bogus", 1, "203.0.113.9"},
		{"IPv6 client", "2001:db8::1, 10.0.0.5", "", 1, "2001:db8::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = "203.0.113.9:54321"
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}

			if got := GetClientIP(r, true, tt.proxyCount); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHostOnly(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"203.0.113.9:54321", "203.0.113.9"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"203.0.113.9", "203.0.113.9"}, // no port, returned as-is
	}
	for _, tt := range tests {
		if got := hostOnly(tt.in); got != tt.want {
			t.Errorf("hostOnly(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
