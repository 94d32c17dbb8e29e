package util

import (
	"net"
	"testing"
)

func TestClassifyIP(t *testing.T) {
	tests := []struct {
		ip   string
		want IPClassification
	}{
		{"0.0.0.0", IPClassificationUnspecified},
		{"::", IPClassificationUnspecified},
		{"127.0.0.1", IPClassificationLoopback},
		{"127.255.255.255", IPClassificationLoopback},
		{"::1", IPClassificationLoopback},
		{"169.254.0.1", IPClassificationLinkLocal},
		{"169.254.169.254", IPClassificationLinkLocal},
		{"fe80::1", IPClassificationLinkLocal},
		{"ff02::1", IPClassificationLinkLocal},
		{"10.0.0.1", IPClassificationPrivate},
		{"172.16.0.1", IPClassificationPrivate},
		{"192.168.1.1", IPClassificationPrivate},
		{"fd00::1", IPClassificationPrivate},
		{"8.8.8.8", IPClassificationPublic},
		{"2001:4860:4860::8888", IPClassificationPublic},
	}

	for _, tt := range tests {
		ip := net.ParseIP(tt.ip)
		if ip == nil {
			t.Fatalf("bad test address %q", tt.ip)
		}
		if got := ClassifyIP(ip); got != tt.want {
			t.Errorf("ClassifyIP(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}

	if got := ClassifyIP(nil); got != IPClassificationUnspecified {
		t.Errorf("ClassifyIP(nil) = %v, want unspecified", got)
	}
}

func TestIPClassificationString(t *testing.T) {
	names := map[IPClassification]string{
		IPClassificationPublic:      "public",
		IPClassificationLoopback:    "loopback",
		IPClassificationPrivate:     "private",
		IPClassificationLinkLocal:   "link_local",
		IPClassificationUnspecified: "unspecified",
		IPClassification(42):        "unknown",
	}
	for c, want := range names {
		if got := c.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}

func TestIsLoopbackHostname(t *testing.T) {
	loopback := []string{"localhost", "127.0.0.1", "127.0.53.53", "::1", "[::1]"}
	for _, h := range loopback {
		if !IsLoopbackHostname(h) {
			t.Errorf("IsLoopbackHostname(%q) = false, want true", h)
		}
	}

	notLoopback := []string{"", "example.com", "10.0.0.1", "0.0.0.0", "169.254.169.254"}
	for _, h := range notLoopback {
		if IsLoopbackHostname(h) {
			t.Errorf("IsLoopbackHostname(%q) = true, want false", h)
		}
	}
}
