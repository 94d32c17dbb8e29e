package security

import (
	"testing"
	"time"
)

func TestIsTokenExpired(t *testing.T) {
	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"well past expiry", time.Now().Add(-time.Minute), true},
		{"inside grace period", time.Now().Add(-2 * time.Second), false},
		{"still valid", time.Now().Add(time.Hour), false},
		{"zero time never expires", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTokenExpired(tt.expiresAt); got != tt.want {
				t.Errorf("IsTokenExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTokenExpiredWithGracePeriod(t *testing.T) {
	expiredTenSecondsAgo := time.Now().Add(-10 * time.Second)

	if IsTokenExpiredWithGracePeriod(expiredTenSecondsAgo, 30*time.Second) {
		t.Error("expiry inside a 30s grace period reported as expired")
	}
	if !IsTokenExpiredWithGracePeriod(expiredTenSecondsAgo, 0) {
		t.Error("past expiry with zero grace reported as valid")
	}
}

func TestIsTokenExpiringSoon(t *testing.T) {
	if !IsTokenExpiringSoon(time.Now().Add(time.Minute), 5*time.Minute) {
		t.Error("expiry within the threshold not reported")
	}
	if IsTokenExpiringSoon(time.Now().Add(time.Hour), 5*time.Minute) {
		t.Error("distant expiry reported as soon")
	}
	if IsTokenExpiringSoon(time.Time{}, 5*time.Minute) {
		t.Error("zero time reported as expiring")
	}
}
