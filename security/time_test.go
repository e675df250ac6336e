package security

import (
	"testing"
	"time"
)

func TestIsExpiredAt(t *testing.T) {
	now := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		skew      time.Duration
		want      bool
	}{
		{"expired 10 minutes ago", now.Add(-10 * time.Minute), DefaultClockSkew, true},
		{"expires in 10 minutes", now.Add(10 * time.Minute), DefaultClockSkew, false},
		{"expired 1 second ago, within skew", now.Add(-time.Second), DefaultClockSkew, false},
		{"expired 10 seconds ago, beyond skew", now.Add(-10 * time.Second), DefaultClockSkew, true},
		{"expired 1 second ago, no skew", now.Add(-time.Second), 0, true},
		{"expires exactly now, no skew", now, 0, false},
		{"zero time never expires", time.Time{}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpiredAt(now, tt.expiresAt, tt.skew); got != tt.want {
				t.Errorf("IsExpiredAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsNotYetValidAt(t *testing.T) {
	now := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		notBefore time.Time
		skew      time.Duration
		want      bool
	}{
		{"valid since a minute", now.Add(-time.Minute), DefaultClockSkew, false},
		{"valid in 3 seconds, within skew", now.Add(3 * time.Second), DefaultClockSkew, false},
		{"valid in a minute", now.Add(time.Minute), DefaultClockSkew, true},
		{"zero time", time.Time{}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotYetValidAt(now, tt.notBefore, tt.skew); got != tt.want {
				t.Errorf("IsNotYetValidAt() = %v, want %v", got, tt.want)
			}
		})
	}
}
