package creds

import (
	"testing"
	"time"
)

func TestRecordIsExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{name: "well in the future", expiresAt: now.Add(2 * time.Hour), want: false},
		{name: "just past the buffer", expiresAt: now.Add(ExpiryBuffer + time.Second), want: false},
		{name: "exactly at the buffer boundary", expiresAt: now.Add(ExpiryBuffer), want: true},
		{name: "inside the buffer", expiresAt: now.Add(ExpiryBuffer - time.Second), want: true},
		{name: "already past", expiresAt: now.Add(-10 * time.Second), want: true},
		{name: "zero expiry never expires", expiresAt: time.Time{}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := Record{AccessToken: "tok", ExpiresAt: tt.expiresAt}
			if got := record.IsExpired(now); got != tt.want {
				t.Fatalf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecordTimeRemaining(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	record := Record{ExpiresAt: now.Add(90 * time.Minute)}
	if got := record.TimeRemaining(now); got != 90*time.Minute {
		t.Fatalf("TimeRemaining() = %v, want 90m", got)
	}
	past := Record{ExpiresAt: now.Add(-10 * time.Second)}
	if got := past.TimeRemaining(now); got >= 0 {
		t.Fatalf("TimeRemaining() = %v, want negative", got)
	}
}
