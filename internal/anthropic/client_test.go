package anthropic

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/macfox/claudedeck/internal/creds"
)

func TestFetchUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/oauth/usage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %s", got)
		}
		if got := r.Header.Get("anthropic-beta"); got != "oauth-2025-04-20" {
			t.Errorf("anthropic-beta = %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"five_hour": {"utilization": 42.5, "resets_at": "2025-06-01T15:00:00Z"},
			"seven_day": {"utilization": 10.0, "resets_at": null},
			"seven_day_opus": null
		}`))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	usage, err := client.FetchUsage(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("FetchUsage() error = %v", err)
	}
	if usage.FiveHour == nil || usage.FiveHour.Utilization != 42.5 {
		t.Fatalf("FiveHour = %+v", usage.FiveHour)
	}
	if usage.FiveHour.ResetsAt == nil || *usage.FiveHour.ResetsAt != "2025-06-01T15:00:00Z" {
		t.Fatalf("FiveHour.ResetsAt = %v", usage.FiveHour.ResetsAt)
	}
	if usage.SevenDay == nil || usage.SevenDay.ResetsAt != nil {
		t.Fatalf("SevenDay = %+v", usage.SevenDay)
	}
	if usage.SevenDayOpus != nil {
		t.Fatalf("SevenDayOpus = %+v, want nil", usage.SevenDayOpus)
	}
}

func TestFetchUsageUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.FetchUsage(context.Background(), "stale")
	if !errors.Is(err, creds.ErrTokenExpired) {
		t.Fatalf("FetchUsage() error = %v, want ErrTokenExpired", err)
	}
}

func TestFetchUsageServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.FetchUsage(context.Background(), "tok")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("FetchUsage() error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("StatusCode = %d", apiErr.StatusCode)
	}
}

func TestFetchProfile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/oauth/profile" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"account": {"uuid": "ext-123", "email_address": "me@example.com"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	profile, err := client.FetchProfile(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("FetchProfile() error = %v", err)
	}
	if profile.Email != "me@example.com" || profile.CorrelationID != "ext-123" {
		t.Fatalf("profile = %+v", profile)
	}
}

func TestFetchAdminUsageAggregatesByMember(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/organizations/usage_report/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "admin-key" {
			t.Errorf("x-api-key = %s", got)
		}
		if got := r.Header.Get("anthropic-version"); got != "2023-06-01" {
			t.Errorf("anthropic-version = %s", got)
		}
		if got := r.URL.Query().Get("starting_at"); got != "2025-06-01T00:00:00Z" {
			t.Errorf("starting_at = %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data": [
			{"results": [
				{"api_key_id": "k1", "uncached_input_tokens": 100, "cache_creation_input_tokens": 20, "cache_read_input_tokens": 5, "output_tokens": 50},
				{"api_key_id": "k2", "uncached_input_tokens": 10, "output_tokens": 1}
			]},
			{"results": [
				{"api_key_id": "k1", "uncached_input_tokens": 75, "output_tokens": 25}
			]}
		]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	members, err := client.FetchAdminUsage(context.Background(), "admin-key", "2025-06-01")
	if err != nil {
		t.Fatalf("FetchAdminUsage() error = %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("got %d members, want 2", len(members))
	}
	if members[0].Member != "k1" || members[0].InputTokens != 200 || members[0].OutputTokens != 75 {
		t.Fatalf("k1 totals = %+v", members[0])
	}
	if members[1].Member != "k2" || members[1].InputTokens != 10 || members[1].OutputTokens != 1 {
		t.Fatalf("k2 totals = %+v", members[1])
	}
}
