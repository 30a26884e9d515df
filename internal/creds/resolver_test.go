package creds

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

type memStore struct {
	records map[string]Record
	legacy  map[string]string
	putErr  error
}

func newMemStore() *memStore {
	return &memStore{records: map[string]Record{}, legacy: map[string]string{}}
}

func (s *memStore) GetRecord(_ context.Context, accountID string) (Record, error) {
	record, ok := s.records[accountID]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return record, nil
}

func (s *memStore) PutRecord(_ context.Context, accountID string, record Record) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.records[accountID] = record
	return nil
}

func (s *memStore) DeleteRecord(_ context.Context, accountID string) error {
	delete(s.records, accountID)
	delete(s.legacy, accountID)
	return nil
}

func (s *memStore) GetLegacyToken(_ context.Context, accountID string) (string, error) {
	token, ok := s.legacy[accountID]
	if !ok {
		return "", ErrRecordNotFound
	}
	return token, nil
}

func (s *memStore) PutLegacyToken(_ context.Context, accountID, token string) error {
	s.legacy[accountID] = token
	return nil
}

type fakeHost struct {
	record Record
	err    error
}

func (h *fakeHost) ReadHostCredentials(context.Context) (Record, error) {
	return h.record, h.err
}

func testResolver(t *testing.T, store Store, host HostReader) *Resolver {
	t.Helper()
	source := NewConfigSource(filepath.Join(t.TempDir(), "missing.env"))
	return NewResolver(source, store, nil, host, nil)
}

func fixedNow() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func TestResolveTokenConfigWinsOverUnexpiredRecord(t *testing.T) {
	t.Setenv("CLAUDE_WORK_TOKEN", "config-token")
	t.Setenv("CLAUDE_WORK_REFRESH", "config-refresh")

	store := newMemStore()
	store.records["acct1"] = Record{AccessToken: "stored-token", ExpiresAt: fixedNow().Add(2 * time.Hour)}

	r := testResolver(t, store, nil)
	r.now = fixedNow

	token, err := r.ResolveToken(context.Background(), Account{ID: "acct1", Name: "Work"})
	if err != nil {
		t.Fatalf("ResolveToken() error = %v", err)
	}
	if token != "config-token" {
		t.Fatalf("token = %s, want config-token", token)
	}
	if r.TokenExpiredOrMissing(context.Background(), Account{ID: "acct1", Name: "Work"}) {
		t.Fatalf("config-sourced account must never report expired")
	}
}

func TestResolveTokenUsesUnexpiredRecord(t *testing.T) {
	store := newMemStore()
	store.records["acct1"] = Record{AccessToken: "stored-token", ExpiresAt: fixedNow().Add(time.Hour)}

	r := testResolver(t, store, nil)
	r.now = fixedNow

	token, err := r.ResolveToken(context.Background(), Account{ID: "acct1", Name: "Work"})
	if err != nil {
		t.Fatalf("ResolveToken() error = %v", err)
	}
	if token != "stored-token" {
		t.Fatalf("token = %s, want stored-token", token)
	}
}

func TestResolveTokenExpiredRecord(t *testing.T) {
	store := newMemStore()
	store.records["acct1"] = Record{AccessToken: "stored-token", ExpiresAt: fixedNow().Add(-10 * time.Second)}
	// A legacy token must not rescue an account whose record is expired.
	store.legacy["acct1"] = "legacy-token"

	r := testResolver(t, store, nil)
	r.now = fixedNow

	account := Account{ID: "acct1", Name: "Work"}
	_, err := r.ResolveToken(context.Background(), account)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("ResolveToken() error = %v, want ErrTokenExpired", err)
	}
	if !r.TokenExpiredOrMissing(context.Background(), account) {
		t.Fatalf("TokenExpiredOrMissing() = false, want true")
	}
	if got := r.ExpiryDescription(context.Background(), account); got != "Expired" {
		t.Fatalf("ExpiryDescription() = %q, want Expired", got)
	}
}

func TestResolveTokenLegacyFallback(t *testing.T) {
	store := newMemStore()
	store.legacy["acct1"] = "legacy-token"

	r := testResolver(t, store, nil)
	r.now = fixedNow

	token, err := r.ResolveToken(context.Background(), Account{ID: "acct1", Name: "Work"})
	if err != nil {
		t.Fatalf("ResolveToken() error = %v", err)
	}
	if token != "legacy-token" {
		t.Fatalf("token = %s, want legacy-token", token)
	}
}

func TestResolveTokenNothingConfigured(t *testing.T) {
	r := testResolver(t, newMemStore(), nil)
	r.now = fixedNow

	_, err := r.ResolveToken(context.Background(), Account{ID: "acct1", Name: "Work"})
	if !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("ResolveToken() error = %v, want ErrTokenNotFound", err)
	}
}

func TestImportHostCredentials(t *testing.T) {
	store := newMemStore()
	host := &fakeHost{record: Record{
		AccessToken:  "imported-access",
		RefreshToken: "imported-refresh",
		ExpiresAt:    fixedNow().Add(8 * time.Hour),
	}}

	r := testResolver(t, store, host)
	r.now = fixedNow

	if err := r.ImportHostCredentials(context.Background(), "acct1"); err != nil {
		t.Fatalf("ImportHostCredentials() error = %v", err)
	}
	record := store.records["acct1"]
	if record.AccessToken != "imported-access" || record.RefreshToken != "imported-refresh" {
		t.Fatalf("stored record = %+v", record)
	}
	if store.legacy["acct1"] != "imported-access" {
		t.Fatalf("legacy token = %s, want imported-access", store.legacy["acct1"])
	}

	// Importing again with identical host credentials must leave the same
	// stored record.
	if err := r.ImportHostCredentials(context.Background(), "acct1"); err != nil {
		t.Fatalf("second ImportHostCredentials() error = %v", err)
	}
	if store.records["acct1"] != record {
		t.Fatalf("record changed across idempotent import: %+v", store.records["acct1"])
	}
}

func TestImportHostCredentialsEmptyHost(t *testing.T) {
	r := testResolver(t, newMemStore(), &fakeHost{err: ErrRecordNotFound})
	if err := r.ImportHostCredentials(context.Background(), "acct1"); err == nil {
		t.Fatalf("expected import to fail when host holds no credentials")
	}
}

func TestExpiryDescription(t *testing.T) {
	now := fixedNow()
	tests := []struct {
		name      string
		expiresAt time.Time
		want      string
	}{
		{name: "hours and minutes", expiresAt: now.Add(2*time.Hour + 5*time.Minute), want: "2h 5m remaining"},
		{name: "minutes only", expiresAt: now.Add(42 * time.Minute), want: "42m remaining"},
		{name: "past", expiresAt: now.Add(-time.Minute), want: "Expired"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			store.records["acct1"] = Record{AccessToken: "tok", ExpiresAt: tt.expiresAt}
			r := testResolver(t, store, nil)
			r.now = fixedNow
			if got := r.ExpiryDescription(context.Background(), Account{ID: "acct1", Name: "Work"}); got != tt.want {
				t.Fatalf("ExpiryDescription() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExpiryDescriptionFromConfig(t *testing.T) {
	t.Setenv("CLAUDE_WORK_TOKEN", "a")
	t.Setenv("CLAUDE_WORK_REFRESH", "b")

	r := testResolver(t, newMemStore(), nil)
	if got := r.ExpiryDescription(context.Background(), Account{ID: "acct1", Name: "Work"}); got != "From config" {
		t.Fatalf("ExpiryDescription() = %q, want From config", got)
	}
}

func TestExpiryDescriptionNoRecord(t *testing.T) {
	r := testResolver(t, newMemStore(), nil)
	if got := r.ExpiryDescription(context.Background(), Account{ID: "acct1", Name: "Work"}); got != "" {
		t.Fatalf("ExpiryDescription() = %q, want empty", got)
	}
}
