package vault

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/macfox/claudedeck/internal/creds"
)

func openTestVault(t *testing.T) *EncryptedFileVault {
	t.Helper()
	v, err := NewEncryptedFileVault(Options{
		Passphrase: "test-passphrase",
		FilePath:   filepath.Join(t.TempDir(), "vault.enc"),
	})
	if err != nil {
		t.Fatalf("NewEncryptedFileVault() error = %v", err)
	}
	return v
}

func TestEncryptedFileVaultRoundTrip(t *testing.T) {
	v := openTestVault(t)
	ctx := context.Background()

	if err := v.Set(ctx, "key1", "value1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := v.Get(ctx, "key1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "value1" {
		t.Fatalf("Get() = %s, want value1", got)
	}

	if err := v.Delete(ctx, "key1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := v.Get(ctx, "key1"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Get() after delete error = %v, want ErrKeyNotFound", err)
	}
}

func TestEncryptedFileVaultPersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.enc")
	opts := Options{Passphrase: "test-passphrase", FilePath: path}

	v, err := NewEncryptedFileVault(opts)
	if err != nil {
		t.Fatalf("NewEncryptedFileVault() error = %v", err)
	}
	if err := v.Set(context.Background(), "key1", "value1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	reopened, err := NewEncryptedFileVault(opts)
	if err != nil {
		t.Fatalf("NewEncryptedFileVault() error = %v", err)
	}
	got, err := reopened.Get(context.Background(), "key1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "value1" {
		t.Fatalf("Get() = %s, want value1", got)
	}
}

func TestEncryptedFileVaultWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.enc")

	v, err := NewEncryptedFileVault(Options{Passphrase: "correct", FilePath: path})
	if err != nil {
		t.Fatalf("NewEncryptedFileVault() error = %v", err)
	}
	if err := v.Set(context.Background(), "key1", "value1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	wrong, err := NewEncryptedFileVault(Options{Passphrase: "incorrect", FilePath: path})
	if err != nil {
		t.Fatalf("NewEncryptedFileVault() error = %v", err)
	}
	if _, err := wrong.Get(context.Background(), "key1"); err == nil {
		t.Fatalf("Get() with wrong passphrase succeeded")
	}
}

func TestEncryptedFileVaultRequiresPassphrase(t *testing.T) {
	t.Setenv("CLAUDEDECK_VAULT_PASSPHRASE", "")
	_, err := NewEncryptedFileVault(Options{FilePath: filepath.Join(t.TempDir(), "vault.enc")})
	if err == nil {
		t.Fatalf("NewEncryptedFileVault() succeeded without a passphrase")
	}
}

func TestEncryptedFileVaultFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.enc")
	v, err := NewEncryptedFileVault(Options{Passphrase: "test", FilePath: path})
	if err != nil {
		t.Fatalf("NewEncryptedFileVault() error = %v", err)
	}
	if err := v.Set(context.Background(), "key1", "value1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("vault file mode = %o, want 600", perm)
	}
}

func TestStoreRecordRoundTrip(t *testing.T) {
	store := NewStore(openTestVault(t))
	ctx := context.Background()

	record := creds.Record{
		AccessToken:   "access",
		RefreshToken:  "refresh",
		ExpiresAt:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Email:         "me@example.com",
		CorrelationID: "ext-1",
	}
	if err := store.PutRecord(ctx, "acct1", record); err != nil {
		t.Fatalf("PutRecord() error = %v", err)
	}
	got, err := store.GetRecord(ctx, "acct1")
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if got.AccessToken != record.AccessToken || !got.ExpiresAt.Equal(record.ExpiresAt) {
		t.Fatalf("GetRecord() = %+v", got)
	}
	if got.Email != record.Email || got.CorrelationID != record.CorrelationID {
		t.Fatalf("metadata = %q / %q", got.Email, got.CorrelationID)
	}
}

func TestStoreMissingRecord(t *testing.T) {
	store := NewStore(openTestVault(t))
	if _, err := store.GetRecord(context.Background(), "missing"); !errors.Is(err, creds.ErrRecordNotFound) {
		t.Fatalf("GetRecord() error = %v, want ErrRecordNotFound", err)
	}
}

func TestStoreLegacyToken(t *testing.T) {
	store := NewStore(openTestVault(t))
	ctx := context.Background()

	if err := store.PutLegacyToken(ctx, "acct1", "plain-token"); err != nil {
		t.Fatalf("PutLegacyToken() error = %v", err)
	}
	token, err := store.GetLegacyToken(ctx, "acct1")
	if err != nil {
		t.Fatalf("GetLegacyToken() error = %v", err)
	}
	if token != "plain-token" {
		t.Fatalf("GetLegacyToken() = %s", token)
	}

	if err := store.DeleteRecord(ctx, "acct1"); err != nil {
		t.Fatalf("DeleteRecord() error = %v", err)
	}
	if _, err := store.GetLegacyToken(ctx, "acct1"); !errors.Is(err, creds.ErrRecordNotFound) {
		t.Fatalf("GetLegacyToken() after delete error = %v, want ErrRecordNotFound", err)
	}
}
