package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/macfox/claudedeck/internal/config"
	"github.com/macfox/claudedeck/internal/creds"
)

var ErrKeyNotFound = errors.New("key not found")

// Vault is an OS-protected key/value capability. Values are opaque strings;
// access control is enforced by the backend (keychain ACLs or an encrypted
// file with owner-only permissions).
type Vault interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

type Options struct {
	Passphrase string
	FilePath   string
}

// NewDefault picks the keychain backend on darwin and the encrypted file
// everywhere else. CLAUDEDECK_VAULT_BACKEND=file forces the file backend.
func NewDefault(opts Options) (Vault, error) {
	if backend := strings.ToLower(strings.TrimSpace(os.Getenv("CLAUDEDECK_VAULT_BACKEND"))); backend == "file" {
		return NewEncryptedFileVault(opts)
	}
	if runtime.GOOS == "darwin" {
		if v, err := NewKeychainVault(); err == nil {
			return v, nil
		}
	}
	return NewEncryptedFileVault(opts)
}

func defaultFilePath() (string, error) {
	dir, err := config.EnsureSecureDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "vault.enc"), nil
}

const (
	recordKeyPrefix = "creds:"
	legacyKeyPrefix = "token:"
)

// Store adapts a Vault into the per-account credential store the resolver
// consumes. Records are stored as JSON under "creds:<id>", legacy plain
// tokens under "token:<id>".
type Store struct {
	vault Vault
}

func NewStore(v Vault) *Store {
	return &Store{vault: v}
}

func (s *Store) GetRecord(ctx context.Context, accountID string) (creds.Record, error) {
	raw, err := s.vault.Get(ctx, recordKeyPrefix+accountID)
	if err != nil {
		return creds.Record{}, mapNotFound(err)
	}
	var record creds.Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return creds.Record{}, fmt.Errorf("decode credential record: %w", err)
	}
	return record, nil
}

func (s *Store) PutRecord(ctx context.Context, accountID string, record creds.Record) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode credential record: %w", err)
	}
	if err := s.vault.Set(ctx, recordKeyPrefix+accountID, string(raw)); err != nil {
		return fmt.Errorf("store credential record: %w", err)
	}
	return nil
}

func (s *Store) DeleteRecord(ctx context.Context, accountID string) error {
	if err := s.vault.Delete(ctx, recordKeyPrefix+accountID); err != nil && !errors.Is(err, ErrKeyNotFound) {
		return fmt.Errorf("delete credential record: %w", err)
	}
	if err := s.vault.Delete(ctx, legacyKeyPrefix+accountID); err != nil && !errors.Is(err, ErrKeyNotFound) {
		return fmt.Errorf("delete legacy token: %w", err)
	}
	return nil
}

func (s *Store) GetLegacyToken(ctx context.Context, accountID string) (string, error) {
	token, err := s.vault.Get(ctx, legacyKeyPrefix+accountID)
	if err != nil {
		return "", mapNotFound(err)
	}
	return token, nil
}

func (s *Store) PutLegacyToken(ctx context.Context, accountID, token string) error {
	if err := s.vault.Set(ctx, legacyKeyPrefix+accountID, token); err != nil {
		return fmt.Errorf("store legacy token: %w", err)
	}
	return nil
}

func mapNotFound(err error) error {
	if errors.Is(err, ErrKeyNotFound) {
		return creds.ErrRecordNotFound
	}
	return err
}
