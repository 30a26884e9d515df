package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/macfox/claudedeck/internal/creds"
)

// hostKeychainService is the keychain entry Claude Code writes its OAuth
// credentials under.
const hostKeychainService = "Claude Code-credentials"

// hostCredentialsFile is where Claude Code persists credentials on platforms
// without a keychain, relative to its config dir.
const hostCredentialsFile = ".credentials.json"

type hostPayload struct {
	ClaudeAiOauth *hostOAuthEntry `json:"claudeAiOauth"`
}

type hostOAuthEntry struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken"`
	ExpiresAt        int64  `json:"expiresAt"` // milliseconds since epoch
	SubscriptionType string `json:"subscriptionType"`
}

// HostSource reads the OAuth credentials the host application (Claude Code)
// currently holds. The artifacts are externally owned; reads are defensive
// and never take locks.
type HostSource struct {
	claudeDir string
}

func NewHostSource(claudeDir string) *HostSource {
	return &HostSource{claudeDir: claudeDir}
}

// ReadHostCredentials returns the host's current credential record, or
// ErrKeyNotFound when the host holds none.
func (h *HostSource) ReadHostCredentials(ctx context.Context) (creds.Record, error) {
	raw, err := h.readPayload(ctx)
	if err != nil {
		return creds.Record{}, err
	}
	var payload hostPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return creds.Record{}, fmt.Errorf("decode host credentials: %w", err)
	}
	entry := payload.ClaudeAiOauth
	if entry == nil || entry.AccessToken == "" {
		return creds.Record{}, ErrKeyNotFound
	}
	record := creds.Record{
		AccessToken:  entry.AccessToken,
		RefreshToken: entry.RefreshToken,
	}
	if entry.ExpiresAt > 0 {
		record.ExpiresAt = time.UnixMilli(entry.ExpiresAt)
	}
	return record, nil
}

// Fingerprint returns a stable digest of the host's current credential
// payload, used to detect external logins and account switches. Absence of
// credentials is a valid fingerprint state, returned as an empty string.
func (h *HostSource) Fingerprint(ctx context.Context) (string, error) {
	raw, err := h.readPayload(ctx)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return "", nil
		}
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func (h *HostSource) readPayload(ctx context.Context) ([]byte, error) {
	if runtime.GOOS == "darwin" {
		if raw, err := readHostKeychain(ctx); err == nil {
			return raw, nil
		}
	}
	path := filepath.Join(h.claudeDir, hostCredentialsFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("read host credentials file: %w", err)
	}
	return raw, nil
}

func readHostKeychain(ctx context.Context) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "security", "find-generic-password", "-s", hostKeychainService, "-w")
	out, err := cmd.Output()
	if err != nil {
		return nil, ErrKeyNotFound
	}
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return nil, ErrKeyNotFound
	}
	return []byte(trimmed), nil
}
