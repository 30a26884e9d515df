//go:build darwin

package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

type KeychainVault struct{}

func NewKeychainVault() (*KeychainVault, error) {
	if _, err := exec.LookPath("security"); err != nil {
		return nil, fmt.Errorf("keychain security binary not found: %w", err)
	}
	return &KeychainVault{}, nil
}

func (v *KeychainVault) service(key string) string {
	return "claudedeck:" + key
}

func (v *KeychainVault) Get(ctx context.Context, key string) (string, error) {
	cmd := exec.CommandContext(ctx, "security", "find-generic-password", "-a", "claudedeck", "-s", v.service(key), "-w")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if strings.Contains(strings.ToLower(stderr.String()), "could not be found") {
			return "", ErrKeyNotFound
		}
		return "", fmt.Errorf("read keychain entry: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (v *KeychainVault) Set(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("key is empty")
	}
	if value == "" {
		return errors.New("value is empty")
	}
	cmd := exec.CommandContext(ctx, "security", "add-generic-password", "-a", "claudedeck", "-s", v.service(key), "-w", value, "-U")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("store keychain entry: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (v *KeychainVault) Delete(ctx context.Context, key string) error {
	cmd := exec.CommandContext(ctx, "security", "delete-generic-password", "-a", "claudedeck", "-s", v.service(key))
	if out, err := cmd.CombinedOutput(); err != nil {
		if strings.Contains(strings.ToLower(string(out)), "could not be found") {
			return nil
		}
		return fmt.Errorf("delete keychain entry: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
