package creds

import (
	"os"
	"strings"
)

// ConfigCredential is an ephemeral credential derived from the environment or
// the token config file. It is never persisted and has no expiry; whoever
// configured it owns its lifecycle.
type ConfigCredential struct {
	AccessToken  string
	RefreshToken string
}

// ConfigSource resolves statically configured credentials by account label.
// Environment variables win over the config file; a credential is usable only
// when both the access and refresh values are present.
type ConfigSource struct {
	filePath string
}

func NewConfigSource(filePath string) *ConfigSource {
	return &ConfigSource{filePath: filePath}
}

// Lookup returns the configured credential for label, or ok=false when the
// configuration is missing or partial. Partial configuration is treated as
// absent, never as an error.
func (s *ConfigSource) Lookup(label string) (ConfigCredential, bool) {
	tokenKey, refreshKey := configKeys(label)
	if tokenKey == "" {
		return ConfigCredential{}, false
	}

	access := strings.TrimSpace(os.Getenv(tokenKey))
	refresh := strings.TrimSpace(os.Getenv(refreshKey))
	if access != "" && refresh != "" {
		return ConfigCredential{AccessToken: access, RefreshToken: refresh}, true
	}

	values := s.readFile()
	if access == "" {
		access = values[tokenKey]
	}
	if refresh == "" {
		refresh = values[refreshKey]
	}
	if access == "" || refresh == "" {
		return ConfigCredential{}, false
	}
	return ConfigCredential{AccessToken: access, RefreshToken: refresh}, true
}

// configKeys derives the env/file key pair for an account label,
// e.g. "personal" -> CLAUDE_PERSONAL_TOKEN / CLAUDE_PERSONAL_REFRESH.
func configKeys(label string) (string, string) {
	label = strings.TrimSpace(label)
	if label == "" {
		return "", ""
	}
	normalized := strings.ToUpper(strings.ReplaceAll(label, " ", "_"))
	return "CLAUDE_" + normalized + "_TOKEN", "CLAUDE_" + normalized + "_REFRESH"
}

// readFile parses the KEY=VALUE token config file. Blank lines and lines
// starting with # are skipped; the value is everything after the first '=',
// trimmed. Any read failure yields an empty map.
func (s *ConfigSource) readFile() map[string]string {
	out := map[string]string{}
	if s == nil || s.filePath == "" {
		return out
	}
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return out
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}
