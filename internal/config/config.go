package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	DefaultPollIntervalSeconds = 60
	DefaultRetentionDays       = 90
	DefaultAPIBaseURL          = "https://api.anthropic.com"
	DefaultAdminKeyEnv         = "ANTHROPIC_ADMIN_KEY"
)

type PollConfig struct {
	IntervalSeconds int `toml:"interval_seconds"`
}

type APIConfig struct {
	BaseURL string `toml:"base_url"`
}

type PathsConfig struct {
	ClaudeDir       string `toml:"claude_dir"`
	CredentialsFile string `toml:"credentials_file"`
	TokenConfigFile string `toml:"token_config_file"`
}

type HistoryConfig struct {
	DBPath        string `toml:"db_path"`
	RetentionDays int    `toml:"retention_days"`
}

type AdminConfig struct {
	OrganizationID string `toml:"organization_id"`
	APIKeyEnv      string `toml:"api_key_env"`
}

type Config struct {
	Poll    PollConfig    `toml:"poll"`
	API     APIConfig     `toml:"api"`
	Paths   PathsConfig   `toml:"paths"`
	History HistoryConfig `toml:"history"`
	Admin   AdminConfig   `toml:"admin"`
}

func Default() Config {
	return Config{
		Poll: PollConfig{
			IntervalSeconds: DefaultPollIntervalSeconds,
		},
		API: APIConfig{
			BaseURL: DefaultAPIBaseURL,
		},
		Paths: PathsConfig{
			ClaudeDir:       "~/.claude",
			CredentialsFile: "~/.claudedeck/accounts.json",
			TokenConfigFile: "~/.claudedeck/tokens.env",
		},
		History: HistoryConfig{
			DBPath:        "~/.claudedeck/history.db",
			RetentionDays: DefaultRetentionDays,
		},
		Admin: AdminConfig{
			APIKeyEnv: DefaultAdminKeyEnv,
		},
	}
}

func DefaultConfigPath() string {
	return "~/.claudedeck/config.toml"
}

func DataDir() string {
	return "~/.claudedeck"
}

func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", errors.New("path is empty")
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		if path == "~" {
			path = home
		} else {
			path = filepath.Join(home, strings.TrimPrefix(path, "~/"))
		}
	}
	return filepath.Clean(path), nil
}

func EnsureSecureDataDir() (string, error) {
	dir, err := ExpandPath(DataDir())
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return "", fmt.Errorf("set data dir perms: %w", err)
	}
	return dir, nil
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultConfigPath()
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return cfg, fmt.Errorf("expand config path: %w", err)
	}
	if _, err := os.Stat(expanded); err != nil {
		if os.IsNotExist(err) {
			return expandCfgPaths(cfg)
		}
		return cfg, fmt.Errorf("stat config: %w", err)
	}

	loaded := Config{}
	if _, err := toml.DecodeFile(expanded, &loaded); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}

	if loaded.Poll.IntervalSeconds != 0 {
		cfg.Poll.IntervalSeconds = loaded.Poll.IntervalSeconds
	}
	if loaded.API.BaseURL != "" {
		cfg.API.BaseURL = loaded.API.BaseURL
	}
	if loaded.Paths.ClaudeDir != "" {
		cfg.Paths.ClaudeDir = loaded.Paths.ClaudeDir
	}
	if loaded.Paths.CredentialsFile != "" {
		cfg.Paths.CredentialsFile = loaded.Paths.CredentialsFile
	}
	if loaded.Paths.TokenConfigFile != "" {
		cfg.Paths.TokenConfigFile = loaded.Paths.TokenConfigFile
	}
	if loaded.History.DBPath != "" {
		cfg.History.DBPath = loaded.History.DBPath
	}
	if loaded.History.RetentionDays != 0 {
		cfg.History.RetentionDays = loaded.History.RetentionDays
	}
	if loaded.Admin.OrganizationID != "" {
		cfg.Admin.OrganizationID = loaded.Admin.OrganizationID
	}
	if loaded.Admin.APIKeyEnv != "" {
		cfg.Admin.APIKeyEnv = loaded.Admin.APIKeyEnv
	}

	if cfg.Poll.IntervalSeconds < 0 {
		return cfg, fmt.Errorf("poll.interval_seconds must be >= 0, got %d", cfg.Poll.IntervalSeconds)
	}

	return expandCfgPaths(cfg)
}

func expandCfgPaths(cfg Config) (Config, error) {
	var err error
	if cfg.Paths.ClaudeDir, err = ExpandPath(cfg.Paths.ClaudeDir); err != nil {
		return cfg, fmt.Errorf("expand claude dir: %w", err)
	}
	if cfg.Paths.CredentialsFile, err = ExpandPath(cfg.Paths.CredentialsFile); err != nil {
		return cfg, fmt.Errorf("expand credentials file: %w", err)
	}
	if cfg.Paths.TokenConfigFile, err = ExpandPath(cfg.Paths.TokenConfigFile); err != nil {
		return cfg, fmt.Errorf("expand token config file: %w", err)
	}
	if cfg.History.DBPath, err = ExpandPath(cfg.History.DBPath); err != nil {
		return cfg, fmt.Errorf("expand db path: %w", err)
	}
	return cfg, nil
}

func Save(path string, cfg Config) error {
	if path == "" {
		path = DefaultConfigPath()
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return fmt.Errorf("expand config path: %w", err)
	}

	dir := filepath.Dir(expanded)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil && !os.IsPermission(err) {
		return fmt.Errorf("set config directory perms: %w", err)
	}

	tmpPath := expanded + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open temp config file: %w", err)
	}
	encodeErr := toml.NewEncoder(file).Encode(cfg)
	syncErr := file.Sync()
	closeErr := file.Close()
	if encodeErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("encode config: %w", encodeErr)
	}
	if syncErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp config file: %w", syncErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp config file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, expanded); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace config file: %w", err)
	}
	if err := os.Chmod(expanded, 0o600); err != nil && !os.IsPermission(err) {
		return fmt.Errorf("set config file perms: %w", err)
	}
	return nil
}
