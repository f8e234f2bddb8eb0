package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
// Every field can be overridden by the environment variable in its env tag.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Sync    ConfigSync    `toml:"sync"`
}

// ConfigDefault holds endpoint and logging settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url" env:"CHATSYNC_BASE_URL,overwrite"`
	RealtimeURL string `toml:"realtime_url" env:"CHATSYNC_REALTIME_URL,overwrite"`
	LogLevel    string `toml:"log_level" env:"CHATSYNC_LOG_LEVEL,overwrite"`
}

// ConfigAuth holds the session credentials.
type ConfigAuth struct {
	Token        string `toml:"token" env:"CHATSYNC_TOKEN,overwrite"`
	UserID       string `toml:"user_id" env:"CHATSYNC_USER_ID,overwrite"`
	TokenExpires string `toml:"token_expires" env:"CHATSYNC_TOKEN_EXPIRES,overwrite"`
}

// ConfigSync holds local store and outbox settings.
type ConfigSync struct {
	Database   string `toml:"database" env:"CHATSYNC_DATABASE,overwrite"`
	RetryLimit int    `toml:"retry_limit" env:"CHATSYNC_RETRY_LIMIT,overwrite"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file and applies environment overrides.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return readConfig(path, envconfig.OsLookuper())
}

// readConfig parses the file at path, if any, then overlays the variables
// visible through l.
func readConfig(path string, l envconfig.Lookuper) (*Config, error) {
	cfg, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	if err := envconfig.ProcessWith(context.Background(), cfg, l); err != nil {
		return nil, fmt.Errorf("parsing env vars: %w", err)
	}
	return cfg, nil
}

// readConfigFile reads and parses the config file without environment
// overrides. If the file does not exist, it returns a zero-value Config.
func readConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// updateConfigFile applies fn to the on-disk config and writes it back.
// Environment overrides are never persisted.
func updateConfigFile(fn func(*Config) error) (string, error) {
	path, err := configPath()
	if err != nil {
		return "", err
	}
	cfg, err := readConfigFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	if err := fn(cfg); err != nil {
		return "", err
	}
	if err := writeConfig(path, cfg); err != nil {
		return "", fmt.Errorf("failed to save config: %w", err)
	}
	return path, nil
}

// writeConfig writes the config struct to path as TOML.
func writeConfig(path string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. auth.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "realtime_url":
			cfg.Default.RealtimeURL = value
		case "log_level":
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "token_expires":
			cfg.Auth.TokenExpires = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "sync":
		switch field {
		case "database":
			cfg.Sync.Database = value
		case "retry_limit":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return fmt.Errorf("retry_limit must be a non-negative integer")
			}
			cfg.Sync.RetryLimit = n
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, sync)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var logLevelFlag string

var rootCmd = &cobra.Command{
	Use:          "chatsync",
	Short:        "chatsync CLI",
	Long:         "Command-line client for the chatsync realtime and offline-sync core.\nListen to conversations, send through the outbox, and inspect the local cache.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (trace, debug, info, warn, error); overrides default.log_level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
