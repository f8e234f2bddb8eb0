package main

import (
	"fmt"
	"strconv"

	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

var revealFlag bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&revealFlag, "reveal", false, "Print the token unmasked")
}

// configField describes one settable key for display.
type configField struct {
	key    string
	env    string
	def    string
	secret bool
	get    func(*Config) string
}

var configFields = []configField{
	{key: "default.base_url", env: "CHATSYNC_BASE_URL", def: chatsync.DefaultBaseURL, get: func(c *Config) string { return c.Default.BaseURL }},
	{key: "default.realtime_url", env: "CHATSYNC_REALTIME_URL", def: "(next to the API)", get: func(c *Config) string { return c.Default.RealtimeURL }},
	{key: "default.log_level", env: "CHATSYNC_LOG_LEVEL", def: "warn", get: func(c *Config) string { return c.Default.LogLevel }},
	{key: "auth.token", env: "CHATSYNC_TOKEN", secret: true, get: func(c *Config) string { return c.Auth.Token }},
	{key: "auth.user_id", env: "CHATSYNC_USER_ID", get: func(c *Config) string { return c.Auth.UserID }},
	{key: "auth.token_expires", env: "CHATSYNC_TOKEN_EXPIRES", get: func(c *Config) string { return c.Auth.TokenExpires }},
	{key: "sync.database", env: "CHATSYNC_DATABASE", def: "~/.chatsync/<user_id>.db", get: func(c *Config) string { return c.Sync.Database }},
	{key: "sync.retry_limit", env: "CHATSYNC_RETRY_LIMIT", def: "0 (never report stalled sends)", get: func(c *Config) string {
		if c.Sync.RetryLimit == 0 {
			return ""
		}
		return strconv.Itoa(c.Sync.RetryLimit)
	}},
}

// configEntry is one resolved setting and where its value came from.
type configEntry struct {
	Key    string
	Value  string
	Source string
}

// resolveConfig reports the effective value of every key: the environment
// wins over the file, and unset keys show their default.
func resolveConfig(path string, l envconfig.Lookuper, reveal bool) ([]configEntry, error) {
	file, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	effective, err := readConfig(path, l)
	if err != nil {
		return nil, err
	}

	entries := make([]configEntry, 0, len(configFields))
	for _, f := range configFields {
		e := configEntry{Key: f.key, Value: f.get(effective)}
		switch {
		case envSet(l, f.env):
			e.Source = "env " + f.env
		case f.get(file) != "":
			e.Source = "file"
		default:
			e.Source = "default"
			e.Value = f.def
		}
		if f.secret && !reveal && e.Value != "" {
			e.Value = maskKey(e.Value)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func envSet(l envconfig.Lookuper, name string) bool {
	v, ok := l.Lookup(name)
	return ok && v != ""
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.\nCHATSYNC_* environment variables override the file.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print every setting with the value in effect and whether it came from the environment, the config file or a default.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		entries, err := resolveConfig(path, envconfig.OsLookuper(), revealFlag)
		if err != nil {
			return err
		}
		fmt.Printf("# %s\n", path)
		for _, e := range entries {
			value := e.Value
			if value == "" {
				value = "(not set)"
			}
			fmt.Printf("%-20s = %-40s [%s]\n", e.Key, value, e.Source)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value in the config file using dot notation.\nExample: chatsync config set sync.retry_limit 5",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if _, err := updateConfigFile(func(cfg *Config) error {
			return setConfigValue(cfg, key, value)
		}); err != nil {
			return err
		}

		shown := value
		for _, f := range configFields {
			if f.key != key {
				continue
			}
			if f.secret {
				shown = maskKey(value)
			}
			if envSet(envconfig.OsLookuper(), f.env) {
				fmt.Printf("Note: %s is set and overrides this value.\n", f.env)
			}
		}
		fmt.Printf("Set %s = %s\n", key, shown)
		return nil
	},
}
