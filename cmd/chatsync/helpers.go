package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/LuminPulse-AI/chatsync/sqlitestore"
)

// newLogger writes human-readable logs to stderr. The --log-level flag wins
// over default.log_level.
func newLogger(cfg *Config) zerolog.Logger {
	level := zerolog.WarnLevel
	name := cfg.Default.LogLevel
	if logLevelFlag != "" {
		name = logLevelFlag
	}
	if name != "" {
		if l, err := zerolog.ParseLevel(strings.ToLower(name)); err == nil {
			level = l
		} else {
			fmt.Fprintf(os.Stderr, "Ignoring unknown log level %q\n", name)
		}
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()
}

// requireSession loads the config and checks that a token and user are set.
func requireSession() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		return nil, fmt.Errorf("no session configured; run 'chatsync init <token> --user-id <id>' first")
	}
	return cfg, nil
}

// getClient creates a backend client authenticated with the session token.
func getClient(cfg *Config) *chatsync.Client {
	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatsync.NewClient(cfg.Auth.Token, opts...)
}

// realtimeURL returns the configured realtime endpoint, or the one served
// next to the API.
func realtimeURL(cfg *Config, client *chatsync.Client) string {
	if cfg.Default.RealtimeURL != "" {
		return cfg.Default.RealtimeURL
	}
	return client.BaseURL() + "/realtime/v1/websocket"
}

// databasePath returns sync.database, defaulting to a per-user file next to
// the config.
func databasePath(cfg *Config) (string, error) {
	if cfg.Sync.Database != "" {
		return cfg.Sync.Database, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, cfg.Auth.UserID+".db"), nil
}

func openStore(cfg *Config, log zerolog.Logger) (*sqlitestore.Store, error) {
	path, err := databasePath(cfg)
	if err != nil {
		return nil, err
	}
	store, err := sqlitestore.Open(path, sqlitestore.Options{Logger: &log})
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	return store, nil
}

// newEngine builds a standalone SyncEngine over the local store, for
// commands that only touch the outbox.
func newEngine(cfg *Config, store chatsync.Store, log zerolog.Logger) *chatsync.SyncEngine {
	return chatsync.NewSyncEngine(store, getClient(cfg), nil, chatsync.SyncOptions{
		RetryLimit: cfg.Sync.RetryLimit,
		Logger:     &log,
	})
}

// newCore wires a Core for the configured session.
func newCore(cfg *Config, store chatsync.Store, presenter chatsync.Presenter, log zerolog.Logger) (*chatsync.Core, error) {
	client := getClient(cfg)
	transport := chatsync.NewWSTransport(chatsync.WSConfig{
		URL:    realtimeURL(cfg, client),
		Token:  cfg.Auth.Token,
		Logger: &log,
	})
	return chatsync.New(
		chatsync.WithClient(client),
		chatsync.WithTransport(transport),
		chatsync.WithStore(store),
		chatsync.WithPresenter(presenter),
		chatsync.WithLogger(log),
		chatsync.WithSyncOptions(chatsync.SyncOptions{RetryLimit: cfg.Sync.RetryLimit}),
	)
}

// terminalPresenter prints notifications to stdout.
type terminalPresenter struct{}

func (terminalPresenter) ShowBanner(_ context.Context, n chatsync.Notification) error {
	fmt.Printf("🔔 %s: %s\n", n.Title, n.Body)
	return nil
}

func (terminalPresenter) ScheduleSystemNotification(_ context.Context, n chatsync.Notification) error {
	fmt.Printf("📣 %s: %s\n", n.Title, n.Body)
	return nil
}

func printMessage(m chatsync.Message) {
	sender := m.SenderName
	if sender == "" {
		sender = m.SenderID
	}
	status := ""
	if m.Status != "" && m.Status != chatsync.StatusSent {
		status = fmt.Sprintf(" (%s)", m.Status)
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format(time.DateTime), sender, m.Content, status)
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
