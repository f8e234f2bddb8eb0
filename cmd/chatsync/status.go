package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, backend health and outbox size",
	Long:  "Display the current configuration, check if the token is expired, probe the backend and count queued messages.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:     %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL))
		fmt.Printf("  Realtime URL: %s\n", valueOrDefault(cfg.Default.RealtimeURL, "(next to the API)"))
		fmt.Printf("  Log level:    %s\n", valueOrDefault(cfg.Default.LogLevel, "warn"))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:      %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:        %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:        (not set)")
		}
		fmt.Printf("  Status:       %s\n", tokenStatus(cfg.Auth, time.Now()))

		if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
			return nil
		}
		log := newLogger(cfg)

		fmt.Println()
		fmt.Println("Backend:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := getClient(cfg).Health(ctx); err != nil {
			fmt.Printf("  Unreachable: %v\n", err)
		} else {
			fmt.Println("  OK")
		}

		store, err := openStore(cfg, log)
		if err != nil {
			return err
		}
		defer store.Close()
		entries, err := store.FetchOutbox(ctx)
		if err != nil {
			return err
		}
		rejected := 0
		for _, e := range entries {
			if e.Rejected {
				rejected++
			}
		}
		fmt.Println()
		fmt.Println("Outbox:")
		fmt.Printf("  Queued:   %d\n", len(entries)-rejected)
		fmt.Printf("  Rejected: %d\n", rejected)
		return nil
	},
}

func tokenStatus(auth ConfigAuth, now time.Time) string {
	if auth.Token == "" {
		return "none"
	}
	if auth.TokenExpires == "" {
		return "present (no expiry set)"
	}
	expires, err := time.Parse(time.RFC3339, auth.TokenExpires)
	if err != nil {
		return fmt.Sprintf("present (unparseable expiry: %s)", auth.TokenExpires)
	}
	if now.Before(expires) {
		return fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
}
