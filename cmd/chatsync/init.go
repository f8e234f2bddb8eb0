package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initUserID      string
	initBaseURL     string
	initRealtimeURL string
	initExpires     string
)

func init() {
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "ID of the signed-in user (required)")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Backend API root")
	initCmd.Flags().StringVar(&initRealtimeURL, "realtime-url", "", "Realtime WebSocket endpoint")
	initCmd.Flags().StringVar(&initExpires, "expires", "", "Token expiry (RFC 3339)")
	_ = initCmd.MarkFlagRequired("user-id")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the session token in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing your session token and user ID in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := updateConfigFile(func(cfg *Config) error {
			cfg.Auth.Token = args[0]
			cfg.Auth.UserID = initUserID
			cfg.Auth.TokenExpires = initExpires
			if initBaseURL != "" {
				cfg.Default.BaseURL = initBaseURL
			}
			if initRealtimeURL != "" {
				cfg.Default.RealtimeURL = initRealtimeURL
			}
			return nil
		})
		if err != nil {
			return err
		}

		fmt.Printf("Session for %s saved to %s\n", initUserID, path)
		return nil
	},
}
