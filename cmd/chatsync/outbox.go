package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	outboxCmd.AddCommand(outboxListCmd)
	outboxCmd.AddCommand(outboxFlushCmd)
	outboxCmd.AddCommand(outboxResendCmd)
	rootCmd.AddCommand(outboxCmd)
}

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and drain queued messages",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued and rejected messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireSession()
		if err != nil {
			return err
		}
		store, err := openStore(cfg, newLogger(cfg))
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.FetchOutbox(context.Background())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Outbox is empty.")
			return nil
		}
		for _, e := range entries {
			state := "queued"
			switch {
			case e.Rejected:
				state = "rejected: " + e.LastError
			case e.RetryCount > 0:
				state = fmt.Sprintf("retry %d at %s (%s)", e.RetryCount, e.NextRetryAt.Local().Format(time.Kitchen), e.LastError)
			}
			fmt.Printf("  #%d %s → %s: %q [%s]\n", e.Seq, e.ID, e.Message.ConversationID, e.Message.Content, state)
		}
		return nil
	},
}

var outboxFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Send every due message now",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireSession()
		if err != nil {
			return err
		}
		log := newLogger(cfg)
		store, err := openStore(cfg, log)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		engine := newEngine(cfg, store, log)
		engine.Drain(ctx)

		left, err := engine.Pending(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d message(s) left in the outbox\n", len(left))
		return nil
	},
}

var outboxResendCmd = &cobra.Command{
	Use:   "resend <provisional-id>",
	Short: "Requeue a rejected message and try it again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireSession()
		if err != nil {
			return err
		}
		log := newLogger(cfg)
		store, err := openStore(cfg, log)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		engine := newEngine(cfg, store, log)
		if err := engine.Resend(ctx, args[0]); err != nil {
			return fmt.Errorf("resend %s: %w", args[0], err)
		}
		engine.Drain(ctx)
		fmt.Printf("Requeued %s\n", args[0])
		return nil
	},
}
