package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

var sendWait time.Duration

func init() {
	sendCmd.Flags().DurationVar(&sendWait, "wait", 15*time.Second, "How long to wait for the server to confirm")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Queue a message and try to deliver it",
	Long:  "Queue a message in the local outbox and try to deliver it. If the backend cannot be reached the message stays queued for the next 'listen' or 'outbox flush'.",
	Args:  cobra.MinimumNArgs(2),
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

		engine := newEngine(cfg, store, log)
		done := make(chan chatsync.OutboxEvent, 1)
		var provisionalID string
		defer engine.OnEvent(func(ev chatsync.OutboxEvent) {
			switch ev.Kind {
			case chatsync.OutboxConfirmed, chatsync.OutboxRejected, chatsync.OutboxRetrying:
				if ev.ProvisionalID == provisionalID {
					select {
					case done <- ev:
					default:
					}
				}
			}
		})()

		ctx, cancel := context.WithTimeout(context.Background(), sendWait)
		defer cancel()

		msg := chatsync.Message{
			ConversationID: args[0],
			SenderID:       cfg.Auth.UserID,
			Content:        strings.Join(args[1:], " "),
		}
		queued, err := engine.AddToOutbox(ctx, msg)
		if err != nil {
			return fmt.Errorf("failed to queue message: %w", err)
		}
		provisionalID = queued.ProvisionalID
		engine.Drain(ctx)

		select {
		case ev := <-done:
			switch ev.Kind {
			case chatsync.OutboxConfirmed:
				fmt.Printf("Sent: %s\n", ev.Message.ID)
				return nil
			case chatsync.OutboxRejected:
				return fmt.Errorf("rejected by server: %w", ev.Err)
			default:
				fmt.Printf("Queued %s; delivery failed (%v) and will be retried\n", provisionalID, ev.Err)
				return nil
			}
		case <-ctx.Done():
			fmt.Printf("Queued %s; no confirmation yet\n", provisionalID)
			return nil
		}
	},
}
