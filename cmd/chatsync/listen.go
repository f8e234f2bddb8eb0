package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

var (
	listenOpen       string
	listenTyping     bool
	listenBackground bool
)

func init() {
	listenCmd.Flags().StringVar(&listenOpen, "open", "", "Treat this conversation as open on screen (its messages are not notified)")
	listenCmd.Flags().BoolVar(&listenTyping, "typing", false, "Also show typing indicators for the open conversation")
	listenCmd.Flags().BoolVar(&listenBackground, "background", false, "Behave as a backgrounded app (system notifications only)")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Stream incoming messages and drain the outbox until interrupted",
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

		core, err := newCore(cfg, store, terminalPresenter{}, log)
		if err != nil {
			return err
		}
		defer core.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		router := core.Router()
		defer router.OnMessage(func(ev chatsync.MessageEvent) {
			if ev.Type == chatsync.EventDelete {
				fmt.Printf("[deleted] %s in %s\n", ev.Message.ID, ev.Message.ConversationID)
				return
			}
			printMessage(ev.Message)
		})()
		defer router.OnConversationUpdate(func(u chatsync.ConversationUpdate) {
			fmt.Printf("* conversation %s updated: %s\n", u.ConversationID, valueOrDefault(u.Name, u.LastMessage))
		})()
		defer core.Engine().OnEvent(func(ev chatsync.OutboxEvent) {
			switch ev.Kind {
			case chatsync.OutboxConfirmed:
				fmt.Printf("✓ sent %s as %s\n", ev.ProvisionalID, ev.Message.ID)
			case chatsync.OutboxRejected, chatsync.OutboxStalled:
				fmt.Printf("✗ %s %s: %v\n", ev.Kind, ev.ProvisionalID, ev.Err)
			}
		})()

		if listenBackground {
			core.Background()
		}
		if listenOpen != "" {
			core.SetOpenConversation(listenOpen)
			if listenTyping {
				defer router.SubscribeTyping(listenOpen, func(ev chatsync.TypingEvent) {
					if ev.IsTyping {
						fmt.Printf("… %s is typing\n", ev.UserID)
					}
				})()
			}
		}

		statuses, cancelStatuses := core.Channels().Statuses(16)
		defer cancelStatuses()

		if err := core.Start(ctx, cfg.Auth.UserID); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Listening as %s. Press Ctrl-C to stop.\n", cfg.Auth.UserID)

		for {
			select {
			case <-ctx.Done():
				return nil
			case s := <-statuses:
				if s.State == chatsync.StateError {
					log.Warn().Str("topic", s.Topic).Int("attempt", s.Attempt).Err(s.Err).Msg("Channel degraded")
				} else {
					log.Info().Str("topic", s.Topic).Str("state", string(s.State)).Msg("Channel status")
				}
			}
		}
	},
}
