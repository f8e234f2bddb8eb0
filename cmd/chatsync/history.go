package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	historyLimit  int
	historyRemote bool

	searchConversation string
	searchLimit        int
)

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of messages to show")
	historyCmd.Flags().BoolVar(&historyRemote, "remote", false, "Fetch from the backend and refresh the local cache first")
	searchCmd.Flags().StringVarP(&searchConversation, "conversation", "c", "", "Only search this conversation")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 20, "Maximum number of results")
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(searchCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show cached messages of a conversation",
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

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if historyRemote {
			msgs, err := getClient(cfg).FetchHistory(ctx, args[0], historyLimit)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			for _, m := range msgs {
				if err := store.SaveMessage(ctx, m); err != nil {
					return err
				}
			}
		}

		msgs, err := newEngine(cfg, store, log).FetchCached(ctx, args[0], historyLimit)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the local message cache",
	Args:  cobra.ExactArgs(1),
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

		msgs, err := store.SearchMessages(context.Background(), args[0], searchConversation, searchLimit)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			fmt.Printf("  %s ", m.ConversationID)
			printMessage(m)
		}
		return nil
	},
}
