package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	linkup "github.com/linkup-social/linkup-go"
	"github.com/spf13/cobra"
)

var (
	inboxWatch bool
	inboxJSON  bool
)

func init() {
	inboxCmd.Flags().BoolVarP(&inboxWatch, "watch", "w", false, "Keep running and print the inbox on every change")
	inboxCmd.Flags().BoolVar(&inboxJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(inboxCmd)
}

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List recent conversations",
	Long:  "List the most recently updated conversations with their unread counts. With --watch the list is reprinted as it changes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		eng, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		uid := eng.Self().UID
		if cached, err := eng.Inbox().Cached(uid); err == nil && len(cached) > 0 {
			printInbox(cached)
		}

		w := eng.Inbox().Watch(uid)
		if err := w.Focus(ctx); err != nil {
			return fmt.Errorf("failed to watch inbox: %w", err)
		}
		defer w.Blur()

		for {
			select {
			case <-ctx.Done():
				return nil
			case list := <-w.Updates():
				printInbox(list)
				if !inboxWatch {
					return nil
				}
			}
		}
	},
}

func printInbox(list []linkup.InboxEntry) {
	if inboxJSON {
		b, _ := json.MarshalIndent(list, "", "  ")
		fmt.Println(string(b))
		return
	}
	if len(list) == 0 {
		fmt.Println("No conversations.")
		return
	}
	fmt.Printf("%-28s %-20s %6s  %s\n", "ROOM", "WITH", "UNREAD", "LAST MESSAGE")
	for _, e := range list {
		with := e.OtherUser.DisplayName
		if with == "" {
			with = e.OtherUser.UID
		}
		last := e.LastMessage
		if len(last) > 40 {
			last = last[:37] + "..."
		}
		fmt.Printf("%-28s %-20s %6d  %s (%s)\n", e.RoomID, with, e.UnreadCount, last,
			time.UnixMilli(e.UpdatedAt).Format("Jan 02 15:04"))
	}
	fmt.Println()
}
