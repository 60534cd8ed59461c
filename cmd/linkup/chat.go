package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	linkup "github.com/linkup-social/linkup-go"
	"github.com/spf13/cobra"
)

var chatPeerName string

func init() {
	chatCmd.Flags().StringVar(&chatPeerName, "name", "", "Display name of the peer")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <peer-uid>",
	Short: "Open an interactive chat with another user",
	Long: `Open a live one-to-one chat. Lines typed on stdin are sent as messages.

Commands:
  /more   load earlier messages
  /quit   leave the chat`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		eng, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		if err := eng.HandleLifecycle(ctx, linkup.LifecycleMount); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}

		peer := linkup.Profile{UID: args[0], DisplayName: chatPeerName}
		sess, err := eng.OpenChat(ctx, peer)
		if err != nil {
			return fmt.Errorf("failed to open chat: %w", err)
		}
		defer sess.Close()

		self := eng.Self().UID
		fmt.Printf("Chat %s (%d messages loaded)\n", sess.RoomID(), len(sess.Messages()))
		for _, m := range sess.Messages() {
			printMessage(self, m)
		}

		go func() {
			for ev := range sess.Events() {
				printEvent(self, ev)
			}
		}()

		lines := make(chan string)
		go func() {
			sc := bufio.NewScanner(os.Stdin)
			for sc.Scan() {
				lines <- sc.Text()
			}
			close(lines)
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				line = strings.TrimSpace(line)
				switch line {
				case "":
					continue
				case "/quit":
					return nil
				case "/more":
					if !sess.HasMore() {
						fmt.Println("(no earlier messages)")
						continue
					}
					if _, err := sess.LoadEarlier(ctx); err != nil {
						fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					}
					continue
				}
				_ = sess.SetTyping(ctx, true)
				sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
				_, err := sess.Send(sendCtx, line)
				cancel()
				_ = sess.SetTyping(ctx, false)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				}
			}
		}
	},
}

func printMessage(self string, m linkup.Message) {
	who := m.SenderID
	if who == self {
		who = "me"
	}
	status := ""
	switch {
	case m.Pending:
		status = " (sending)"
	case m.Read && m.SenderID == self:
		status = " (read)"
	}
	ts := time.UnixMilli(m.TimestampMillis).Format("15:04")
	fmt.Printf("[%s] %s: %s%s\n", ts, who, m.Text, status)
}

func printEvent(self string, ev linkup.ChatEvent) {
	switch e := ev.(type) {
	case linkup.NewMessage:
		printMessage(self, e.Message)
	case linkup.MessageUpdated:
		if e.Message.SenderID == self && e.Message.Read {
			fmt.Printf("  read: %s\n", e.Message.ID)
		}
	case linkup.HistoryPage:
		fmt.Printf("-- %d earlier message(s) --\n", len(e.Messages))
		for _, m := range e.Messages {
			printMessage(self, m)
		}
		if !e.HasMore {
			fmt.Println("-- start of conversation --")
		}
	case linkup.TypingChanged:
		if e.State.IsTyping {
			fmt.Printf("  %s is typing...\n", e.State.UID)
		}
	case linkup.PresenceChanged:
		fmt.Printf("  peer is %s\n", e.Presence.State)
	case linkup.SendFailed:
		fmt.Fprintf(os.Stderr, "  not sent: %q (%v)\n", e.Message.Text, e.Err)
	}
}
