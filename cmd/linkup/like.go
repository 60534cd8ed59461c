package main

import (
	"context"
	"fmt"

	linkup "github.com/linkup-social/linkup-go"
	"github.com/spf13/cobra"
)

var likeFlush bool

func init() {
	likeCmd.Flags().BoolVar(&likeFlush, "flush", false, "Sync queued likes immediately")
	rootCmd.AddCommand(likeCmd)
	rootCmd.AddCommand(syncCmd)
}

var likeCmd = &cobra.Command{
	Use:   "like <target-id>",
	Short: "Toggle a like on a post",
	Long:  "Toggle a like. The toggle is queued locally and sent on the next sync; toggling twice before a sync cancels out.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flagOffline = true
		ctx := context.Background()
		eng, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		pending, err := eng.ToggleLike(args[0])
		if err != nil {
			return fmt.Errorf("failed to queue like: %w", err)
		}
		if pending {
			fmt.Printf("Queued like toggle for %s\n", args[0])
		} else {
			fmt.Printf("Cancelled queued toggle for %s\n", args[0])
		}

		if likeFlush {
			return flushLikes(ctx, eng)
		}
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Send queued likes to the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		flagOffline = true
		ctx := context.Background()
		eng, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()
		return flushLikes(ctx, eng)
	},
}

func flushLikes(ctx context.Context, eng *linkup.Engine) error {
	res, err := eng.Flusher().Flush(ctx, eng.Self().UID)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	switch {
	case res.Skipped:
		fmt.Println("A sync is already in progress.")
	case res.Sent == 0:
		fmt.Println("Nothing to sync.")
	default:
		fmt.Printf("Synced %d of %d queued toggle(s).\n", res.Confirmed, res.Sent)
	}
	return nil
}
