package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	feedReset bool
	feedJSON  bool
)

func init() {
	feedCmd.Flags().BoolVar(&feedReset, "reset", false, "Start again from the newest post")
	feedCmd.Flags().BoolVar(&feedJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(feedCmd)
}

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Fetch the next page of the feed",
	Long:  "Fetch the next page of the feed. The cursor is kept in the local cache, so repeated calls walk further back.",
	RunE: func(cmd *cobra.Command, args []string) error {
		flagOffline = true
		ctx := context.Background()
		eng, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		pager := eng.Feed()
		if feedReset {
			if err := pager.Reset(); err != nil {
				return fmt.Errorf("failed to reset feed: %w", err)
			}
		}
		if pager.Done() {
			fmt.Println("End of feed. Use --reset to start over.")
			return nil
		}

		items, err := pager.Next(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch feed: %w", err)
		}
		if feedJSON {
			b, _ := json.MarshalIndent(items, "", "  ")
			fmt.Println(string(b))
			return nil
		}
		for _, it := range items {
			fmt.Printf("%s  %-16s %s\n", time.UnixMilli(it.CreatedAt).Format("2006-01-02 15:04"), it.AuthorID, it.ID)
		}
		if pager.Done() {
			fmt.Println("-- end of feed --")
		}
		return nil
	},
}
