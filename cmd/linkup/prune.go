package main

import (
	"context"
	"fmt"
	"time"

	linkup "github.com/linkup-social/linkup-go"
	"github.com/spf13/cobra"
)

var pruneForce bool

func init() {
	pruneCmd.Flags().BoolVarP(&pruneForce, "force", "f", false, "Prune even if the interval has not elapsed")
	rootCmd.AddCommand(pruneCmd)
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Trim cached collections to their configured size",
	RunE: func(cmd *cobra.Command, args []string) error {
		flagOffline = true
		ctx := context.Background()
		eng, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		if pruneForce {
			if err := eng.Cache().Remove(linkup.LastPruneKey); err != nil {
				return fmt.Errorf("failed to reset prune marker: %w", err)
			}
		}
		ran, err := eng.Pruner().RunMaintenance(ctx, time.Now())
		if err != nil {
			fmt.Printf("Pruned with errors: %v\n", err)
			return nil
		}
		if !ran {
			fmt.Println("Cache was pruned recently; use --force to prune now.")
			return nil
		}
		fmt.Println("Cache pruned:")
		for _, r := range eng.Pruner().Rules() {
			fmt.Printf("  %-12s max %d\n", r.Prefix, r.MaxSize)
		}
		return nil
	},
}
