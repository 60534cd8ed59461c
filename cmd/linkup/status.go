package main

import (
	"context"
	"fmt"
	"time"

	linkup "github.com/linkup-social/linkup-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and local cache status",
	Long:  "Display the current configuration, the number of queued likes and when the cache was last pruned.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  API:         %s\n", valueOrDefault(cfg.API.BaseURL, "(not set)"))
		fmt.Printf("  Realtime:    %s\n", valueOrDefault(cfg.Realtime.URL, "(in-process)"))
		fmt.Printf("  Cache:       %s\n", valueOrDefault(cfg.Cache.Backend, "sqlite"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.UID == "" {
			fmt.Println("  User:        (not initialized)")
			return nil
		}
		fmt.Printf("  User:        %s\n", cfg.Auth.UID)
		fmt.Printf("  Name:        %s\n", valueOrDefault(cfg.Auth.DisplayName, "(not set)"))
		fmt.Printf("  Device:      %s\n", valueOrDefault(cfg.Auth.DeviceID, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}

		// Local state only; never dial the realtime server for status.
		flagOffline = true
		eng, err := newEngine(context.Background())
		if err != nil {
			return err
		}
		defer eng.Close()

		n, err := eng.Likes().Len(cfg.Auth.UID)
		if err != nil {
			return fmt.Errorf("failed to read pending likes: %w", err)
		}
		fmt.Println()
		fmt.Println("Cache:")
		fmt.Printf("  Pending:     %d like toggle(s)\n", n)

		var last int64
		ok, err := eng.Cache().Get(linkup.LastPruneKey, &last)
		switch {
		case err != nil:
			fmt.Printf("  Last prune:  (unreadable: %v)\n", err)
		case !ok:
			fmt.Println("  Last prune:  never")
		default:
			fmt.Printf("  Last prune:  %s\n", time.UnixMilli(last).Format(time.RFC3339))
		}
		return nil
	},
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
