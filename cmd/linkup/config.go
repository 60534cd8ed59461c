package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	linkup "github.com/linkup-social/linkup-go"
	"github.com/spf13/cobra"
)

var configJSON bool

func init() {
	configShowCmd.Flags().BoolVar(&configJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage LinkUp configuration",
	Long:  "View or modify the engine configuration stored in ~/.linkup/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration the engine runs with: the file merged over the defaults. The auth token is masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = redactConfig(cfg)

		if configJSON {
			b, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Println(string(b))
			return nil
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Printf("# %s does not exist; showing defaults. Run 'linkup init <uid>' to create it.\n\n", path)
		} else {
			fmt.Printf("# %s\n\n", path)
		}
		printConfig(os.Stdout, cfg)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: linkup config set cache.backend redis",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.SetValue(key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

// redactConfig returns a copy of cfg that is safe to print.
func redactConfig(cfg *linkup.Config) *linkup.Config {
	out := *cfg
	if out.Auth.Token != "" {
		out.Auth.Token = maskKey(out.Auth.Token)
	}
	return &out
}

func printConfig(w io.Writer, cfg *linkup.Config) {
	section := func(name string) { fmt.Fprintf(w, "[%s]\n", name) }
	field := func(key string, val any) { fmt.Fprintf(w, "  %-24s %v\n", key, val) }

	section("auth")
	field("uid", valueOrDefault(cfg.Auth.UID, "(not set)"))
	field("display_name", valueOrDefault(cfg.Auth.DisplayName, "(not set)"))
	field("device_id", valueOrDefault(cfg.Auth.DeviceID, "(not set)"))
	field("token", valueOrDefault(cfg.Auth.Token, "(not set)"))

	section("api")
	field("base_url", cfg.API.BaseURL)
	field("timeout", cfg.API.Timeout.Duration)

	section("realtime")
	field("url", valueOrDefault(cfg.Realtime.URL, "(in-process)"))
	field("offline", cfg.Realtime.Offline)
	field("auto_reconnect", cfg.Realtime.AutoReconnect)
	field("max_reconnect_attempts", cfg.Realtime.MaxReconnectAttempts)
	field("heartbeat_interval", cfg.Realtime.HeartbeatInterval.Duration)
	field("request_timeout", cfg.Realtime.RequestTimeout.Duration)

	section("cache")
	field("backend", valueOrDefault(cfg.Cache.Backend, "sqlite"))
	switch cfg.Cache.Backend {
	case "redis":
		field("redis_addr", cfg.Cache.RedisAddr)
		field("redis_db", cfg.Cache.RedisDB)
		field("namespace", valueOrDefault(cfg.Cache.Namespace, "linkup"))
	case "", "sqlite":
		field("path", valueOrDefault(cfg.Cache.Path, "~/.linkup/cache.db"))
	}
	field("prune_interval", cfg.Cache.PruneInterval.Duration)
	for _, r := range cfg.Cache.Collections {
		order := "insertion"
		if r.SortField != "" {
			order = r.SortField + " " + string(r.Direction)
		}
		field("collection "+r.Prefix, fmt.Sprintf("max %d by %s", r.MaxSize, order))
	}

	section("chat")
	field("page_size", cfg.Chat.PageSize)
	field("inbox_size", cfg.Chat.InboxSize)
	field("feed_page_size", cfg.Chat.FeedPageSize)
	field("auto_read", cfg.Chat.AutoRead)

	section("log")
	field("level", valueOrDefault(cfg.Log.Level, "info"))
	field("debug", cfg.Log.Debug)
	field("file", valueOrDefault(cfg.Log.File, "(stderr)"))
}
