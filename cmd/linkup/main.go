package main

import (
	"context"
	"fmt"
	"os"

	linkup "github.com/linkup-social/linkup-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Global flags
// ============================================================================

var (
	flagConfig  string
	flagOffline bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default ~/.linkup/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&flagOffline, "offline", false, "Use the in-process realtime backend instead of the server")
}

// ============================================================================
// Config helpers
// ============================================================================

// configPath returns the config file in use.
func configPath() (string, error) {
	if flagConfig != "" {
		return flagConfig, nil
	}
	return linkup.DefaultConfigPath()
}

// loadConfig reads the config file, falling back to defaults if it is absent.
func loadConfig() (*linkup.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return linkup.LoadConfig(path)
}

func saveConfig(cfg *linkup.Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	return linkup.SaveConfig(path, cfg)
}

// newEngine builds an engine for the signed-in user.
func newEngine(ctx context.Context) (*linkup.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.UID == "" {
		return nil, fmt.Errorf("no user configured; run 'linkup init <uid>' first")
	}
	if flagOffline {
		cfg.Realtime.Offline = true
	}
	return linkup.NewEngine(ctx, cfg)
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:          "linkup",
	Short:        "LinkUp sync engine CLI",
	Long:         "Command-line interface for the LinkUp chat sync engine.\nChat, watch the inbox, queue likes and maintain the local cache.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
