package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	initToken       string
	initDisplayName string
)

func init() {
	initCmd.Flags().StringVar(&initToken, "token", "", "Auth token for the REST and realtime backends")
	initCmd.Flags().StringVar(&initDisplayName, "display-name", "", "Display name shown to chat peers")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <uid>",
	Short: "Store the signed-in user in ~/.linkup/config.toml",
	Long:  "Initialize the LinkUp CLI by storing the user id, token and a device id in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.UID = args[0]
		if initToken != "" {
			cfg.Auth.Token = initToken
		}
		if initDisplayName != "" {
			cfg.Auth.DisplayName = initDisplayName
		}
		if cfg.Auth.DeviceID == "" {
			cfg.Auth.DeviceID = uuid.NewString()
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("User %s saved to %s\n", cfg.Auth.UID, path)
		return nil
	},
}
