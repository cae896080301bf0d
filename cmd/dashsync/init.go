package main

import (
	"fmt"

	"github.com/agentdesk/dashsync"
	"github.com/spf13/cobra"
)

var initOrg string

func init() {
	initCmd.Flags().StringVar(&initOrg, "organisation", "", "Default organisation slug")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a bearer token in ~/.dashsync/config.toml",
	Long:  "Initialize the CLI by storing the token issued by the auth provider. User and organisation are read from the token when present.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		if claims, err := dashsync.ParseToken(token); err == nil {
			if claims.UserID != "" {
				cfg.Auth.UserID = claims.UserID
			} else if claims.Subject != "" {
				cfg.Auth.UserID = claims.Subject
			}
			if cfg.Default.Organisation == "" {
				cfg.Default.Organisation = claims.Organisation
			}
		}
		if initOrg != "" {
			cfg.Default.Organisation = initOrg
		}
		if cfg.Default.LogLevel == "" {
			cfg.Default.LogLevel = "info"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
