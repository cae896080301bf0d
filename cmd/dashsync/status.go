package main

import (
	"fmt"
	"time"

	"github.com/agentdesk/dashsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check whether the token has expired, and fetch live credit usage.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:     %s\n", valueOrDefault(cfg.Default.BaseURL, dashsync.DefaultBaseURL))
		fmt.Printf("  Organisation: %s\n", valueOrDefault(cfg.Default.Organisation, "(not set)"))
		fmt.Printf("  Log level:    %s\n", valueOrDefault(cfg.Default.LogLevel, "warn"))
		if cfg.Webhook.URL != "" {
			fmt.Printf("  Webhook:      %s\n", cfg.Webhook.URL)
		}

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:      %s\n", valueOrDefault(cfg.Auth.UserID, "(unknown)"))

		tokenStatus := "none"
		expired := false
		if cfg.Auth.Token != "" {
			if exp, ok := dashsync.TokenExpiry(cfg.Auth.Token); ok {
				if time.Now().Before(exp) {
					tokenStatus = fmt.Sprintf("valid (expires %s)", exp.Format(time.RFC3339))
				} else {
					tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", exp.Format(time.RFC3339))
					expired = true
				}
			} else {
				tokenStatus = "present (no expiry)"
			}
			tokenStatus = maskKey(cfg.Auth.Token) + " " + tokenStatus
		}
		fmt.Printf("  Token:        %s\n", tokenStatus)

		if cfg.Auth.Token == "" || expired || (orgFlag == "" && cfg.Default.Organisation == "") {
			return nil
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		ctx, cancel := cmdContext()
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")
		usage, err := a.org.Usage.Get(ctx, dashsync.DateRange{})
		if err != nil {
			fmt.Printf("  Error fetching usage: %v\n", explain(err))
			return nil
		}
		fmt.Printf("  Credits:       %.2f / %.2f (%.2f left)\n", usage.CreditsUsed, usage.CreditsTotal, usage.CreditsRemaining)
		fmt.Printf("  Call minutes:  %.1f\n", usage.CallMinutes)
		fmt.Printf("  Chat messages: %d\n", usage.ChatMessages)
		return nil
	},
}
