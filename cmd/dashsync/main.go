package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// ============================================================================
// Root command
// ============================================================================

var (
	orgFlag    string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "dashsync",
	Short:         "Support dashboard CLI",
	Long:          "Command-line interface for the support dashboard.\nBrowse chats, calls and leads, reply to customers, and watch live updates.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&orgFlag, "org", "", "Organisation slug (overrides default.organisation)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output raw JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", explain(err))
		os.Exit(1)
	}
}
