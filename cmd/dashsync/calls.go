package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentdesk/dashsync"
	"github.com/spf13/cobra"
)

var callsListFlags listFlags

var callsCmd = &cobra.Command{
	Use:   "calls",
	Short: "Voice call logs",
}

var callsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List calls",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := callsListFlags.filter()
		if err != nil {
			return err
		}
		return withApp(func(ctx context.Context, a *app) error {
			store := dashsync.NewStore(dashsync.WithStoreLogger(a.log))
			defer store.Close()
			pager := dashsync.NewPager(store, dashsync.EntityCalls, a.org.CallPages(), dashsync.CallID,
				dashsync.WithPageSize(callsListFlags.limit), dashsync.WithPagerLogger(a.log))
			pager.Reset(a.org.Slug(), filter)

			calls, err := runList(ctx, pager, &callsListFlags)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(calls)
			}
			if pager.State() == dashsync.LoadEmpty {
				fmt.Println("No calls match these filters.")
				return nil
			}
			fmt.Printf("%-24s %-10s %-9s %-16s %-8s %-16s %s\n", "ID", "STATUS", "DIRECTION", "PHONE", "SECONDS", "STARTED", "SUMMARY")
			for _, c := range calls {
				fmt.Printf("%-24s %-10s %-9s %-16s %-8d %-16s %s\n",
					c.ID, c.Status, c.Direction, c.PhoneNumber, c.Duration, formatTime(c.CreatedAt), truncate(c.Analysis.Text(), 50))
			}
			if pager.HasNext() {
				fmt.Printf("\nPage %d. More available: use --all.\n", pager.CurrentPage())
			}
			return nil
		})
	},
}

var callsShowCmd = &cobra.Command{
	Use:   "show <call-id>",
	Short: "Show a call with its analysis and transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			store := dashsync.NewStore(dashsync.WithStoreLogger(a.log))
			defer store.Close()
			d, err := dashsync.LoadCall(ctx, store, a.org, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(d)
			}

			c := d.Call
			fmt.Printf("Call:      %s\n", c.ID)
			fmt.Printf("Status:    %s\n", c.Status)
			fmt.Printf("Direction: %s\n", valueOrDefault(c.Direction, "-"))
			fmt.Printf("Phone:     %s\n", valueOrDefault(c.PhoneNumber, "-"))
			fmt.Printf("Duration:  %ds\n", c.Duration)
			if c.RecordingURL != "" {
				fmt.Printf("Recording: %s\n", c.RecordingURL)
			}
			printAnalysis(c.Analysis)

			if len(d.Transcript) > 0 {
				fmt.Println("\nTranscript:")
				for _, t := range d.Transcript {
					fmt.Printf("  %6.1fs %-9s %s\n", t.Start, t.Role, t.Content)
				}
			}
			return nil
		})
	},
}

// printAnalysis renders a parsed analysis, or the raw text when the
// backend sent something that is not JSON.
func printAnalysis(an dashsync.Analysis) {
	if an.IsZero() {
		return
	}
	fmt.Println("\nAnalysis:")
	if !an.Parsed {
		fmt.Printf("  %s\n", an.Raw)
		return
	}
	if an.Summary != "" {
		fmt.Printf("  Summary:   %s\n", an.Summary)
	}
	if an.Sentiment != "" {
		fmt.Printf("  Sentiment: %s\n", an.Sentiment)
	}
	if an.Outcome != "" {
		fmt.Printf("  Outcome:   %s\n", an.Outcome)
	}
	if len(an.KeyPoints) > 0 {
		fmt.Printf("  Key points:\n    - %s\n", strings.Join(an.KeyPoints, "\n    - "))
	}
	if len(an.ActionItems) > 0 {
		fmt.Printf("  Action items:\n    - %s\n", strings.Join(an.ActionItems, "\n    - "))
	}
}

func init() {
	callsListFlags.register(callsListCmd, false)
	callsCmd.AddCommand(callsListCmd)
	callsCmd.AddCommand(callsShowCmd)
	rootCmd.AddCommand(callsCmd)
}
