package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/agentdesk/dashsync"
	"github.com/spf13/cobra"
)

var (
	rangeFrom string
	rangeTo   string
	tagColor  string
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show credit usage for the organisation",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := dateRange(rangeFrom, rangeTo)
		if err != nil {
			return err
		}
		return withApp(func(ctx context.Context, a *app) error {
			u, err := a.org.Usage.Get(ctx, r)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(u)
			}
			if u.PeriodStart != "" {
				fmt.Printf("Period:        %s to %s\n", u.PeriodStart, valueOrDefault(u.PeriodEnd, "now"))
			}
			fmt.Printf("Credits:       %.2f used of %.2f (%.2f remaining)\n", u.CreditsUsed, u.CreditsTotal, u.CreditsRemaining)
			fmt.Printf("Call minutes:  %.1f\n", u.CallMinutes)
			fmt.Printf("Chat messages: %d\n", u.ChatMessages)
			return nil
		})
	},
}

var overviewCmd = &cobra.Command{
	Use:   "overview",
	Short: "Show headline numbers for the dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := dateRange(rangeFrom, rangeTo)
		if err != nil {
			return err
		}
		return withApp(func(ctx context.Context, a *app) error {
			o, err := a.org.Overview.Get(ctx, r)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(o)
			}
			fmt.Printf("Calls:            %d\n", o.TotalCalls)
			fmt.Printf("Chats:            %d\n", o.TotalChats)
			fmt.Printf("Leads:            %d (%d qualified)\n", o.TotalLeads, o.QualifiedLeads)
			fmt.Printf("Avg call length:  %.0fs\n", o.AvgCallDuration)
			fmt.Printf("Handover rate:    %.1f%%\n", o.HandoverRate*100)
			return nil
		})
	},
}

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Show daily activity and breakdowns",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := dateRange(rangeFrom, rangeTo)
		if err != nil {
			return err
		}
		return withApp(func(ctx context.Context, a *app) error {
			an, err := a.org.Analytics.Get(ctx, r)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(an)
			}
			fmt.Printf("%-12s %6s %6s %6s\n", "DATE", "CALLS", "CHATS", "LEADS")
			for _, p := range an.Series {
				fmt.Printf("%-12s %6d %6d %6d\n", p.Date, p.Calls, p.Chats, p.Leads)
			}
			printBreakdown("By source", an.BySource)
			printBreakdown("By lead status", an.ByLeadStatus)
			return nil
		})
	},
}

func printBreakdown(title string, m map[string]int) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("\n%s:\n", title)
	for _, k := range keys {
		fmt.Printf("  %-16s %d\n", k, m[k])
	}
}

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "Manage conversation tags",
}

var tagsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tags",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			tags, err := a.org.Tags.List(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(tags)
			}
			if len(tags) == 0 {
				fmt.Println("No tags defined.")
				return nil
			}
			for _, t := range tags {
				fmt.Printf("%-24s %-20s %s\n", t.ID, t.Name, t.Color)
			}
			return nil
		})
	},
}

var tagsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a tag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			t, err := a.org.Tags.Create(ctx, &dashsync.CreateTagRequest{Name: args[0], Color: tagColor})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(t)
			}
			fmt.Printf("Created tag %s (%s)\n", t.Name, t.ID)
			return nil
		})
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload <path>",
	Short: "Upload a file and print its attachment record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			res, err := a.org.Files.UploadFile(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(res)
			}
			fmt.Printf("URL:  %s\n", res.URL)
			fmt.Printf("Name: %s\n", res.Name)
			fmt.Printf("Type: %s\n", res.Type)
			fmt.Printf("Size: %d bytes\n", res.Size)
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{usageCmd, overviewCmd, analyticsCmd} {
		c.Flags().StringVar(&rangeFrom, "from", "", "Start date (YYYY-MM-DD)")
		c.Flags().StringVar(&rangeTo, "to", "", "End date (YYYY-MM-DD)")
		rootCmd.AddCommand(c)
	}

	tagsCreateCmd.Flags().StringVar(&tagColor, "color", "", "Hex color, e.g. #22c55e")
	tagsCmd.AddCommand(tagsListCmd)
	tagsCmd.AddCommand(tagsCreateCmd)
	rootCmd.AddCommand(tagsCmd)
	rootCmd.AddCommand(uploadCmd)
}
