package main

import (
	"context"
	"fmt"

	"github.com/agentdesk/dashsync"
	"github.com/spf13/cobra"
)

var (
	leadsStatus string
	leadsSource string
	leadsPage   int
	leadsLimit  int
)

var leadsCmd = &cobra.Command{
	Use:   "leads",
	Short: "Leads derived from conversations",
}

var leadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List leads",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			page, err := a.org.Leads.List(ctx, dashsync.ListOptions{
				Filter: dashsync.Filter{Status: leadsStatus, Source: leadsSource},
				Page:   leadsPage,
				Limit:  leadsLimit,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(page)
			}
			if len(page.Items) == 0 {
				fmt.Println("No leads found.")
				return nil
			}
			fmt.Printf("%-24s %-24s %-14s %-10s %s\n", "ID", "NAME", "STATUS", "SOURCE", "CONTACT")
			for _, l := range page.Items {
				contact := valueOrDefault(l.Email, l.Phone)
				fmt.Printf("%-24s %-24s %-14s %-10s %s\n", l.ID, truncate(l.Name, 24), l.Status, l.Source, contact)
			}
			fmt.Printf("\nPage %d of %d (%d total)\n", page.Info.Page, page.Info.TotalPages, page.Info.Total)
			return nil
		})
	},
}

var leadsShowCmd = &cobra.Command{
	Use:   "show <lead-id>",
	Short: "Show a lead",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			l, err := a.org.Leads.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(l)
			}
			fmt.Printf("Lead:     %s\n", l.ID)
			fmt.Printf("Name:     %s\n", l.Name)
			fmt.Printf("Status:   %s\n", l.Status)
			fmt.Printf("Source:   %s\n", l.Source)
			fmt.Printf("Email:    %s\n", valueOrDefault(l.Email, "-"))
			fmt.Printf("Phone:    %s\n", valueOrDefault(l.Phone, "-"))
			for _, id := range l.ConversationIDs {
				fmt.Printf("Conversation: %s\n", id)
			}
			return nil
		})
	},
}

var leadsStatusCmd = &cobra.Command{
	Use:   "status <lead-id> <status>",
	Short: "Change a lead's status (new, qualified, follow_up, not_qualified, converted, lost)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			l, err := a.org.Leads.UpdateStatus(ctx, args[0], dashsync.LeadStatus(args[1]))
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(l)
			}
			fmt.Printf("Lead %s is now %s\n", args[0], l.Status)
			return nil
		})
	},
}

func init() {
	leadsListCmd.Flags().StringVar(&leadsStatus, "status", "", "Filter by lead status")
	leadsListCmd.Flags().StringVar(&leadsSource, "source", "", "Filter by source channel")
	leadsListCmd.Flags().IntVar(&leadsPage, "page", 1, "Page number")
	leadsListCmd.Flags().IntVarP(&leadsLimit, "limit", "n", dashsync.DefaultPageSize, "Page size")

	leadsCmd.AddCommand(leadsListCmd)
	leadsCmd.AddCommand(leadsShowCmd)
	leadsCmd.AddCommand(leadsStatusCmd)
	rootCmd.AddCommand(leadsCmd)
}
