package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentdesk/dashsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

// listFlags are shared by the chats and calls list commands.
type listFlags struct {
	status   string
	source   string
	chatType string
	from     string
	to       string
	search   string
	all      bool
	find     string
	limit    int
}

func (f *listFlags) register(cmd *cobra.Command, withType bool) {
	cmd.Flags().StringVar(&f.status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&f.source, "source", "", "Filter by source channel")
	if withType {
		cmd.Flags().StringVar(&f.chatType, "type", "", "Filter by chat type")
	}
	cmd.Flags().StringVar(&f.from, "from", "", "Start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.to, "to", "", "End date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.search, "search", "", "Free-text search")
	cmd.Flags().BoolVar(&f.all, "all", false, "Fetch every page")
	cmd.Flags().StringVar(&f.find, "find", "", "Page through the list until this id is found")
	cmd.Flags().IntVarP(&f.limit, "limit", "n", dashsync.DefaultPageSize, "Page size")
}

func (f *listFlags) filter() (dashsync.Filter, error) {
	r, err := dateRange(f.from, f.to)
	if err != nil {
		return dashsync.Filter{}, err
	}
	return dashsync.Filter{
		Status:   f.status,
		Source:   f.source,
		ChatType: f.chatType,
		From:     r.From,
		To:       r.To,
		Search:   f.search,
	}, nil
}

// runList drives a pager the way a scrolling list view does: one page,
// every page, or until a deep-linked id shows up.
func runList[T any](ctx context.Context, p *dashsync.Pager[T], f *listFlags) ([]T, error) {
	if f.find != "" {
		p.Select(f.find, true)
		item, found, err := p.Seek(ctx, f.find)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("%s not found in %d pages", f.find, p.CurrentPage())
		}
		return []T{item}, nil
	}
	for {
		loaded, err := p.LoadNext(ctx)
		if err != nil {
			return nil, err
		}
		if !loaded || !f.all {
			break
		}
	}
	return p.Items(), nil
}

var chatsListFlags listFlags

var chatsSendFile string

// ============================================================================
// chats
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "Chat conversations",
}

var chatsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List chats",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		filter, err := chatsListFlags.filter()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		store := dashsync.NewStore(dashsync.WithStoreLogger(a.log))
		defer store.Close()
		pager := dashsync.NewPager(store, dashsync.EntityChats, a.org.ChatPages(), dashsync.ChatID,
			dashsync.WithPageSize(chatsListFlags.limit), dashsync.WithPagerLogger(a.log))
		pager.Reset(a.org.Slug(), filter)

		chats, err := runList(ctx, pager, &chatsListFlags)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(chats)
		}
		if pager.State() == dashsync.LoadEmpty {
			fmt.Println("No chats match these filters.")
			return nil
		}
		fmt.Printf("%-24s %-10s %-10s %-6s %-16s %s\n", "ID", "STATUS", "SOURCE", "UNREAD", "UPDATED", "LAST MESSAGE")
		for _, c := range chats {
			flag := ""
			if c.Handover {
				flag = " [handover]"
			}
			fmt.Printf("%-24s %-10s %-10s %-6d %-16s %s%s\n",
				c.ID, c.Status, c.Source, c.UnreadCount, formatTime(c.UpdatedAt), truncate(c.LastMessage, 50), flag)
		}
		if pager.HasNext() {
			fmt.Printf("\nPage %d. More available: use --all.\n", pager.CurrentPage())
		}
		return nil
	},
}

var chatsShowCmd = &cobra.Command{
	Use:   "show <chat-id>",
	Short: "Show a chat and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		ctx, cancel := cmdContext()
		defer cancel()

		store := dashsync.NewStore(dashsync.WithStoreLogger(a.log))
		defer store.Close()
		d, err := dashsync.LoadChat(ctx, store, a.org, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(d)
		}

		c := d.Chat
		fmt.Printf("Chat:     %s\n", c.ID)
		fmt.Printf("Status:   %s\n", c.Status)
		fmt.Printf("Source:   %s\n", c.Source)
		if c.CustomerName != "" {
			fmt.Printf("Customer: %s\n", c.CustomerName)
		}
		if c.LeadID != "" {
			fmt.Printf("Lead:     %s\n", c.LeadID)
		}
		if len(c.Tags) > 0 {
			names := make([]string, len(c.Tags))
			for i, t := range c.Tags {
				names[i] = t.Name
			}
			fmt.Printf("Tags:     %s\n", strings.Join(names, ", "))
		}
		if text := c.Summary.Text(); text != "" {
			fmt.Printf("\nSummary:\n  %s\n", text)
		}
		fmt.Println()
		if len(d.Messages) == 0 {
			fmt.Println("No messages yet.")
			return nil
		}
		for _, m := range d.Messages {
			fmt.Printf("[%s] %-9s %s\n", formatTime(m.CreatedAt), m.Role, m.Content)
			for _, att := range m.Attachments {
				fmt.Printf("%28s %s (%s)\n", "📎", att.Name, att.URL)
			}
		}
		return nil
	},
}

var chatsSendCmd = &cobra.Command{
	Use:   "send <chat-id> [message]",
	Short: "Reply in a chat",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		ctx, cancel := cmdContext()
		defer cancel()

		req := &dashsync.SendMessageRequest{}
		if len(args) == 2 {
			req.Content = args[1]
		}
		if chatsSendFile != "" {
			uploaded, err := a.org.Files.UploadFile(ctx, chatsSendFile)
			if err != nil {
				return fmt.Errorf("upload failed: %w", err)
			}
			req.Attachments = append(req.Attachments, *uploaded)
		}

		msg, err := a.org.Chats.SendMessage(ctx, args[0], req)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(msg)
		}
		fmt.Printf("Sent message %s\n", msg.ID)
		return nil
	},
}

var chatsReadCmd = &cobra.Command{
	Use:   "read <chat-id>",
	Short: "Mark a chat as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		ctx, cancel := cmdContext()
		defer cancel()
		if err := a.org.Chats.MarkRead(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Marked %s as read\n", args[0])
		return nil
	},
}

var chatsStatusCmd = &cobra.Command{
	Use:   "status <chat-id> <status>",
	Short: "Change a chat's status (e.g. handover)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		ctx, cancel := cmdContext()
		defer cancel()
		c, err := a.org.Chats.UpdateStatus(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(c)
		}
		fmt.Printf("Chat %s is now %s\n", args[0], valueOrDefault(c.Status, args[1]))
		return nil
	},
}

var chatsTagCmd = &cobra.Command{
	Use:   "tag <chat-id> <tag-id>",
	Short: "Add a tag to a chat",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.org.Chats.AddTag(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Tagged %s with %s\n", args[0], args[1])
			return nil
		})
	},
}

var chatsUntagCmd = &cobra.Command{
	Use:   "untag <chat-id> <tag-id>",
	Short: "Remove a tag from a chat",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.org.Chats.RemoveTag(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Removed tag %s from %s\n", args[1], args[0])
			return nil
		})
	},
}

// withApp runs fn with a configured app and a request timeout.
func withApp(fn func(ctx context.Context, a *app) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	ctx, cancel := cmdContext()
	defer cancel()
	return fn(ctx, a)
}

func init() {
	chatsListFlags.register(chatsListCmd, true)
	chatsSendCmd.Flags().StringVar(&chatsSendFile, "file", "", "Attach a local file")

	chatsCmd.AddCommand(chatsListCmd)
	chatsCmd.AddCommand(chatsShowCmd)
	chatsCmd.AddCommand(chatsSendCmd)
	chatsCmd.AddCommand(chatsReadCmd)
	chatsCmd.AddCommand(chatsStatusCmd)
	chatsCmd.AddCommand(chatsTagCmd)
	chatsCmd.AddCommand(chatsUntagCmd)
	rootCmd.AddCommand(chatsCmd)
}
