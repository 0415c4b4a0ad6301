package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/paywire/internal/conversation"
	"github.com/user/paywire/internal/types"
)

func init() {
	rootCmd.AddCommand(conversationCmd, journalCmd)
	conversationCmd.AddCommand(conversationShowCmd, conversationClearCmd)
	journalCmd.Flags().Bool("all", false, "include entries from before the last clear")
}

var conversationCmd = &cobra.Command{
	Use:   "conversation",
	Short: "Show or clear the live conversation",
}

var conversationShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the conversation log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := apiClient().Conversation(context.Background())
		if err != nil {
			return fmt.Errorf("fetch conversation: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("Conversation is empty.")
			return nil
		}
		return printEntries(os.Stdout, entries)
	},
}

var conversationClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the conversation log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().ClearConversation(context.Background()); err != nil {
			return fmt.Errorf("clear conversation: %w", err)
		}
		fmt.Println("Conversation cleared.")
		return nil
	},
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Print the conversation journal from disk",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		cfg := loadConfig()

		events, err := conversation.ReadJournal(cfg.JournalPath())
		if err != nil {
			return err
		}
		if !all {
			events = conversation.Replay(events)
		}

		var entries []types.Entry
		for _, ev := range events {
			if ev.Type == conversation.EventCleared {
				if len(entries) > 0 {
					if err := printEntries(os.Stdout, entries); err != nil {
						return err
					}
					entries = nil
				}
				fmt.Printf("--- cleared at %s ---\n", ev.At.Format("2006-01-02 15:04:05"))
				continue
			}
			if ev.Entry != nil {
				entries = append(entries, *ev.Entry)
			}
		}
		if len(entries) == 0 {
			if len(events) == 0 {
				fmt.Println("Journal is empty.")
			}
			return nil
		}
		return printEntries(os.Stdout, entries)
	},
}

func printEntries(out io.Writer, entries []types.Entry) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tAGENT\tKIND\tTEXT")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s%s\n",
			e.SequenceID,
			e.Timestamp.Format("15:04:05"),
			e.AgentID,
			e.Kind,
			e.Text,
			formatAttributes(e.Attributes),
		)
	}
	return w.Flush()
}

// formatAttributes renders attributes as " {k=v ...}" with sorted keys,
// leaving out the attempt id.
func formatAttributes(attrs map[string]any) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		if k == types.AttrAttemptID {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, attrs[k])
	}
	return " {" + strings.Join(parts, " ") + "}"
}
