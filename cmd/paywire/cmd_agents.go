package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/paywire/internal/api"
	"github.com/user/paywire/internal/types"
)

func init() {
	rootCmd.AddCommand(agentsCmd)
	agentsCmd.AddCommand(agentsListCmd, agentsRegisterCmd, agentsHeartbeatCmd)

	agentsRegisterCmd.Flags().String("id", "", "agent id (generated when empty)")
	agentsRegisterCmd.Flags().String("role", "", "buyer or seller (required)")
	agentsRegisterCmd.Flags().String("name", "", "display name")
	agentsRegisterCmd.Flags().StringSlice("capability", nil, "capability tag (repeatable)")
	_ = agentsRegisterCmd.MarkFlagRequired("role")
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect and register agents on a running daemon",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		agents, err := apiClient().Agents(context.Background())
		if err != nil {
			return fmt.Errorf("list agents: %w", err)
		}

		if len(agents) == 0 {
			fmt.Println("No agents registered.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tROLE\tSTATUS\tNAME\tLAST SEEN\tCAPABILITIES")
		for _, a := range agents {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				a.ID,
				a.Role,
				a.Status,
				a.DisplayName,
				a.LastSeen.Format("2006-01-02 15:04:05"),
				strings.Join(a.Capabilities, ","),
			)
		}
		return w.Flush()
	},
}

var agentsRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register or replace an agent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		role, _ := cmd.Flags().GetString("role")
		name, _ := cmd.Flags().GetString("name")
		caps, _ := cmd.Flags().GetStringSlice("capability")

		got, err := apiClient().RegisterAgent(context.Background(), api.RegisterRequest{
			ID:           types.AgentID(id),
			Role:         types.Role(role),
			DisplayName:  name,
			Capabilities: caps,
		})
		if err != nil {
			return fmt.Errorf("register agent: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Agent %s registered as %s.\n", got, role)
		return nil
	},
}

var agentsHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat <id>",
	Short: "Refresh an agent's liveness",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().Heartbeat(context.Background(), types.AgentID(args[0])); err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Heartbeat sent for %s.\n", args[0])
		return nil
	},
}
