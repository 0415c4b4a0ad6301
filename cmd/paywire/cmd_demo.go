package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/paywire/internal/api"
	"github.com/user/paywire/internal/orchestrator"
	"github.com/user/paywire/internal/types"
)

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.AddCommand(demoStartCmd, demoCancelCmd, demoStatusCmd)

	demoStartCmd.Flags().String("buyer", "", "buyer agent id (newest connected buyer when empty)")
	demoStartCmd.Flags().String("seller", "", "seller agent id (newest connected seller when empty)")
	demoStartCmd.Flags().Bool("wait", false, "wait for the attempt to finish")
	demoStartCmd.Flags().Duration("timeout", 2*time.Minute, "how long --wait waits")
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run purchase attempts on a running daemon",
}

var demoStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a purchase attempt",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		buyer, _ := cmd.Flags().GetString("buyer")
		seller, _ := cmd.Flags().GetString("seller")
		wait, _ := cmd.Flags().GetBool("wait")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		client := apiClient()
		id, err := client.StartDemo(context.Background(), api.StartRequest{
			BuyerID:  types.AgentID(buyer),
			SellerID: types.AgentID(seller),
		})
		if err != nil {
			return fmt.Errorf("start demo: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Attempt %s started.\n", id)
		if !wait {
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		snap, err := waitForAttempt(ctx, client, id)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, snap.Summary())
		if snap.State == orchestrator.StateFailed {
			return fmt.Errorf("attempt failed: %s", snap.Reason)
		}
		return nil
	},
}

var demoCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the in-flight attempt",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cancelled, err := apiClient().Cancel(context.Background())
		if err != nil {
			return fmt.Errorf("cancel: %w", err)
		}
		if cancelled {
			fmt.Println("Cancellation requested.")
		} else {
			fmt.Println("No purchase in progress.")
		}
		return nil
	},
}

var demoStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current or most recent attempt",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := apiClient().Attempt(context.Background())
		var se *api.StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			fmt.Println("No purchase has run yet.")
			return nil
		}
		if err != nil {
			return fmt.Errorf("attempt status: %w", err)
		}
		fmt.Fprintln(os.Stdout, snap.Summary())
		return nil
	},
}

// waitForAttempt polls until attempt id reaches a terminal state.
func waitForAttempt(ctx context.Context, client *api.Client, id types.AttemptID) (orchestrator.Snapshot, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		snap, err := client.Attempt(ctx)
		if err != nil {
			return orchestrator.Snapshot{}, fmt.Errorf("poll attempt: %w", err)
		}
		if snap.ID == id && snap.State.Terminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return orchestrator.Snapshot{}, fmt.Errorf("waiting for attempt %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}
