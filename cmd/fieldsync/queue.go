package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/calfield/fieldsync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "local",
	Short:   "Inspect and manage the pending action queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending actions",
	Run: func(cmd *cobra.Command, args []string) {
		engine := openEngine(false)
		defer engine.Close()

		ctx := context.Background()
		// List everything below an effectively unbounded ceiling so stuck
		// actions show up too.
		actions, err := engine.Queue.ListPending(ctx, 1<<30)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading queue: %v\n", err)
			os.Exit(1)
		}
		if len(actions) == 0 {
			fmt.Printf("%s Queue is empty\n", ui.RenderPass("✓"))
			return
		}

		maxAttempts := engine.Config.Sync.MaxAttempts
		fmt.Printf("\n%d pending actions:\n\n", len(actions))
		for _, action := range actions {
			marker := ui.RenderDim("·")
			if action.Attempts >= maxAttempts {
				marker = ui.RenderFail("✗")
			} else if action.Attempts > 0 {
				marker = ui.RenderWarn("↻")
			}
			fmt.Printf("%s order %-6d %-12s attempts=%d queued %s\n",
				marker, action.OwnerID, action.Payload.Kind(), action.Attempts,
				action.CreatedAt.Format(time.RFC3339))
		}
		fmt.Println()
	},
}

var queueResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset attempt counters on stuck actions",
	Long: `Zero the attempt counters of actions that exhausted their retries so
they re-enter the pending set on the next sync pass.`,
	Run: func(cmd *cobra.Command, args []string) {
		engine := openEngine(false)
		defer engine.Close()

		count, err := engine.Queue.ResetFailedAttempts(context.Background(), engine.Config.Sync.MaxAttempts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error resetting attempts: %v\n", err)
			os.Exit(1)
		}
		if count == 0 {
			fmt.Printf("%s No stuck actions\n", ui.RenderPass("✓"))
			return
		}
		fmt.Printf("%s Reset %d stuck actions; run 'fieldsync sync' to retry\n",
			ui.RenderPass("✓"), count)
	},
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge <order-id>",
	Short: "Drop all queued actions for one work order",
	Long: `Delete every queued action belonging to a work order, synced or not.

This is destructive: unsynced mutations for the order are lost. Use it
only for orders that were cancelled or resolved out of band.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var ownerID int64
		if _, err := fmt.Sscanf(args[0], "%d", &ownerID); err != nil || ownerID <= 0 {
			fmt.Fprintf(os.Stderr, "Error: invalid order id %q\n", args[0])
			os.Exit(1)
		}

		force, _ := cmd.Flags().GetBool("force")
		if !force {
			var confirmed bool
			prompt := huh.NewConfirm().
				Title(fmt.Sprintf("Drop all queued actions for order %d?", ownerID)).
				Description("Unsynced mutations for this order will be lost.").
				Value(&confirmed)
			if err := prompt.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if !confirmed {
				fmt.Println("Aborted")
				return
			}
		}

		engine := openEngine(false)
		defer engine.Close()

		if err := engine.Queue.PurgeForOwner(context.Background(), ownerID); err != nil {
			fmt.Fprintf(os.Stderr, "Error purging queue: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Purged queued actions for order %d\n", ui.RenderPass("✓"), ownerID)
	},
}

func init() {
	queuePurgeCmd.Flags().BoolP("force", "f", false, "skip the confirmation prompt")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueResetCmd)
	queueCmd.AddCommand(queuePurgeCmd)
	rootCmd.AddCommand(queueCmd)
}
