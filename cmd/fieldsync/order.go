package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/calfield/fieldsync/internal/queue"
	"github.com/calfield/fieldsync/internal/snapshot"
	"github.com/calfield/fieldsync/internal/ui"
)

var orderCmd = &cobra.Command{
	Use:     "order",
	GroupID: "local",
	Short:   "Record work-order activity",
	Long: `Record activity against a work order.

Every mutation lands in the local queue immediately, whatever the network
state, and is submitted to the backend by the next sync pass.`,
}

var orderCommentCmd = &cobra.Command{
	Use:   "comment <order-id> <text>",
	Short: "Queue a comment on a work order",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ownerID := parseOrderID(args[0])
		text := strings.Join(args[1:], " ")

		engine := openEngine(false)
		defer engine.Close()

		id, err := engine.Queue.Enqueue(context.Background(), ownerID, engine.Config.ActorID,
			queue.CommentPayload{Text: text})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error queueing comment: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Comment queued for order %d (action %s)\n", ui.RenderPass("✓"), ownerID, id)
	},
}

var orderAuditCmd = &cobra.Command{
	Use:   "audit <order-id>",
	Short: "Queue the closing audit for a work order",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ownerID := parseOrderID(args[0])
		rating, _ := cmd.Flags().GetInt("rating")
		summary, _ := cmd.Flags().GetString("summary")

		if rating < 1 || rating > 5 {
			fmt.Fprintf(os.Stderr, "Error: --rating must be 1-5\n")
			os.Exit(1)
		}

		engine := openEngine(false)
		defer engine.Close()

		id, err := engine.Queue.Enqueue(context.Background(), ownerID, engine.Config.ActorID,
			queue.FinalAuditPayload{
				Rating:      rating,
				Summary:     summary,
				CompletedAt: time.Now().UTC(),
			})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error queueing audit: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Final audit queued for order %d (action %s)\n", ui.RenderPass("✓"), ownerID, id)
	},
}

var orderStepsCmd = &cobra.Command{
	Use:   "steps <order-type-id>",
	Short: "Show the steps and fields for an order type",
	Long: `Show the step and data entry field definitions for one order type.

The lookup answers from the local snapshot when possible and reaches the
backend only as a last resort. The source of the answer is always shown;
a placeholder answer means no catalog data was reachable.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		typeID := parseOrderID(args[0])

		engine := openEngine(false)
		defer engine.Close()

		ctx := context.Background()
		details, provenance, err := engine.Snapshot.LookupChildren(ctx, typeID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error looking up steps: %v\n", err)
			os.Exit(1)
		}

		// Viewing a type counts as usage for the relevance scope.
		if err := engine.Snapshot.RecordUsage(ctx, typeID); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to record usage: %v\n", err)
		}

		source := ui.RenderDim(string(provenance))
		if provenance == snapshot.FromPlaceholder {
			source = ui.RenderWarn(string(provenance))
		}
		fmt.Printf("\nOrder type %d (%s):\n\n", typeID, source)
		for _, detail := range details {
			fmt.Printf("%2d. %s\n", detail.Step.Seq, detail.Step.Name)
			for _, field := range detail.Fields {
				required := ""
				if field.Required {
					required = ui.RenderWarn(" (required)")
				}
				fmt.Printf("      %-10s %s%s\n", field.Kind, field.Name, required)
			}
		}
		fmt.Println()
	},
}

// parseOrderID parses a positive integer id argument or exits.
func parseOrderID(arg string) int64 {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		fmt.Fprintf(os.Stderr, "Error: invalid id %q\n", arg)
		os.Exit(1)
	}
	return id
}

func init() {
	orderAuditCmd.Flags().Int("rating", 0, "overall rating, 1-5")
	orderAuditCmd.Flags().String("summary", "", "closing summary text")
	_ = orderAuditCmd.MarkFlagRequired("rating")

	orderCmd.AddCommand(orderCommentCmd)
	orderCmd.AddCommand(orderAuditCmd)
	orderCmd.AddCommand(orderStepsCmd)
	rootCmd.AddCommand(orderCmd)
}
