package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/calfield/fieldsync/internal/ui"
)

var blobCmd = &cobra.Command{
	Use:     "blob",
	GroupID: "local",
	Short:   "Manage stored photo attachments",
}

var blobSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove photo blobs older than the retention window",
	Long: `Delete photo files and their index rows older than the configured
retention window. Blobs still referenced by an unsynced queued action are
never removed, whatever their age.`,
	Run: func(cmd *cobra.Command, args []string) {
		days, _ := cmd.Flags().GetInt("days")

		engine := openEngine(false)
		defer engine.Close()

		if days <= 0 {
			days = engine.Config.Blob.RetentionDays
		}
		if days <= 0 {
			fmt.Fprintf(os.Stderr, "Error: no retention window configured; pass --days\n")
			os.Exit(1)
		}

		removed, err := engine.Blobs.Sweep(context.Background(), time.Duration(days)*24*time.Hour)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error sweeping blobs: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Removed %d photos older than %d days\n", ui.RenderPass("✓"), removed, days)
	},
}

var blobListCmd = &cobra.Command{
	Use:   "list <order-id>",
	Short: "List stored photos for one work order",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var ownerID int64
		if _, err := fmt.Sscanf(args[0], "%d", &ownerID); err != nil || ownerID <= 0 {
			fmt.Fprintf(os.Stderr, "Error: invalid order id %q\n", args[0])
			os.Exit(1)
		}

		engine := openEngine(false)
		defer engine.Close()

		records, err := engine.Blobs.ListByOwner(context.Background(), ownerID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing blobs: %v\n", err)
			os.Exit(1)
		}
		if len(records) == 0 {
			fmt.Printf("No photos stored for order %d\n", ownerID)
			return
		}

		fmt.Printf("\n%d photos for order %d:\n\n", len(records), ownerID)
		for _, record := range records {
			fmt.Printf("%s %-12s %-10s %s\n",
				ui.RenderDim(record.ID), record.Kind,
				formatSize(record.SizeBytes), record.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Println()
	},
}

func init() {
	blobSweepCmd.Flags().Int("days", 0, "retention window in days (default: configured value)")

	blobCmd.AddCommand(blobSweepCmd)
	blobCmd.AddCommand(blobListCmd)
	rootCmd.AddCommand(blobCmd)
}
