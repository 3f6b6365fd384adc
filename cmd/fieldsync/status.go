package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/calfield/fieldsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show engine status",
	Long: `Display the current state of the sync engine.

Shows:
  - Pending and stuck action counts
  - Reference snapshot age and size
  - Photo blob count`,
	Run: func(cmd *cobra.Command, args []string) {
		engine := openEngine(false)
		defer engine.Close()

		ctx := context.Background()
		status, err := engine.CollectStatus(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error collecting status: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\n%s FieldSync Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Data dir: %s\n", engine.Config.DataDir)

		if status.PendingCount == 0 {
			fmt.Printf("Pending actions: %s\n", ui.RenderPass("0"))
		} else {
			fmt.Printf("Pending actions: %s\n", ui.RenderWarn(fmt.Sprintf("%d", status.PendingCount)))
		}
		if status.StuckCount > 0 {
			fmt.Printf("Stuck actions: %s (run 'fieldsync queue reset' to retry)\n",
				ui.RenderFail(fmt.Sprintf("%d", status.StuckCount)))
		}

		if status.SnapshotMeta == nil {
			fmt.Printf("Snapshot: %s (run 'fieldsync snapshot refresh')\n", ui.RenderWarn("not populated"))
		} else {
			age := time.Since(status.SnapshotMeta.SyncTime).Round(time.Minute)
			freshness := ui.RenderPass("fresh")
			if !status.SnapshotFresh {
				freshness = ui.RenderWarn("stale")
			}
			fmt.Printf("Snapshot: %s, synced %v ago, %s\n",
				freshness, age, formatSize(int64(status.SnapshotMeta.SizeBytes)))
		}
		fmt.Println()
	},
}

// formatSize renders a byte count for humans.
func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
