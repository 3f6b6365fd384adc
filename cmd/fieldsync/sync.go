package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/calfield/fieldsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync pass against the backend",
	Long: `Drain the pending action queue against the remote backend.

Actions are grouped by work order and submitted in enqueue order. A group
whose every action is accepted has its local ephemeral state cleaned up;
a partial failure leaves everything in place for the next pass.

The command assumes connectivity; if the backend is unreachable the
affected actions simply record a failed attempt and stay queued.`,
	Run: func(cmd *cobra.Command, args []string) {
		engine := openEngine(false)
		defer engine.Close()

		ctx := context.Background()
		pending, err := engine.Queue.PendingCount(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading queue: %v\n", err)
			os.Exit(1)
		}
		if pending == 0 {
			fmt.Printf("%s Nothing to sync\n", ui.RenderPass("✓"))
			return
		}

		fmt.Printf("%s Syncing %d pending actions...\n", ui.RenderAccent("🔄"), pending)
		start := time.Now()

		report, err := engine.Syncer.Sync(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during sync: %v\n", err)
			os.Exit(1)
		}

		elapsed := time.Since(start).Round(time.Millisecond)
		if report.FailedGroups == 0 {
			fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), elapsed)
		} else {
			fmt.Printf("%s Sync finished with failures in %v\n", ui.RenderWarn("⚠"), elapsed)
		}
		fmt.Printf("   Groups: %d total, %d succeeded, %d failed\n",
			report.TotalGroups, report.SucceededGroups, report.FailedGroups)

		if report.FailedGroups > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
