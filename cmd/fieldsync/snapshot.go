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

var snapshotCmd = &cobra.Command{
	Use:     "snapshot",
	GroupID: "local",
	Short:   "Manage the reference catalog snapshot",
}

var snapshotRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Download a fresh reference snapshot",
	Long: `Download the reference catalog (order types, steps, fields) for the
current relevance scope and persist it locally.

The scope is taken from recently used order types; with no history, a
capped set of the most broadly used types is downloaded. Pass --types to
force an explicit scope.`,
	Run: func(cmd *cobra.Command, args []string) {
		typeIDs, _ := cmd.Flags().GetInt64Slice("types")

		engine := openEngine(false)
		defer engine.Close()

		ctx := context.Background()
		fmt.Printf("%s Downloading reference snapshot...\n", ui.RenderAccent("🔄"))
		start := time.Now()

		if err := engine.Snapshot.Refresh(ctx, typeIDs); err != nil {
			fmt.Fprintf(os.Stderr, "Error refreshing snapshot: %v\n", err)
			os.Exit(1)
		}

		meta, err := engine.Snapshot.Meta(ctx)
		if err != nil || meta == nil {
			fmt.Fprintf(os.Stderr, "Error reading snapshot metadata: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Snapshot refreshed in %v (%s)\n",
			ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond),
			formatSize(int64(meta.SizeBytes)))
	},
}

var snapshotStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show snapshot freshness and size",
	Run: func(cmd *cobra.Command, args []string) {
		engine := openEngine(false)
		defer engine.Close()

		meta, err := engine.Snapshot.Meta(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading snapshot metadata: %v\n", err)
			os.Exit(1)
		}
		if meta == nil {
			fmt.Printf("\n%s No snapshot present\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'fieldsync snapshot refresh' to download one\n\n")
			return
		}

		age := time.Since(meta.SyncTime).Round(time.Minute)
		state := ui.RenderPass("fresh")
		if age >= engine.Config.Snapshot.Freshness {
			state = ui.RenderWarn("stale")
		}

		fmt.Printf("\n%s Snapshot Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("State: %s\n", state)
		fmt.Printf("Synced: %v ago (%s)\n", age, meta.SyncTime.Format("2006-01-02 15:04:05"))
		fmt.Printf("Size: %s\n", formatSize(int64(meta.SizeBytes)))
		fmt.Printf("User-scoped: %v\n", meta.UserScoped)
		fmt.Println()
	},
}

var snapshotPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove the snapshot and usage history",
	Long: `Delete the reference snapshot, its per-type sub-caches, and the usage
markers that drive relevance scoping.

Run this on sign-out so the next user starts from their own relevance
scope instead of inheriting the previous user's history.`,
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			var confirmed bool
			prompt := huh.NewConfirm().
				Title("Remove the reference snapshot and usage history?").
				Description("The next snapshot download starts from a clean relevance scope.").
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

		if err := engine.Snapshot.PurgeUserScoped(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Error purging snapshot: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Snapshot and usage history removed\n", ui.RenderPass("✓"))
	},
}

func init() {
	snapshotRefreshCmd.Flags().Int64Slice("types", nil, "explicit order type ids to download")
	snapshotPurgeCmd.Flags().Bool("force", false, "skip the confirmation prompt")

	snapshotCmd.AddCommand(snapshotRefreshCmd)
	snapshotCmd.AddCommand(snapshotStatusCmd)
	snapshotCmd.AddCommand(snapshotPurgeCmd)
	rootCmd.AddCommand(snapshotCmd)
}
