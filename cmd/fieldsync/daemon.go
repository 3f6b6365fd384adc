package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/calfield/fieldsync/internal/daemon"
	"github.com/calfield/fieldsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync daemon (foreground)",
	Long: `Run the full sync engine in the foreground.

The daemon:
  1. Probes backend connectivity and triggers a debounced sync pass
     whenever connectivity is restored
  2. Runs periodic sync passes on a timer
  3. Watches the photo spool directory and queues new captures
  4. Keeps the reference snapshot populated for the configured role
  5. Sweeps aged photo blobs daily, keeping anything still referenced
     by an unsynced action
  6. Serves the supervisor dashboard when a port is configured

Press Ctrl+C to stop.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		engine, err := daemon.New(cfg, daemon.Options{Probe: true})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer engine.Close()

		fmt.Printf("%s Starting fieldsync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Data dir: %s\n", cfg.DataDir)
		fmt.Printf("   Backend: %s\n", cfg.Remote.BaseURL)
		if cfg.Dashboard.Port > 0 {
			fmt.Printf("   Dashboard: http://localhost:%d\n", cfg.Dashboard.Port)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := engine.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
