package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/calfield/fieldsync/internal/dashboard"
	"github.com/calfield/fieldsync/internal/ui"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Start the supervisor WebSocket dashboard",
	Long: `Start a standalone WebSocket dashboard server over the local engine
state.

WebSocket messages include:
- status: pending/stuck counts and snapshot freshness, sent on connect
- sync_report: the result of each completed sync pass
- connectivity: online/offline transitions

The daemon serves the same dashboard when dashboard.port is configured;
this command is for running it separately.

Connect with a WebSocket client:
  ws://localhost:8080/ws`,
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("port")

		engine := openEngine(false)
		defer engine.Close()

		status := func(ctx context.Context) (dashboard.StatusData, error) {
			s, err := engine.CollectStatus(ctx)
			if err != nil {
				return dashboard.StatusData{}, err
			}
			data := dashboard.StatusData{
				PendingCount:  s.PendingCount,
				StuckCount:    s.StuckCount,
				SnapshotFresh: s.SnapshotFresh,
			}
			if s.Online {
				data.Online = 1
			}
			return data, nil
		}

		server := dashboard.NewServer(port, status, nil)
		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Dashboard started on http://localhost:%d\n", ui.RenderAccent("🚀"), port)
		fmt.Printf("   WebSocket endpoint: ws://localhost:%d/ws\n", port)
		fmt.Printf("   Health check: http://localhost:%d/health\n", port)
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down dashboard...")
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	rootCmd.AddCommand(dashboardCmd)
}
