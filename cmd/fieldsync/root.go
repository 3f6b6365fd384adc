package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/calfield/fieldsync/internal/config"
	"github.com/calfield/fieldsync/internal/daemon"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first sync engine for field-service work orders",
	Long: `fieldsync keeps a field device usable without network connectivity.

Mutations (photos, audits, comments) are queued locally and reconciled
with the backend once connectivity returns. A bounded snapshot of the
reference catalog (order types, steps, fields) is kept fresh for offline
data entry, and photo attachments are stored with a durable index.

Configuration is read from fieldsync.yaml in the current directory or the
data directory; every key can be overridden with FIELDSYNC_* environment
variables. Run 'fieldsync config init' to generate a starter file.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "",
		"directory containing fieldsync.yaml (default: current dir, then data dir)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
		&cobra.Group{ID: "local", Title: "Local state:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
}

// loadConfig reads the configuration or exits.
func loadConfig() config.Config {
	cfg, err := config.Load(configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// openEngine assembles the engine for a one-shot command or exits. The
// caller must Close it.
func openEngine(probe bool) *daemon.Engine {
	engine, err := daemon.New(loadConfig(), daemon.Options{Probe: probe})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return engine
}
