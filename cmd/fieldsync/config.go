package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/calfield/fieldsync/internal/config"
	"github.com/calfield/fieldsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Manage fieldsync configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented default fieldsync.yaml",
	Run: func(cmd *cobra.Command, args []string) {
		dir := configDir
		if dir == "" {
			dir = "."
		}
		path := filepath.Join(dir, "fieldsync.yaml")

		if err := config.WriteDefault(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		fmt.Printf("   Edit it, then run 'fieldsync daemon'\n")
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
