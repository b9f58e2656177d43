// Package cmd implements the certview-mirror CLI using cobra: serve the
// control surface over HTTP, drive one-shot sync operations, or apply
// migrations, all against the same configuration file.
package cmd

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "certview-mirror",
	Short: "Mirrors the CertView certificate inventory into a local store",
	Long: "certview-mirror incrementally harvests a remote certificate inventory\n" +
		"and annotates the mirrored records against a user-supplied inventory file.",
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (optional; env vars and defaults still apply)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(annotateCmd)
	rootCmd.AddCommand(migrateCmd)
}
