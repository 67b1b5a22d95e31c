// Package cli wires the ingestd cobra commands.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ingestd",
	Short: "DICOM study ingestion daemon",
	Long:  "Watches per-tenant inbox folders for completed DICOM studies, stamps each instance with its clinic identifier, and uploads it via STOW-RS.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
