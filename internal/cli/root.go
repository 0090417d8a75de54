// Package cli implements the extscan command-line interface.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version information (set by build flags)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "extscan",
	Short: "Editor extension vulnerability scanner",
	Long: `extscan - Editor extension vulnerability scanner

Scans installed editor extensions against a remote analysis service and
reports known-vulnerable or malicious extensions. Results are cached
locally so repeated scans only analyze what changed.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)

	// Shared flags
	rootCmd.PersistentFlags().String("config", "", "Config file path (YAML)")
	rootCmd.PersistentFlags().String("cache", "", "Result cache path (SQLite)")
	rootCmd.PersistentFlags().IntP("verbose", "v", 0, "Verbosity level (0-3)")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("extscan %s (commit: %s, built: %s)\n", version, commit, date)
	},
}
