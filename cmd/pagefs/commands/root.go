// Package commands implements the pagefs CLI.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "pagefs",
	Short: "PageFS - demand-paging toolkit for copy-on-write volumes",
	Long: `PageFS implements page-fault servicing and memory-object lifecycle
management for copy-on-write volumes: demand-paged memory objects, a
per-volume fault-servicing worker, and strong/weak file registration with
zero-children downgrade.

Use "pagefs [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: $XDG_CONFIG_HOME/pagefs/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(initCmd)
}
