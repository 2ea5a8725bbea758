// Package commands implements the swhub CLI.
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
	Use:   "swhub",
	Short: "Seawolf hub - coordination server",
	Long: `The Seawolf hub is a coordination server for a pool of cooperating
processes. Clients connect over TCP, authenticate with a shared password,
and exchange broadcast notifications, shared floating-point variables with
change subscriptions, and centralized log lines.

Running swhub without a subcommand starts the hub.

Use "swhub [command] --help" for more information about a command.`,
	RunE:          runStart,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI. Called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: $HOME/.swhubrc, then /etc/seawolf_hub.conf)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
