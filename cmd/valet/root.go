package main

import (
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "valet",
	Short: "Valet - personal assistant runtime",
	Long: `Valet is a self-hosted personal assistant runtime built around a
message bus, a tool-calling agent loop, per-user sessions, and a
cron-style scheduler.`,
	Version: Version,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cronCmd)
}
