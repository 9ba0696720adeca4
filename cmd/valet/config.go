package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/valetrun/valet/internal/config"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Validate and inspect the runtime configuration.`,
}

// configValidateCmd represents the config validate command
var configValidateCmd = &cobra.Command{
	Use:   "validate [config-file]",
	Short: "Validate configuration file",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		configPath := "./config.toml"
		if len(args) > 0 {
			configPath = args[0]
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}

		if errs := cfg.Validate(); len(errs) > 0 {
			fmt.Fprintf(os.Stderr, "configuration is invalid:\n")
			for _, e := range errs {
				fmt.Fprintf(os.Stderr, "  - %v\n", e)
			}
			os.Exit(1)
		}

		fmt.Printf("configuration %s is valid\n", configPath)
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}
