// Command resolverctl inspects the resolver's persisted state and runs the
// endpoint codec by hand.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"display-resolver/internal/config"
)

// loadConfig is swapped out in tests.
var loadConfig = config.Load

var rootCmd = &cobra.Command{
	Use:          "resolverctl",
	Short:        "Operator tooling for the display resolver",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		config.SetupLogging(level)
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level: debug, info, warn or error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
