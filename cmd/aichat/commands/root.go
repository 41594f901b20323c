package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	flagConfig  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "aichat",
	Short: "Self-training intent classification engine",
	Long: `aichat - an intent classification engine that retrains itself.

Operators define intents (tag, example patterns, canned responses) in a
catalog. The engine trains a small neural classifier on the catalog and
answers chat messages with the matching intent's response. Every catalog
change retrains the model in the background while the previous one keeps
serving.

Configuration is read from aichat.yaml (or --config) with AICHAT_*
environment overrides.

Examples:
  # Start the engine and HTTP API
  aichat serve --config aichat.yaml

  # Load a catalog and train a model without serving
  aichat catalog apply -f intents.yaml
  aichat train

  # Ask the saved model directly
  aichat classify "what are your opening hours"

  # Inspect the catalog
  aichat catalog show --jq '.intents[].tag'`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default aichat.yaml if present)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "verbose output")
}
