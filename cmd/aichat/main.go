// Package main is the entry point for the aichat CLI.
//
// Usage:
//
//	aichat [flags] <command> [args]
//
// Commands:
//
//	serve     - Run the classification engine and HTTP API
//	train     - Train a model from the stored or a given catalog
//	classify  - Classify one utterance with the saved model
//	catalog   - Inspect and edit the intent catalog (show, apply, delete)
//	version   - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/infisparks/aichat/cmd/aichat/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
