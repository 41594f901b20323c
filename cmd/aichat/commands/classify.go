package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var classifyCmd = &cobra.Command{
	Use:   "classify <utterance>",
	Short: "Classify one utterance with the saved model",
	Long: `Loads the persisted model and the stored catalog, classifies the
utterance and prints the canned response.

Fails when no model has been saved yet, or when the catalog changed
since the model was trained. Run "aichat train" first in either case.`,
	Args: cobra.ExactArgs(1),
	RunE: runClassify,
}

func init() {
	rootCmd.AddCommand(classifyCmd)
}

func runClassify(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(flagConfig)
	if err != nil {
		return err
	}
	logger := cfg.newLogger()
	ctx := cmd.Context()

	engine, closeStore, err := newEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := engine.Restore(ctx); err != nil {
		return err
	}
	reply, err := engine.Classify(args[0])
	if err != nil {
		return err
	}
	fmt.Println(reply.Response)
	fmt.Println(dimStyle.Render(fmt.Sprintf("intent=%s confidence=%.2f", reply.Tag, reply.Confidence)))
	return nil
}
