package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var trainFile string

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a model from the stored catalog",
	Long: `Trains a classifier on the catalog and saves the artifact to the
model store.

With -f, the given catalog file (JSON or YAML) is merged into the
catalog store first, so the stored catalog and the trained model stay
in step.`,
	RunE: runTrain,
}

func init() {
	trainCmd.Flags().StringVarP(&trainFile, "file", "f", "", "catalog file to merge before training")
	rootCmd.AddCommand(trainCmd)
}

func runTrain(cmd *cobra.Command, args []string) error {
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

	if trainFile != "" {
		cat, err := readCatalogFile(trainFile)
		if err != nil {
			return err
		}
		merged, err := engine.SubmitCatalog(ctx, cat)
		if err != nil {
			return err
		}
		fmt.Printf("merged %s: %d intents (%d stored)\n", trainFile, len(cat.Intents), len(merged.Intents))
	}

	st, err := engine.TrainOnce(ctx)
	if err != nil {
		return err
	}

	cat, err := engine.Catalog(ctx)
	if err != nil {
		return err
	}
	for _, in := range cat.Intents {
		fmt.Printf("  %s %s\n", labelStyle.Render(in.Tag),
			dimStyle.Render(fmt.Sprintf("%d patterns, %d responses", len(in.Patterns), len(in.Responses))))
	}
	printField("model", st.ModelVersion)
	printField("fingerprint", st.Fingerprint)
	printField("vocabulary", fmt.Sprintf("%d words", st.Words))
	printField("classes", strconv.Itoa(st.Classes))
	return nil
}
