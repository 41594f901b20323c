package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/itchyny/gojq"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/infisparks/aichat/pkg/brain"
	"github.com/infisparks/aichat/pkg/intent"
)

var (
	catalogFile   string
	catalogJQ     string
	catalogOutput string
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect and edit the intent catalog",
}

var catalogShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored catalog",
	RunE:  runCatalogShow,
}

var catalogApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Merge a catalog file into the store",
	Long: `Merges the intents from a JSON or YAML file into the stored catalog.

Intents are keyed by tag: an incoming tag replaces the stored intent
with the same tag wholesale, new tags are appended, and stored tags the
file does not mention are left alone. A running server picks up the
write and retrains.`,
	RunE: runCatalogApply,
}

var catalogDeleteCmd = &cobra.Command{
	Use:   "delete <tag>",
	Short: "Remove one intent from the catalog",
	Args:  cobra.ExactArgs(1),
	RunE:  runCatalogDelete,
}

func init() {
	catalogShowCmd.Flags().StringVar(&catalogJQ, "jq", "", "filter the catalog with a jq expression")
	catalogShowCmd.Flags().StringVarP(&catalogOutput, "output", "o", "yaml", "output format (yaml, json)")
	catalogApplyCmd.Flags().StringVarP(&catalogFile, "file", "f", "", "catalog file (JSON or YAML)")
	catalogApplyCmd.MarkFlagRequired("file")
	catalogCmd.AddCommand(catalogShowCmd, catalogApplyCmd, catalogDeleteCmd)
	rootCmd.AddCommand(catalogCmd)
}

func runCatalogShow(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(flagConfig)
	if err != nil {
		return err
	}
	store, closeStore, err := cfg.openCatalogStore(cfg.newLogger())
	if err != nil {
		return err
	}
	defer closeStore()

	cat, _, err := store.ReadCatalog(cmd.Context())
	if err != nil {
		return err
	}
	if catalogJQ != "" {
		return runJQ(os.Stdout, cat, catalogJQ)
	}
	return writeOutput(os.Stdout, cat, catalogOutput)
}

func runCatalogApply(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(flagConfig)
	if err != nil {
		return err
	}
	logger := cfg.newLogger()

	cat, err := readCatalogFile(catalogFile)
	if err != nil {
		return err
	}

	store, closeStore, err := cfg.openCatalogStore(logger)
	if err != nil {
		return err
	}
	defer closeStore()

	engine := brain.New(brain.Config{Catalog: store, Logger: logger})
	merged, err := engine.SubmitCatalog(cmd.Context(), cat)
	if err != nil {
		return err
	}
	fmt.Printf("applied %d intents (%d total)\n", len(cat.Intents), len(merged.Intents))
	return nil
}

func runCatalogDelete(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(flagConfig)
	if err != nil {
		return err
	}
	store, closeStore, err := cfg.openCatalogStore(cfg.newLogger())
	if err != nil {
		return err
	}
	defer closeStore()

	ctx := cmd.Context()
	cat, exists, err := store.ReadCatalog(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("no catalog stored")
	}

	tag := args[0]
	kept := make([]intent.Intent, 0, len(cat.Intents))
	found := false
	for _, in := range cat.Intents {
		if in.Tag == tag {
			found = true
			continue
		}
		kept = append(kept, in)
	}
	if !found {
		return fmt.Errorf("no intent with tag %q", tag)
	}
	if err := store.WriteCatalog(ctx, intent.Catalog{Intents: kept}); err != nil {
		return err
	}
	fmt.Printf("deleted %q (%d intents remain)\n", tag, len(kept))
	return nil
}

// readCatalogFile parses a catalog document from a JSON or YAML file.
// Both go through the same document checks a POST /v1/intents body gets.
func readCatalogFile(path string) (intent.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return intent.Catalog{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc struct {
			Intents []intent.Intent `yaml:"intents"`
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return intent.Catalog{}, fmt.Errorf("parse %s: %w", path, err)
		}
		data, err = json.Marshal(intent.Catalog{Intents: doc.Intents})
		if err != nil {
			return intent.Catalog{}, err
		}
	}
	cat, err := intent.ParseDocument(data)
	if err != nil {
		return intent.Catalog{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cat, nil
}

// runJQ filters v with a jq expression and prints each result as a JSON
// line. gojq operates on plain maps and slices, so v round-trips
// through JSON first.
func runJQ(w io.Writer, v any, expr string) error {
	query, err := gojq.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid jq expression %q: %w", expr, err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	iter := query.Run(doc)
	enc := json.NewEncoder(w)
	for {
		v, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, ok := v.(error); ok {
			return fmt.Errorf("jq: %w", err)
		}
		if err := enc.Encode(v); err != nil {
			return err
		}
	}
}
