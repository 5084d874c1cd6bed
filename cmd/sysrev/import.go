package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petonlabs/systematic-review-data-extraction/internal/worklist"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Load worklist rows from a review CSV",
	Long: `Import reads the systematic review worklist CSV (one study per row,
with id, title, doi, pmid, and url columns) and adds new rows to the
worklist store. Rows already present are skipped, so re-importing an
updated file is safe.`,
	RunE: runImport,
}

func init() {
	importCmd.Flags().String("csv", "", "worklist CSV file (required)")

	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("csv")
	if path == "" {
		return fmt.Errorf("provide the worklist file with --csv")
	}

	cfg := pipelineConfig(cmd)
	wl, err := worklist.Open(cfg.Worklist)
	if err != nil {
		return err
	}
	defer wl.Close()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	added, skipped, err := worklist.ImportCSV(context.Background(), wl, f)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d item(s), skipped %d without a DOI, PMID, or URL\n", added, skipped)
	return nil
}
