// Copyright Peton Labs, 2026. All rights reserved.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/petonlabs/systematic-review-data-extraction/internal/extractor"
	"github.com/petonlabs/systematic-review-data-extraction/internal/worklist"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write extracted results to CSV or JSON tables",
	Long: `Export dumps the results store. CSV format writes one file per
category with the schema's column headers; JSON format writes a single
document grouped by category. Partial results export fine: a worklist
mid-run exports whatever has been extracted so far.`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().String("format", "csv", "export format: csv or json")
	exportCmd.Flags().String("out", "output/exports", "directory for export files")
	exportCmd.Flags().String("category", "", "export a single category (csv only)")
	exportCmd.Flags().String("schema", "", "extraction schema YAML overriding the built-in categories")

	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	outDir, _ := cmd.Flags().GetString("out")
	category, _ := cmd.Flags().GetString("category")

	cfg := pipelineConfig(cmd)
	wl, err := worklist.Open(cfg.Worklist)
	if err != nil {
		return err
	}
	defer wl.Close()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("creating export directory: %w", err)
	}

	ctx := context.Background()
	switch format {
	case "csv", "":
		schema, err := extractor.LoadSchema(cfg.Extraction.SchemaPath)
		if err != nil {
			return err
		}
		cats := []string{category}
		if category == "" {
			if cats, err = wl.Categories(ctx); err != nil {
				return err
			}
			if len(cats) == 0 {
				return fmt.Errorf("no results to export yet")
			}
		}
		for _, cat := range cats {
			path := filepath.Join(outDir, cat+".csv")
			if err := exportCategoryCSV(ctx, wl, cat, schemaColumns(schema, cat), path); err != nil {
				return err
			}
			fmt.Printf("Exported %s\n", path)
		}
	case "json":
		path := filepath.Join(outDir, "results.json")
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := worklist.ExportJSON(ctx, wl, f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Printf("Exported %s\n", path)
	default:
		return fmt.Errorf("unsupported format %q: use csv or json", format)
	}

	return nil
}

func exportCategoryCSV(ctx context.Context, wl *worklist.Store, category string, cols []worklist.ExportColumn, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := worklist.ExportCSV(ctx, wl, category, cols, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// schemaColumns returns the category's export columns in schema order, or
// nil for a category the schema does not define.
func schemaColumns(schema []extractor.Category, category string) []worklist.ExportColumn {
	for _, cat := range schema {
		if cat.Name != category {
			continue
		}
		cols := make([]worklist.ExportColumn, 0, len(cat.Fields))
		for _, f := range cat.Fields {
			cols = append(cols, worklist.ExportColumn{Field: f.Name, Header: f.Column})
		}
		return cols
	}
	return nil
}
