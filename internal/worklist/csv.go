// Copyright Peton Labs, 2026. All rights reserved.

package worklist

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/petonlabs/systematic-review-data-extraction/pkg/types"
)

// headerAliases maps normalized CSV header names onto work-item fields.
// Headers are normalized the same way regardless of the tool that produced
// the file: lowercased, spaces collapsed to underscores.
var headerAliases = map[string]string{
	"id":            "id",
	"article_id":    "id",
	"study_id":      "id",
	"title":         "title",
	"article_title": "title",
	"study_title":   "title",
	"doi":           "doi",
	"pmid":          "pmid",
	"pubmed_id":     "pmid",
	"url":           "url",
	"link":          "url",
	"full_text_url": "url",
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.ReplaceAll(h, " ", "_")
}

// ImportCSV reads worklist rows from r and adds the new ones to the store.
// Column order is free; headers are matched through headerAliases and
// unknown columns are ignored. Rows with no DOI, PMID, or URL cannot be
// fetched and are skipped. A row without an ID gets its item slug, which is
// stable across re-imports and row reordering. Returns how many rows were
// added and how many were skipped.
func ImportCSV(ctx context.Context, s *Store, r io.Reader) (added, skipped int, err error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return 0, 0, fmt.Errorf("worklist file is empty")
	}
	if err != nil {
		return 0, 0, fmt.Errorf("reading worklist header: %w", err)
	}

	fields := make(map[int]string, len(header))
	for i, h := range header {
		if field, ok := headerAliases[normalizeHeader(h)]; ok {
			fields[i] = field
		}
	}
	if len(fields) == 0 {
		return 0, 0, fmt.Errorf("worklist header has no recognized columns: %v", header)
	}

	var items []types.WorkItem
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, fmt.Errorf("reading worklist row: %w", err)
		}

		var item types.WorkItem
		for i, value := range record {
			value = strings.TrimSpace(value)
			switch fields[i] {
			case "id":
				item.ID = value
			case "title":
				item.Title = value
			case "doi":
				item.DOI = value
			case "pmid":
				item.PMID = value
			case "url":
				item.URL = value
			}
		}

		if item.DOI == "" && item.PMID == "" && item.URL == "" {
			skipped++
			continue
		}
		if item.ID == "" {
			item.ID = item.Slug()
		}
		items = append(items, item)
	}

	added, err = s.Add(ctx, items)
	if err != nil {
		return 0, 0, err
	}
	return added, skipped, nil
}

// ExportColumn pairs a stored field name with the header to print for it.
type ExportColumn struct {
	Field  string
	Header string
}

// ExportCSV writes one category's results to w, one row per item. Column
// order follows cols; with no cols the union of stored fields is used in
// sorted order, with the field names as headers.
func ExportCSV(ctx context.Context, s *Store, category string, cols []ExportColumn, w io.Writer) error {
	if category == "" {
		return fmt.Errorf("export category is required")
	}
	rows, err := s.Results(ctx, category)
	if err != nil {
		return err
	}

	if len(cols) == 0 {
		seen := make(map[string]bool)
		for _, row := range rows {
			for field := range row.Fields {
				if !seen[field] {
					seen[field] = true
					cols = append(cols, ExportColumn{Field: field, Header: field})
				}
			}
		}
		sort.Slice(cols, func(i, j int) bool { return cols[i].Field < cols[j].Field })
	}

	cw := csv.NewWriter(w)
	header := make([]string, 0, len(cols)+1)
	header = append(header, "item_id")
	for _, col := range cols {
		header = append(header, col.Header)
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("writing export header: %w", err)
	}

	for _, row := range rows {
		record := make([]string, 0, len(cols)+1)
		record = append(record, row.ItemID)
		for _, col := range cols {
			record = append(record, row.Fields[col.Field])
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("writing export row for %s: %w", row.ItemID, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// combinedExport is the JSON export document: every category's rows plus
// the generation time.
type combinedExport struct {
	GeneratedAt time.Time                    `json:"generated_at"`
	Categories  map[string][]types.ResultRow `json:"categories"`
}

// ExportJSON writes all stored results to w as a single JSON document
// grouped by category.
func ExportJSON(ctx context.Context, s *Store, w io.Writer) error {
	cats, err := s.Categories(ctx)
	if err != nil {
		return err
	}

	export := combinedExport{
		GeneratedAt: time.Now().UTC(),
		Categories:  make(map[string][]types.ResultRow, len(cats)),
	}
	for _, cat := range cats {
		rows, err := s.Results(ctx, cat)
		if err != nil {
			return err
		}
		export.Categories[cat] = rows
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(export); err != nil {
		return fmt.Errorf("encoding JSON export: %w", err)
	}
	return nil
}
