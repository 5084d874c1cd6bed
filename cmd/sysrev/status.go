// Copyright Peton Labs, 2026. All rights reserved.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/petonlabs/systematic-review-data-extraction/internal/ledger"
	"github.com/petonlabs/systematic-review-data-extraction/internal/strategy"
	"github.com/petonlabs/systematic-review-data-extraction/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report ledger progress, strategy state, and rate budgets",
	Long: `Status summarizes the progress ledger (items per state, failures by
kind), the persisted extraction strategy, and the configured rate budgets.
Safe to run against a live ledger while a run is in progress.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().Bool("json", false, "output the report as JSON")

	rootCmd.AddCommand(statusCmd)
}

// statusReport is the machine-readable form of the status output.
type statusReport struct {
	Total     int                     `json:"total"`
	States    map[types.ItemState]int `json:"states"`
	Failures  map[types.ErrorKind]int `json:"failures,omitempty"`
	Mode      types.Strategy          `json:"mode"`
	RunID     string                  `json:"run_id"`
	Processed int                     `json:"processed"`
	Succeeded int                     `json:"succeeded"`
	Failed    int                     `json:"failed"`
	Demoted   int                     `json:"demoted"`
	Budgets   map[string]int          `json:"budgets_per_minute"`
}

// displayStates fixes the order states print in.
var displayStates = []types.ItemState{
	types.StatePending,
	types.StateFetching,
	types.StateExtracting,
	types.StateDone,
	types.StateFailed,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg := pipelineConfig(cmd)

	led, err := ledger.Open(cfg.Ledger)
	if err != nil {
		return err
	}
	defer led.Close()

	summary, err := led.Summary(context.Background())
	if err != nil {
		return err
	}

	// Status must report the persisted mode, never switch it.
	cfg.Strategy.Mode = ""
	strat, err := strategy.Load(cfg.Strategy, nil)
	if err != nil {
		return err
	}
	st := strat.Snapshot()

	budgets := map[string]int{"default": cfg.RateLimit.Default.PerMinute}
	for name, b := range cfg.RateLimit.Budgets {
		budgets[name] = b.PerMinute
	}

	report := statusReport{
		Total:     summary.Total,
		States:    summary.States,
		Failures:  summary.FailureKinds,
		Mode:      st.Mode,
		RunID:     st.RunID,
		Processed: st.Processed,
		Succeeded: st.Succeeded,
		Failed:    st.Failed,
		Demoted:   len(st.Demoted),
		Budgets:   budgets,
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	printStatus(cfg, report)
	return nil
}

func printStatus(cfg types.PipelineConfig, r statusReport) {
	path := cfg.Ledger.Path
	if path == "" {
		path = "state/ledger.db"
	}

	fmt.Printf("Ledger (%s):\n", path)
	for _, state := range displayStates {
		fmt.Printf("  %-12s %4d\n", state, r.States[state])
	}
	fmt.Printf("  %-12s %4d\n", "total", r.Total)

	if len(r.Failures) > 0 {
		kinds := make([]string, 0, len(r.Failures))
		for k := range r.Failures {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)

		fmt.Println("\nFailures by kind:")
		for _, k := range kinds {
			fmt.Printf("  %-20s %4d\n", k, r.Failures[types.ErrorKind(k)])
		}
	}

	fmt.Printf("\nStrategy: %s (run %s)\n", r.Mode, r.RunID)
	fmt.Printf("  processed %d, succeeded %d, failed %d\n", r.Processed, r.Succeeded, r.Failed)
	if r.Demoted > 0 {
		fmt.Printf("  demoted: %d item(s)\n", r.Demoted)
	}

	names := make([]string, 0, len(r.Budgets))
	for name := range r.Budgets {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("\nRate budgets (per minute):")
	for _, name := range names {
		fmt.Printf("  %-12s %4d\n", name, r.Budgets[name])
	}
}
