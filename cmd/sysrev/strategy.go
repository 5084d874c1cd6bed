package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petonlabs/systematic-review-data-extraction/internal/strategy"
	"github.com/petonlabs/systematic-review-data-extraction/pkg/types"
)

var strategyCmd = &cobra.Command{
	Use:   "strategy [content-first|metadata-first]",
	Short: "Show or set the persisted extraction strategy",
	Long: `Without arguments, strategy prints the persisted run mode and its
counters. With a mode argument it switches the mode, which starts a new
logical run: fresh counters, fresh demotions, same worklist.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStrategyCmd,
}

func init() {
	rootCmd.AddCommand(strategyCmd)
}

func runStrategyCmd(cmd *cobra.Command, args []string) error {
	cfg := pipelineConfig(cmd)

	// Loading must not itself switch the run; only an explicit argument does.
	cfg.Strategy.Mode = ""
	m, err := strategy.Load(cfg.Strategy, nil)
	if err != nil {
		return err
	}

	if len(args) == 1 {
		mode := types.Strategy(args[0])
		if mode != types.StrategyContentFirst && mode != types.StrategyMetadataFirst {
			return fmt.Errorf("unknown strategy %q: use content-first or metadata-first", args[0])
		}
		if m.Mode() == mode {
			fmt.Printf("Strategy already %s (run %s)\n", mode, m.RunID())
			return nil
		}
		if err := m.SetMode(mode); err != nil {
			return err
		}
		fmt.Printf("Strategy set to %s (new run %s)\n", mode, m.RunID())
		return nil
	}

	st := m.Snapshot()
	fmt.Printf("Mode: %s (run %s)\n", st.Mode, st.RunID)
	fmt.Printf("  processed %d, succeeded %d, failed %d\n", st.Processed, st.Succeeded, st.Failed)
	if len(st.Demoted) > 0 {
		fmt.Printf("  demoted: %d item(s)\n", len(st.Demoted))
	}
	return nil
}
