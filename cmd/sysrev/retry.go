package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-run items that failed in earlier runs",
	Long: `Retry moves every failed ledger item back to pending, clears its
recorded error, and works the pool over them. Items that failed for a
since-fixed reason (a source outage, a bad schema) complete; the rest
fail again with a fresh error record.`,
	RunE: runRetry,
}

func init() {
	retryCmd.Flags().Int("workers", 0, "worker pool size (default 4)")
	retryCmd.Flags().Int("limit", 0, "stop after claiming this many items (0 = no limit)")
	retryCmd.Flags().String("model", "", "AI model identifier for extraction")
	retryCmd.Flags().String("schema", "", "extraction schema YAML overriding the built-in categories")

	rootCmd.AddCommand(retryCmd)
}

func runRetry(cmd *cobra.Command, args []string) error {
	cfg := pipelineConfig(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	res, err := rt.pipe.RetryFailed(ctx)
	if err != nil {
		return err
	}
	if res.HasFailures() {
		return fmt.Errorf("%d item(s) failed again", res.Failed)
	}
	return nil
}
