// Copyright Peton Labs, 2026. All rights reserved.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/petonlabs/systematic-review-data-extraction/internal/cache"
	"github.com/petonlabs/systematic-review-data-extraction/internal/extractor"
	"github.com/petonlabs/systematic-review-data-extraction/internal/fetch"
	"github.com/petonlabs/systematic-review-data-extraction/internal/ledger"
	"github.com/petonlabs/systematic-review-data-extraction/internal/logging"
	"github.com/petonlabs/systematic-review-data-extraction/internal/metrics"
	"github.com/petonlabs/systematic-review-data-extraction/internal/pipeline"
	"github.com/petonlabs/systematic-review-data-extraction/internal/ratelimit"
	"github.com/petonlabs/systematic-review-data-extraction/internal/strategy"
	"github.com/petonlabs/systematic-review-data-extraction/internal/worklist"
	"github.com/petonlabs/systematic-review-data-extraction/pkg/types"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultUserAgent = "sysrev/0.1"
	defaultLogFile   = "logs/sysrev.log"
	defaultModel     = "claude-sonnet-4-5-20250929"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Work through the worklist: fetch, archive, extract",
	Long: `Run seeds the progress ledger from the worklist, recovers items a
previous process abandoned, and works the pool until every item is done,
failed, or waiting on an exhausted rate budget. Interrupting a run is
safe; the next run resumes from the ledger.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().Int("workers", 0, "worker pool size (default 4)")
	runCmd.Flags().String("strategy", "", "run strategy: content-first or metadata-first")
	runCmd.Flags().Int("limit", 0, "stop after claiming this many items (0 = no limit)")
	runCmd.Flags().String("metrics-addr", "", "Prometheus listen address (empty = no listener)")
	runCmd.Flags().String("schema", "", "extraction schema YAML overriding the built-in categories")
	runCmd.Flags().String("model", "", "AI model identifier for extraction")
	runCmd.Flags().Duration("timeout", 0, "HTTP request timeout (default 60s)")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg := pipelineConfig(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", rt.metrics.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.log.Warn("metrics listener failed", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	items, err := rt.worklist.Items(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("worklist is empty: load it with `sysrev import --csv FILE`")
	}

	res, err := rt.pipe.Run(ctx, items)
	if err != nil {
		return err
	}
	if res.HasFailures() {
		return fmt.Errorf("%d item(s) failed", res.Failed)
	}
	return nil
}

// pipelineConfig assembles the effective configuration: the config file and
// SYSREV_* environment via viper underneath, explicit flags on top. Stage
// constructors fill in their own defaults for anything still zero.
func pipelineConfig(cmd *cobra.Command) types.PipelineConfig {
	cfg := types.PipelineConfig{
		Fetch: types.FetchConfig{
			HTTPConfig: types.HTTPConfig{
				Timeout:   viper.GetDuration("fetch.timeout"),
				UserAgent: defaultUserAgent,
			},
			UnpaywallEmail: secretDefault("unpaywall-email", viper.GetString("fetch.unpaywall_email")),
			MaxDocumentMB:  viper.GetInt("fetch.max_document_mb"),
			SpoolDir:       viper.GetString("fetch.spool_dir"),
			MaxRetries:     viper.GetInt("fetch.max_retries"),
		},
		Chunk: types.ChunkConfig{
			ChunkSize:  viper.GetInt("chunk.chunk_size"),
			Overlap:    viper.GetInt("chunk.overlap"),
			MaxTextLen: viper.GetInt("chunk.max_text_len"),
		},
		Cache: types.CacheConfig{
			Driver:    types.CacheDriver(viper.GetString("cache.driver")),
			Endpoint:  viper.GetString("cache.endpoint"),
			Region:    viper.GetString("cache.region"),
			Bucket:    viper.GetString("cache.bucket"),
			AccessKey: secretDefault("cache-access-key", viper.GetString("cache.access_key")),
			SecretKey: secretDefault("cache-secret-key", viper.GetString("cache.secret_key")),
			UseSSL:    viper.GetBool("cache.use_ssl"),
		},
		Strategy: types.StrategyConfig{
			StatePath:   viper.GetString("strategy.state_path"),
			DemoteAfter: viper.GetInt("strategy.demote_after"),
		},
		RateLimit: rateLimitConfig(),
		Ledger:    types.LedgerConfig{Path: viper.GetString("ledger.path")},
		Worklist:  types.WorklistConfig{Path: viper.GetString("worklist.path")},
		Extraction: types.ExtractionConfig{
			AIConfig: types.AIConfig{
				Model:      viper.GetString("extraction.model"),
				APIKey:     secretDefault("anthropic-api-key", viper.GetString("extraction.api_key")),
				MaxRetries: viper.GetInt("extraction.max_retries"),
			},
			SchemaPath: viper.GetString("extraction.schema_path"),
		},
		Run: types.RunConfig{
			Workers:     viper.GetInt("run.workers"),
			MaxAttempts: viper.GetInt("run.max_attempts"),
			RetryBase:   viper.GetDuration("run.retry_base"),
			RetryMax:    viper.GetDuration("run.retry_max"),
			Limit:       viper.GetInt("run.limit"),
		},
		Logging: types.LoggingConfig{
			Level:      viper.GetString("logging.level"),
			File:       viper.GetString("logging.file"),
			MaxSizeMB:  viper.GetInt("logging.max_size_mb"),
			MaxBackups: viper.GetInt("logging.max_backups"),
			MaxAgeDays: viper.GetInt("logging.max_age_days"),
		},
		Metrics: types.MetricsConfig{Addr: viper.GetString("metrics.addr")},
	}

	if v, _ := cmd.Flags().GetInt("workers"); v > 0 {
		cfg.Run.Workers = v
	}
	if v, _ := cmd.Flags().GetInt("limit"); v > 0 {
		cfg.Run.Limit = v
	}
	if v, _ := cmd.Flags().GetString("strategy"); v != "" {
		cfg.Strategy.Mode = v
	}
	if v, _ := cmd.Flags().GetString("metrics-addr"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v, _ := cmd.Flags().GetString("schema"); v != "" {
		cfg.Extraction.SchemaPath = v
	}
	if v, _ := cmd.Flags().GetString("model"); v != "" {
		cfg.Extraction.Model = v
	}
	if v, _ := cmd.Flags().GetDuration("timeout"); v > 0 {
		cfg.Fetch.Timeout = v
	}

	if cfg.Fetch.Timeout == 0 {
		cfg.Fetch.Timeout = defaultTimeout
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = defaultLogFile
	}
	if cfg.Extraction.Model == "" {
		cfg.Extraction.Model = defaultModel
	}
	return cfg
}

// rateLimitConfig builds the budget table: upstream sources 60/min through
// the default bucket, the extraction service 30/min, results-table writes
// 60/min. The config file can override any budget by name.
func rateLimitConfig() types.RateLimitConfig {
	cfg := types.RateLimitConfig{
		Budgets: map[string]types.BudgetConfig{
			"extraction": {PerMinute: 30},
			"tabular":    {PerMinute: 60},
		},
		Default:        types.BudgetConfig{PerMinute: 60},
		AcquireTimeout: viper.GetDuration("rate_limit.acquire_timeout"),
	}
	for name := range viper.GetStringMap("rate_limit.budgets") {
		cfg.Budgets[name] = types.BudgetConfig{
			PerMinute: viper.GetInt("rate_limit.budgets." + name + ".per_minute"),
			Burst:     viper.GetInt("rate_limit.budgets." + name + ".burst"),
		}
	}
	if v := viper.GetInt("rate_limit.default.per_minute"); v > 0 {
		cfg.Default.PerMinute = v
	}
	return cfg
}

// runtime bundles everything a pipeline pass needs, with a teardown that
// closes the stores and flushes the log.
type runtime struct {
	pipe     *pipeline.Pipeline
	ledger   *ledger.Store
	worklist *worklist.Store
	strategy *strategy.Manager
	limiter  *ratelimit.Manager
	metrics  *metrics.Collector
	log      *zap.Logger
}

func (rt *runtime) close() {
	rt.worklist.Close()
	rt.ledger.Close()
	rt.log.Sync()
}

func buildRuntime(ctx context.Context, cfg types.PipelineConfig) (*runtime, error) {
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	mc := metrics.NewCollector()
	lim := ratelimit.NewManager(cfg.RateLimit, mc)

	led, err := ledger.Open(cfg.Ledger)
	if err != nil {
		return nil, err
	}
	wl, err := worklist.Open(cfg.Worklist)
	if err != nil {
		led.Close()
		return nil, err
	}
	strat, err := strategy.Load(cfg.Strategy, log.Named("strategy"))
	if err != nil {
		wl.Close()
		led.Close()
		return nil, err
	}

	var archive fetch.Archive
	if cfg.Cache.Endpoint != "" {
		c, err := cache.New(ctx, cfg.Cache, cfg.Fetch.SpoolDir, log.Named("cache"))
		if err != nil {
			wl.Close()
			led.Close()
			return nil, err
		}
		archive = c
	} else {
		log.Warn("no cache endpoint configured; documents will not be archived")
	}

	schema, err := extractor.LoadSchema(cfg.Extraction.SchemaPath)
	if err != nil {
		wl.Close()
		led.Close()
		return nil, err
	}

	fetcher := fetch.New(cfg.Fetch, fetch.Deps{
		Limiter: lim,
		Archive: archive,
		Metrics: mc,
		Log:     log.Named("fetch"),
	})
	backend := &extractor.AnthropicBackend{
		APIKey: cfg.Extraction.APIKey,
		Model:  cfg.Extraction.Model,
		Client: &http.Client{Timeout: cfg.Fetch.Timeout},
	}
	ex := extractor.New(backend, cfg.Extraction, lim, mc, log.Named("extractor"))

	pipe := pipeline.New(cfg, pipeline.Deps{
		Ledger:    led,
		Strategy:  strat,
		Fetcher:   fetcher,
		Extractor: ex,
		Results:   wl,
		Limiter:   lim,
		Schema:    schema,
		Metrics:   mc,
		Log:       log.Named("pipeline"),
		Progress:  os.Stdout,
	})

	return &runtime{
		pipe:     pipe,
		ledger:   led,
		worklist: wl,
		strategy: strat,
		limiter:  lim,
		metrics:  mc,
		log:      log,
	}, nil
}
