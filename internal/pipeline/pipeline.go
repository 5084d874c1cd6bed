// Copyright Peton Labs, 2026. All rights reserved.

// Package pipeline drives work items through the full batch: claim in the
// progress ledger, fetch the document, chunk its text, extract fields for
// every schema category, write result rows, mark done. Per-item failures are
// classified, recorded in the ledger, and never abort the batch; the one
// run-fatal condition is a ledger failure, because losing the ledger means
// losing resumability.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/petonlabs/systematic-review-data-extraction/internal/convert"
	"github.com/petonlabs/systematic-review-data-extraction/internal/extractor"
	"github.com/petonlabs/systematic-review-data-extraction/internal/ledger"
	"github.com/petonlabs/systematic-review-data-extraction/internal/metrics"
	"github.com/petonlabs/systematic-review-data-extraction/internal/ratelimit"
	"github.com/petonlabs/systematic-review-data-extraction/internal/strategy"
	"github.com/petonlabs/systematic-review-data-extraction/pkg/types"
)

// budgetTabular gates writes to the results store. Source budgets live in
// the fetcher and the extraction budget in the extractor.
const budgetTabular = "tabular"

// releaseTimeout bounds the detached ledger write that returns a claimed
// item to pending after cancellation.
const releaseTimeout = 5 * time.Second

const (
	defaultWorkers     = 4
	defaultMaxAttempts = 3
	defaultRetryBase   = time.Second
	defaultRetryMax    = time.Minute
)

// Fetcher locates a document for an item under a strategy.
type Fetcher interface {
	Fetch(ctx context.Context, item types.WorkItem, strat types.Strategy) (*types.Document, []types.FetchAttempt, error)
	FetchMetadata(ctx context.Context, item types.WorkItem) (*types.Document, []types.FetchAttempt, error)
}

// FieldExtractor pulls one category's fields out of a chunk sequence.
type FieldExtractor interface {
	ExtractFields(ctx context.Context, chunks []types.TextChunk, cat extractor.Category) (map[string]string, error)
}

// ResultWriter is the slice of the results store the pipeline writes to.
type ResultWriter interface {
	SaveResult(ctx context.Context, row types.ResultRow) error
}

// ChunkFunc turns a document into its chunk sequence.
type ChunkFunc func(doc *types.Document, cfg types.ChunkConfig) ([]types.TextChunk, error)

// Deps bundles the pipeline's collaborators. Ledger and Strategy are
// concrete: the ledger is the component whose failure aborts the run, and the
// strategy manager owns the durable mode file. A nil Chunk uses the standard
// chunker; a nil Schema uses the built-in categories; a nil Limiter leaves
// the tabular budget ungated.
type Deps struct {
	Ledger    *ledger.Store
	Strategy  *strategy.Manager
	Fetcher   Fetcher
	Chunk     ChunkFunc
	Extractor FieldExtractor
	Results   ResultWriter
	Limiter   *ratelimit.Manager
	Schema    []extractor.Category
	Metrics   *metrics.Collector
	Log       *zap.Logger
	Progress  io.Writer
}

// Pipeline owns one configured worker pool over the ledger's pending items.
type Pipeline struct {
	cfg       types.PipelineConfig
	ledger    *ledger.Store
	strategy  *strategy.Manager
	fetcher   Fetcher
	chunk     ChunkFunc
	extractor FieldExtractor
	results   ResultWriter
	limiter   *ratelimit.Manager
	schema    []extractor.Category
	mc        *metrics.Collector
	log       *zap.Logger
	progress  io.Writer
}

// New builds a Pipeline. Zero run-config fields fall back to the defaults.
func New(cfg types.PipelineConfig, d Deps) *Pipeline {
	if cfg.Run.Workers <= 0 {
		cfg.Run.Workers = defaultWorkers
	}
	if cfg.Run.MaxAttempts <= 0 {
		cfg.Run.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Run.RetryBase <= 0 {
		cfg.Run.RetryBase = defaultRetryBase
	}
	if cfg.Run.RetryMax <= 0 {
		cfg.Run.RetryMax = defaultRetryMax
	}
	if d.Chunk == nil {
		d.Chunk = convert.Collect
	}
	if len(d.Schema) == 0 {
		d.Schema = extractor.DefaultSchema()
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Progress == nil {
		d.Progress = io.Discard
	}
	return &Pipeline{
		cfg:       cfg,
		ledger:    d.Ledger,
		strategy:  d.Strategy,
		fetcher:   d.Fetcher,
		chunk:     d.Chunk,
		extractor: d.Extractor,
		results:   d.Results,
		limiter:   d.Limiter,
		schema:    d.Schema,
		mc:        d.Metrics,
		log:       d.Log,
		progress:  d.Progress,
	}
}

// RunResult summarizes one pipeline pass.
type RunResult struct {
	// Done and Failed count items that reached a terminal state this pass.
	Done   int
	Failed int

	// Skipped counts items another worker claimed first.
	Skipped int

	// Requeued counts items left pending because their rate budgets stayed
	// exhausted; a later run picks them up.
	Requeued int

	// Kinds counts failures by error kind.
	Kinds map[types.ErrorKind]int
}

// Total returns the number of items the pass touched.
func (r RunResult) Total() int { return r.Done + r.Failed + r.Skipped }

// HasFailures reports whether any item failed.
func (r RunResult) HasFailures() bool { return r.Failed > 0 }

// tally accumulates pass counters across workers. The requeue counter is
// per-round: the dispatch loop resets it to decide whether another round can
// still make progress.
type tally struct {
	mu       sync.Mutex
	res      RunResult
	requeues int
}

func newTally() *tally {
	return &tally{res: RunResult{Kinds: make(map[types.ErrorKind]int)}}
}

func (t *tally) done() {
	t.mu.Lock()
	t.res.Done++
	t.mu.Unlock()
}

func (t *tally) failed(kind types.ErrorKind) {
	t.mu.Lock()
	t.res.Failed++
	t.res.Kinds[kind]++
	t.mu.Unlock()
}

func (t *tally) skipped() {
	t.mu.Lock()
	t.res.Skipped++
	t.mu.Unlock()
}

func (t *tally) requeue() {
	t.mu.Lock()
	t.requeues++
	t.mu.Unlock()
}

func (t *tally) progressed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.res.Done + t.res.Failed
}

func (t *tally) roundRequeues() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requeues
}

func (t *tally) resetRound() {
	t.mu.Lock()
	t.requeues = 0
	t.mu.Unlock()
}

func (t *tally) result() RunResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	res := t.res
	res.Requeued = t.requeues
	return res
}

// Run seeds the ledger from the worklist rows, recovers items a dead process
// abandoned mid-flight, and drives every pending item to a terminal state.
// Terminal items from earlier runs are left alone, so re-running after an
// interruption only does the remaining work.
func (p *Pipeline) Run(ctx context.Context, seeds []types.WorkItem) (RunResult, error) {
	seeded, err := p.ledger.Seed(ctx, seeds)
	if err != nil {
		return RunResult{}, fmt.Errorf("seeding ledger: %w", err)
	}
	recovered, err := p.ledger.RecoverAbandoned(ctx)
	if err != nil {
		return RunResult{}, fmt.Errorf("recovering abandoned items: %w", err)
	}
	if recovered > 0 {
		fmt.Fprintf(p.progress, "recovered %d abandoned item(s)\n", recovered)
	}
	p.log.Info("run starting",
		zap.String("run_id", p.strategy.RunID()),
		zap.String("mode", string(p.strategy.Mode())),
		zap.Int("seeded", seeded),
		zap.Int("recovered", recovered),
		zap.Int("workers", p.cfg.Run.Workers))

	res, err := p.pass(ctx)
	p.summarize(res)
	return res, err
}

// RetryFailed returns every failed item to pending and runs a pass over them.
func (p *Pipeline) RetryFailed(ctx context.Context) (RunResult, error) {
	n, err := p.ledger.ResetFailed(ctx)
	if err != nil {
		return RunResult{}, fmt.Errorf("resetting failed items: %w", err)
	}
	fmt.Fprintf(p.progress, "retrying %d failed item(s)\n", n)
	if n == 0 {
		return RunResult{Kinds: make(map[types.ErrorKind]int)}, nil
	}

	res, err := p.pass(ctx)
	p.summarize(res)
	return res, err
}

// pass runs rounds of the worker pool until no pending items remain. Items
// requeued by rate limits get another round as long as the previous round
// finished something; a round that only requeues means every budget is
// exhausted, and the pass leaves the remainder pending rather than spinning.
func (p *Pipeline) pass(ctx context.Context) (RunResult, error) {
	t := newTally()
	dispatched := 0

	for {
		pending, err := p.ledger.List(ctx, types.StatePending)
		if err != nil {
			return t.result(), fmt.Errorf("listing pending items: %w", err)
		}
		if len(pending) == 0 {
			break
		}
		if p.cfg.Run.Limit > 0 && dispatched >= p.cfg.Run.Limit {
			break
		}

		before := t.progressed()
		t.resetRound()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.cfg.Run.Workers)
		for _, rec := range pending {
			if p.cfg.Run.Limit > 0 && dispatched >= p.cfg.Run.Limit {
				break
			}
			dispatched++
			item := rec.Item
			g.Go(func() error { return p.process(gctx, item, t) })
		}
		if err := g.Wait(); err != nil {
			return t.result(), err
		}

		if t.roundRequeues() > 0 && t.progressed() == before {
			p.log.Warn("rate budgets exhausted; leaving items pending",
				zap.Int("requeued", t.roundRequeues()))
			fmt.Fprintf(p.progress, "rate budgets exhausted; %d item(s) left pending\n",
				t.roundRequeues())
			break
		}
	}
	return t.result(), nil
}

// process drives one pending item to a terminal state. Item-level failures
// are absorbed after recording; the returned error is reserved for ledger
// failures and cancellation, either of which stops the run.
func (p *Pipeline) process(ctx context.Context, item types.WorkItem, t *tally) error {
	claimed, err := p.ledger.Claim(ctx, item.ID)
	if err != nil {
		return fatal(err)
	}
	if !claimed {
		// Another worker owns the item.
		t.skipped()
		return nil
	}
	p.mc.ItemStarted()
	defer p.mc.ItemFinished()

	for attempt := 1; ; attempt++ {
		strat := p.strategy.ItemStrategy(item.ID)
		if err := p.ledger.SetStrategy(ctx, item.ID, strat); err != nil {
			return fatal(err)
		}

		effective, procErr := p.processOnce(ctx, item, strat)
		if procErr == nil {
			if err := p.ledger.MarkDone(ctx, item.ID); err != nil {
				return fatal(err)
			}
			p.recordOutcome(item.ID, effective, true)
			p.mc.RecordItem("done")
			t.done()
			fmt.Fprintf(p.progress, "done:    %s (%s)\n", item.ID, effective)
			return nil
		}

		var fe *fatalError
		if errors.As(procErr, &fe) {
			return procErr
		}
		if ctx.Err() != nil {
			return p.releaseForResume(ctx, item.ID)
		}

		kind := types.Classify(procErr)
		switch {
		case kind == types.KindRateLimited:
			// Requeue without consuming the attempt; a later round or run
			// picks the item up once the budget refills.
			if err := p.ledger.Release(ctx, item.ID); err != nil {
				return fatal(err)
			}
			t.requeue()
			fmt.Fprintf(p.progress, "requeue: %s (rate limited)\n", item.ID)
			p.log.Info("item requeued",
				zap.String("item", item.ID),
				zap.Error(procErr))
			return nil

		case kind.Retryable() && attempt < p.cfg.Run.MaxAttempts:
			delay := p.backoff(attempt)
			p.log.Debug("retrying item",
				zap.String("item", item.ID),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(procErr))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return p.releaseForResume(ctx, item.ID)
			}
			continue
		}

		if err := p.ledger.MarkFailed(ctx, item.ID, kind, procErr); err != nil {
			return fatal(err)
		}
		p.recordOutcome(item.ID, effective, false)
		p.mc.RecordItem("failed")
		t.failed(kind)
		fmt.Fprintf(p.progress, "failed:  %s: %v\n", item.ID, procErr)
		p.log.Warn("item failed",
			zap.String("item", item.ID),
			zap.String("kind", string(kind)),
			zap.Int("attempt", attempt),
			zap.Error(procErr))
		return nil
	}
}

// processOnce makes one end-to-end attempt at an item. The returned strategy
// is the one the attempt finished under; it differs from strat when the
// content path produced an unreadable document and the metadata fallback
// salvaged the item.
func (p *Pipeline) processOnce(ctx context.Context, item types.WorkItem, strat types.Strategy) (types.Strategy, error) {
	doc, attempts, err := p.fetcher.Fetch(ctx, item, strat)
	if recErr := p.recordAttempts(ctx, item.ID, attempts); recErr != nil {
		return strat, fatal(recErr)
	}
	if err != nil {
		return strat, err
	}

	if err := p.ledger.MarkExtracting(ctx, item.ID); err != nil {
		return strat, fatal(err)
	}

	chunks, err := p.chunk(doc, p.cfg.Chunk)
	p.discardSpool(doc)
	if err != nil {
		if types.Classify(err) == types.KindUnreadableDoc && !doc.MetadataOnly {
			return p.metadataFallback(ctx, item, err)
		}
		return strat, err
	}
	for range chunks {
		p.mc.RecordChunk()
	}

	if err := p.extractAll(ctx, item, chunks, strat); err != nil {
		return strat, err
	}
	return strat, nil
}

// metadataFallback reruns the item against the metadata terminal after its
// content document turned out unreadable. The content failure is noted so
// repeated offenders get demoted, and the item's recorded strategy switches
// to metadata-first.
func (p *Pipeline) metadataFallback(ctx context.Context, item types.WorkItem, cause error) (types.Strategy, error) {
	const strat = types.StrategyMetadataFirst

	p.log.Warn("document unreadable; falling back to metadata",
		zap.String("item", item.ID),
		zap.Error(cause))
	if err := p.strategy.NoteContentFailure(item.ID); err != nil {
		p.log.Warn("recording content failure", zap.String("item", item.ID), zap.Error(err))
	}
	if err := p.ledger.SetStrategy(ctx, item.ID, strat); err != nil {
		return strat, fatal(err)
	}

	doc, attempts, err := p.fetcher.FetchMetadata(ctx, item)
	if recErr := p.recordAttempts(ctx, item.ID, attempts); recErr != nil {
		return strat, fatal(recErr)
	}
	if err != nil {
		return strat, err
	}

	chunks, err := p.chunk(doc, p.cfg.Chunk)
	p.discardSpool(doc)
	if err != nil {
		return strat, err
	}
	for range chunks {
		p.mc.RecordChunk()
	}

	if err := p.extractAll(ctx, item, chunks, strat); err != nil {
		return strat, err
	}
	return strat, nil
}

// extractAll runs every schema category over the chunks and writes one
// result row per category that yielded any fields.
func (p *Pipeline) extractAll(ctx context.Context, item types.WorkItem, chunks []types.TextChunk, strat types.Strategy) error {
	for _, cat := range p.schema {
		fields, err := p.extractor.ExtractFields(ctx, chunks, cat)
		if err != nil {
			return fmt.Errorf("extracting %s: %w", cat.Name, err)
		}
		if len(fields) == 0 {
			p.log.Debug("category yielded no fields",
				zap.String("item", item.ID),
				zap.String("category", cat.Name))
			continue
		}

		if err := p.acquireTabular(ctx); err != nil {
			return err
		}
		row := types.ResultRow{
			ItemID:      item.ID,
			Category:    cat.Name,
			Fields:      fields,
			Strategy:    string(strat),
			ExtractedAt: time.Now().UTC(),
		}
		if err := p.results.SaveResult(ctx, row); err != nil {
			return types.WithKind(types.KindStorageUnavail,
				fmt.Errorf("saving %s row for %s: %w", cat.Name, item.ID, err))
		}
	}
	return nil
}

// acquireTabular gates one results-store write. A budget timeout surfaces as
// rate-limited so the item is requeued instead of failed.
func (p *Pipeline) acquireTabular(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	if err := p.limiter.Acquire(ctx, budgetTabular, 0); err != nil {
		if errors.Is(err, ratelimit.ErrTimedOut) {
			return types.WithKind(types.KindRateLimited, err)
		}
		return err
	}
	return nil
}

// discardSpool removes a document's spool file once its text is extracted.
// The cache holds the durable copy; spool files are per-attempt scratch.
func (p *Pipeline) discardSpool(doc *types.Document) {
	if doc == nil || doc.Path == "" {
		return
	}
	if err := os.Remove(doc.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.log.Debug("removing spool file", zap.String("path", doc.Path), zap.Error(err))
	}
}

func (p *Pipeline) recordAttempts(ctx context.Context, id string, attempts []types.FetchAttempt) error {
	for _, att := range attempts {
		if err := p.ledger.RecordAttempt(ctx, id, att); err != nil {
			return err
		}
	}
	return nil
}

// recordOutcome updates the strategy counters. The state file is advisory
// next to the ledger, so a write failure is logged, not fatal.
func (p *Pipeline) recordOutcome(id string, strat types.Strategy, success bool) {
	if err := p.strategy.RecordOutcome(id, strat, success); err != nil {
		p.log.Warn("recording strategy outcome", zap.String("item", id), zap.Error(err))
	}
}

// backoff doubles the base delay per attempt, capped at RetryMax.
func (p *Pipeline) backoff(attempt int) time.Duration {
	d := p.cfg.Run.RetryBase << (attempt - 1)
	if d <= 0 || d > p.cfg.Run.RetryMax {
		d = p.cfg.Run.RetryMax
	}
	return d
}

// releaseForResume returns a claimed item to pending after cancellation. The
// write runs on a detached context so the shutdown itself cannot cancel it
// and leave the item stuck in-progress.
func (p *Pipeline) releaseForResume(ctx context.Context, id string) error {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := p.ledger.Release(relCtx, id); err != nil {
		return fatal(err)
	}
	return ctx.Err()
}

func (p *Pipeline) summarize(res RunResult) {
	fmt.Fprintf(p.progress, "\nRun summary: %d done, %d failed, %d skipped",
		res.Done, res.Failed, res.Skipped)
	if res.Requeued > 0 {
		fmt.Fprintf(p.progress, ", %d requeued", res.Requeued)
	}
	fmt.Fprintf(p.progress, " (total: %d)\n", res.Total())

	// Requeued items mean a budget ran dry; show which.
	if res.Requeued > 0 && p.limiter != nil {
		for _, b := range p.limiter.Status() {
			fmt.Fprintf(p.progress, "  budget %-12s %5.1f of %d/min remaining\n",
				b.Name, b.Tokens, b.PerMinute)
		}
	}
}

// fatalError wraps a ledger failure, the one per-item error that aborts the
// whole run.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return "ledger: " + e.err.Error() }

func (e *fatalError) Unwrap() error { return e.err }

func fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}
