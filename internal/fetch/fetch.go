// Copyright Peton Labs, 2026. All rights reserved.

// Package fetch locates documents for work items across a prioritized chain
// of scholarly sources. Each source is a named strategy descriptor; the chain
// is walked in order and the first source to produce a document wins. Fetched
// payloads are archived in the object cache before they are returned, so a
// later stage failing never costs a second acquisition.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/petonlabs/systematic-review-data-extraction/internal/metrics"
	"github.com/petonlabs/systematic-review-data-extraction/internal/ratelimit"
	"github.com/petonlabs/systematic-review-data-extraction/pkg/types"
)

// ErrNotFound reports that every applicable source was exhausted without
// producing a document. It is not fatal to the pipeline; the item may still
// proceed with metadata-only extraction.
var ErrNotFound = errors.New("document not found at any source")

// Rate budget names, one per upstream service. The three NCBI endpoints
// (idconv, PMC, eutils) share one budget.
const (
	budgetDOI       = "doi-org"
	budgetWeb       = "web"
	budgetUnpaywall = "unpaywall"
	budgetCrossref  = "crossref"
	budgetNCBI      = "ncbi"
	budgetArxiv     = "arxiv"
)

// Source is one named acquisition strategy: a rate budget, an applicability
// test, and a lookup. Adding a source to the chain is appending a descriptor.
type Source struct {
	// Name identifies the source in attempt records and metrics.
	Name string

	// Budget is the rate budget acquired before Lookup runs.
	Budget string

	// Applies reports whether the item carries the handles this source
	// needs. Inapplicable sources are skipped without recording an attempt.
	Applies func(types.WorkItem) bool

	// Lookup fetches the document. It returns a miss error when the source
	// cleanly has nothing for the item.
	Lookup func(context.Context, types.WorkItem) (*types.Document, error)
}

// Archive is the slice of the object cache the fetcher needs. A nil Archive
// disables caching.
type Archive interface {
	// Find returns any cached document for the item, or a miss error.
	Find(ctx context.Context, item types.WorkItem) (*types.Document, error)

	// Put archives the document. The bool reports whether bytes were
	// actually stored (false for the idempotent no-op).
	Put(ctx context.Context, doc *types.Document) (bool, error)
}

// Deps bundles the fetcher's collaborators.
type Deps struct {
	Client  *http.Client
	Limiter *ratelimit.Manager
	Archive Archive
	Metrics *metrics.Collector
	Log     *zap.Logger
}

// Fetcher walks the source chain for work items.
type Fetcher struct {
	client  *http.Client
	limiter *ratelimit.Manager
	archive Archive
	cfg     types.FetchConfig
	mc      *metrics.Collector
	log     *zap.Logger
}

const defaultMaxDocumentMB = 100

// New builds a Fetcher. A nil Deps.Client gets a client with the configured
// timeout; a nil logger logs nowhere.
func New(cfg types.FetchConfig, d Deps) *Fetcher {
	if cfg.MaxDocumentMB <= 0 {
		cfg.MaxDocumentMB = defaultMaxDocumentMB
	}
	if d.Client == nil {
		d.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Fetcher{
		client:  d.Client,
		limiter: d.Limiter,
		archive: d.Archive,
		cfg:     cfg,
		mc:      d.Metrics,
		log:     d.Log,
	}
}

// contentSources is the full-document chain in priority order: direct DOI
// resolution, the worklist's own URL, open-access lookup, the metadata
// registry's full-text links, the repository mirror, and the preprint server.
func (f *Fetcher) contentSources() []Source {
	return []Source{
		{Name: "doi-direct", Budget: budgetDOI, Applies: hasDOI, Lookup: f.lookupDOIDirect},
		{Name: "direct-url", Budget: budgetWeb, Applies: hasURL, Lookup: f.lookupDirectURL},
		{Name: "unpaywall", Budget: budgetUnpaywall, Applies: hasDOI, Lookup: f.lookupUnpaywall},
		{Name: "crossref", Budget: budgetCrossref, Applies: hasDOI, Lookup: f.lookupCrossref},
		{Name: "pmc", Budget: budgetNCBI, Applies: hasPMID, Lookup: f.lookupPMC},
		{Name: "arxiv", Budget: budgetArxiv, Applies: hasTitle, Lookup: f.lookupArxiv},
	}
}

// metadataSources is the metadata-only terminal: registry metadata rendered
// as a plain-text document when no full document can be had.
func (f *Fetcher) metadataSources() []Source {
	return []Source{
		{Name: "pubmed-metadata", Budget: budgetNCBI, Applies: hasPMID, Lookup: f.lookupPubmedMetadata},
		{Name: "crossref-metadata", Budget: budgetCrossref, Applies: hasDOI, Lookup: f.lookupCrossrefMetadata},
	}
}

func hasDOI(w types.WorkItem) bool   { return types.NormalizeDOI(w.DOI) != "" }
func hasURL(w types.WorkItem) bool   { return w.URL != "" }
func hasPMID(w types.WorkItem) bool  { return w.PMID != "" }
func hasTitle(w types.WorkItem) bool { return w.Title != "" }

// Fetch locates a document for the item. The cache is consulted first; a hit
// short-circuits without any network access or attempt records. Otherwise the
// chain for the given strategy runs — content sources then the metadata
// terminal for content-first, the reverse for metadata-first — and the
// winning payload is archived before it is returned.
//
// The attempt list records every applicable source consulted, in order. On
// exhaustion the error wraps ErrNotFound with kind source-not-found.
func (f *Fetcher) Fetch(ctx context.Context, item types.WorkItem, strat types.Strategy) (*types.Document, []types.FetchAttempt, error) {
	if f.archive != nil {
		if doc, err := f.archive.Find(ctx, item); err == nil && doc != nil {
			f.mc.RecordCacheOp("find", "hit")
			f.log.Debug("cache hit", zap.String("item", item.ID), zap.String("source", doc.Source))
			return doc, nil, nil
		} else if err != nil && ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		// Any cache failure degrades to a live fetch.
		f.mc.RecordCacheOp("find", "miss")
	}

	chain := append(f.contentSources(), f.metadataSources()...)
	if strat == types.StrategyMetadataFirst {
		chain = append(f.metadataSources(), f.contentSources()...)
	}

	doc, attempts, err := f.firstSuccess(ctx, chain, item)
	if err != nil {
		return nil, attempts, err
	}
	if doc == nil {
		return nil, attempts, types.WithKind(types.KindSourceNotFound,
			fmt.Errorf("%w: item %s", ErrNotFound, item.ID))
	}

	f.archivePut(ctx, doc)
	return doc, attempts, nil
}

// FetchMetadata consults only the metadata-only terminal. The pipeline calls
// it when a fetched document turns out unreadable, bypassing the cache so the
// short-circuit cannot hand back the same bad payload.
func (f *Fetcher) FetchMetadata(ctx context.Context, item types.WorkItem) (*types.Document, []types.FetchAttempt, error) {
	doc, attempts, err := f.firstSuccess(ctx, f.metadataSources(), item)
	if err != nil {
		return nil, attempts, err
	}
	if doc == nil {
		return nil, attempts, types.WithKind(types.KindSourceNotFound,
			fmt.Errorf("%w: item %s has no registry metadata", ErrNotFound, item.ID))
	}
	f.archivePut(ctx, doc)
	return doc, attempts, nil
}

// firstSuccess is the chain combinator: walk the descriptors in order, first
// document wins, later sources are never attempted once one succeeds. A rate
// budget timeout aborts the walk so the item can be requeued instead of
// burning through the remaining budgets.
func (f *Fetcher) firstSuccess(ctx context.Context, chain []Source, item types.WorkItem) (*types.Document, []types.FetchAttempt, error) {
	var attempts []types.FetchAttempt

	for _, src := range chain {
		if ctx.Err() != nil {
			return nil, attempts, ctx.Err()
		}
		if !src.Applies(item) {
			continue
		}

		doc, err := f.trySource(ctx, src, item)
		switch {
		case err == nil:
			attempts = append(attempts, types.FetchAttempt{Source: src.Name, Outcome: types.AttemptHit})
			f.mc.RecordFetchAttempt(src.Name, string(types.AttemptHit))
			f.log.Info("source hit",
				zap.String("item", item.ID),
				zap.String("source", src.Name),
				zap.Int64("bytes", doc.Size))
			return doc, attempts, nil

		case errors.Is(err, ratelimit.ErrTimedOut):
			return nil, attempts, types.WithKind(types.KindRateLimited, err)

		case isMiss(err):
			attempts = append(attempts, types.FetchAttempt{
				Source: src.Name, Outcome: types.AttemptMiss, Detail: err.Error(),
			})
			f.mc.RecordFetchAttempt(src.Name, string(types.AttemptMiss))

		default:
			attempts = append(attempts, types.FetchAttempt{
				Source: src.Name, Outcome: types.AttemptError, Detail: err.Error(),
			})
			f.mc.RecordFetchAttempt(src.Name, string(types.AttemptError))
			f.log.Warn("source error",
				zap.String("item", item.ID),
				zap.String("source", src.Name),
				zap.Error(err))
		}
	}
	return nil, attempts, nil
}

// trySource acquires the source's budget and runs its lookup.
func (f *Fetcher) trySource(ctx context.Context, src Source, item types.WorkItem) (*types.Document, error) {
	if f.limiter != nil {
		if err := f.limiter.Acquire(ctx, src.Budget, 0); err != nil {
			return nil, err
		}
	}
	return src.Lookup(ctx, item)
}

func (f *Fetcher) archivePut(ctx context.Context, doc *types.Document) {
	if f.archive == nil {
		return
	}
	stored, err := f.archive.Put(ctx, doc)
	switch {
	case err != nil:
		// Cache trouble never fails the item.
		f.mc.RecordCacheOp("put", "error")
		f.log.Warn("archive put failed", zap.String("item", doc.ItemID), zap.Error(err))
	case stored:
		f.mc.RecordCacheOp("put", "stored")
	default:
		f.mc.RecordCacheOp("put", "noop")
	}
}

// missError marks a clean per-source miss: the source answered and has
// nothing for this item. The chain moves on.
type missError struct {
	reason string
}

func (e *missError) Error() string { return e.reason }

func miss(format string, args ...any) error {
	return &missError{reason: fmt.Sprintf(format, args...)}
}

func isMiss(err error) bool {
	var me *missError
	return errors.As(err, &me)
}
