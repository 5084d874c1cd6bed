// Copyright Peton Labs, 2026. All rights reserved.

// Package extractor turns document text into structured review fields by
// prompting a Generative AI service once per text chunk and category. Values
// found in earlier chunks win; later chunks only fill fields still missing,
// so a field reported in the abstract is not overwritten by a weaker mention
// in the discussion.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/petonlabs/systematic-review-data-extraction/internal/metrics"
	"github.com/petonlabs/systematic-review-data-extraction/internal/ratelimit"
	"github.com/petonlabs/systematic-review-data-extraction/pkg/types"
)

// budgetExtraction is the rate budget acquired before every service call.
const budgetExtraction = "extraction"

// Fields maps field names to extracted values.
type Fields map[string]string

// Backend abstracts the Generative AI API so tests can supply a mock. Each
// call handles one rendered prompt and returns the parsed field values.
type Backend interface {
	Extract(ctx context.Context, prompt string) (Fields, error)
}

// Extractor runs category extraction over chunked document text.
type Extractor struct {
	backend Backend
	cfg     types.ExtractionConfig
	limiter *ratelimit.Manager
	mc      *metrics.Collector
	log     *zap.Logger
}

// New builds an Extractor on the given backend. A nil limiter leaves service
// calls ungated.
func New(backend Backend, cfg types.ExtractionConfig, lim *ratelimit.Manager, mc *metrics.Collector, log *zap.Logger) *Extractor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{backend: backend, cfg: cfg, limiter: lim, mc: mc, log: log}
}

// placeholderValues are the service's ways of saying a field is absent.
// They are dropped during the merge so a real value from a later chunk can
// still land.
var placeholderValues = map[string]bool{
	"":               true,
	"not reported":   true,
	"not applicable": true,
	"not specified":  true,
	"not mentioned":  true,
	"not found":      true,
	"n/a":            true,
}

func reported(v string) bool {
	return !placeholderValues[strings.ToLower(strings.TrimSpace(v))]
}

// ExtractFields prompts the service with each chunk in order and merges the
// responses: the first reported value for a field wins. Chunks stop being
// sent once every field in the category has a value. Fields the document
// never reports are absent from the result.
func (e *Extractor) ExtractFields(ctx context.Context, chunks []types.TextChunk, cat Category) (map[string]string, error) {
	maxRetries := e.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	merged := make(map[string]string)
	for _, chunk := range chunks {
		if strings.TrimSpace(chunk.Text) == "" {
			continue
		}
		prompt, err := renderPrompt(cat, chunk.Text)
		if err != nil {
			return nil, fmt.Errorf("rendering prompt for %s: %w", cat.Name, err)
		}

		if e.limiter != nil {
			if err := e.limiter.Acquire(ctx, budgetExtraction, 0); err != nil {
				if errors.Is(err, ratelimit.ErrTimedOut) {
					return nil, types.WithKind(types.KindRateLimited, err)
				}
				return nil, err
			}
		}

		fields, err := callWithRetry(ctx, e.backend, prompt, maxRetries)
		if err != nil {
			e.mc.RecordExtractionCall("error")
			if types.Classify(err) == types.KindUnknown {
				err = types.WithKind(types.KindExtractionService, err)
			}
			return nil, fmt.Errorf("extracting %s from chunk %d: %w", cat.Name, chunk.Index, err)
		}
		e.mc.RecordExtractionCall("ok")

		for _, f := range cat.Fields {
			if merged[f.Name] != "" {
				continue
			}
			if v, ok := fields[f.Name]; ok && reported(v) {
				merged[f.Name] = strings.TrimSpace(v)
			}
		}
		if len(merged) == len(cat.Fields) {
			e.log.Debug("category filled early",
				zap.String("category", cat.Name),
				zap.Int("chunks_used", chunk.Index+1))
			break
		}
	}
	return merged, nil
}

// backoffBase controls the base duration for exponential backoff. Tests
// override this to avoid real sleeps.
var backoffBase = time.Second

// callWithRetry calls the backend with exponential backoff. A rate-limit
// response is returned immediately: the provider wants a longer pause than
// a retry loop should take, so the caller requeues the item instead.
func callWithRetry(ctx context.Context, backend Backend, prompt string, maxRetries int) (Fields, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * backoffBase
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		fields, err := backend.Extract(ctx, prompt)
		if err == nil {
			return fields, nil
		}
		if types.Classify(err) == types.KindRateLimited {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("after %d retries: %w", maxRetries, lastErr)
}
