// Copyright Peton Labs, 2026. All rights reserved.

// Package types defines the value types shared across pipeline stages:
// work items, documents, text chunks, result rows, the error taxonomy,
// and per-stage configuration.
package types

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ItemState tracks a work item through the pipeline.
type ItemState string

const (
	StatePending    ItemState = "pending"
	StateFetching   ItemState = "fetching"
	StateExtracting ItemState = "extracting"
	StateDone       ItemState = "done"
	StateFailed     ItemState = "failed"
)

// InProgress reports whether the state indicates a claimed item that has not
// reached a terminal or resumable state. Items found in-progress at process
// start were abandoned by a previous run.
func (s ItemState) InProgress() bool {
	return s == StateFetching || s == StateExtracting
}

// Terminal reports whether the state is an end state for a run.
func (s ItemState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Strategy is the acquisition order for a run or a single item.
type Strategy string

const (
	// StrategyContentFirst walks the content source chain before falling
	// back to the metadata-only terminal.
	StrategyContentFirst Strategy = "content-first"

	// StrategyMetadataFirst consults the metadata-only terminal before the
	// content chain. Items demoted after repeated content failures run
	// under this strategy for the rest of the run.
	StrategyMetadataFirst Strategy = "metadata-first"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	return s == StrategyContentFirst || s == StrategyMetadataFirst
}

// WorkItem is one row of the review worklist: the identifying handles used
// to locate a document. Any subset of DOI, PMID, and URL may be present.
type WorkItem struct {
	// ID is the worklist row identifier, stable across runs.
	ID string `json:"id" yaml:"id"`

	// Title is the article title as it appears in the worklist.
	Title string `json:"title" yaml:"title"`

	// DOI is the digital object identifier, without a URL prefix (e.g. "10.1000/xyz123").
	DOI string `json:"doi,omitempty" yaml:"doi,omitempty"`

	// PMID is the PubMed identifier.
	PMID string `json:"pmid,omitempty" yaml:"pmid,omitempty"`

	// URL is a direct link supplied by the worklist, if any.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
}

// Slug returns the stable, storage-safe stem used for cache keys and spool
// files: the normalized DOI with path separators replaced, else the PMID,
// else a short hash of the title and URL. The same item always yields the
// same slug.
func (w WorkItem) Slug() string {
	if w.DOI != "" {
		doi := NormalizeDOI(w.DOI)
		if doi == "" {
			doi = w.DOI
		}
		return strings.NewReplacer("/", "_", ":", "_").Replace(doi)
	}
	if w.PMID != "" {
		return "pmid-" + w.PMID
	}
	h := sha256.Sum256([]byte(w.Title + "|" + w.URL))
	return fmt.Sprintf("item-%x", h[:8])
}

// doiPattern matches bare DOIs: "10.1145/1234567.1234568".
var doiPattern = regexp.MustCompile(`^10\.\d{4,9}/\S+$`)

// doiPrefixes are the decorations worklists put in front of a bare DOI.
var doiPrefixes = []string{
	"https://doi.org/",
	"http://doi.org/",
	"https://dx.doi.org/",
	"http://dx.doi.org/",
	"doi:",
}

// NormalizeDOI strips URL and "doi:" decorations and validates the result.
// It returns the bare DOI, or "" when the input is not a DOI.
func NormalizeDOI(raw string) string {
	doi := strings.TrimSpace(raw)
	for _, p := range doiPrefixes {
		if len(doi) >= len(p) && strings.EqualFold(doi[:len(p)], p) {
			doi = doi[len(p):]
			break
		}
	}
	if !doiPattern.MatchString(doi) {
		return ""
	}
	return doi
}

// AttemptOutcome is the result of one source attempt during a fetch.
type AttemptOutcome string

const (
	AttemptHit   AttemptOutcome = "hit"
	AttemptMiss  AttemptOutcome = "miss"
	AttemptError AttemptOutcome = "error"
)

// FetchAttempt records one source consulted while fetching an item.
type FetchAttempt struct {
	// Source names the source consulted (e.g. "unpaywall", "europepmc").
	Source string `json:"source" yaml:"source"`

	// Outcome is hit, miss, or error.
	Outcome AttemptOutcome `json:"outcome" yaml:"outcome"`

	// Detail describes a miss or error in one line.
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// ResultRow is one extracted category for one item, ready for the results store.
type ResultRow struct {
	// ItemID is the worklist row the fields were extracted from.
	ItemID string `json:"item_id" yaml:"item_id"`

	// Category is the extraction category (e.g. "primary_outcomes").
	Category string `json:"category" yaml:"category"`

	// Fields maps field name to extracted value; absent fields were not found.
	Fields map[string]string `json:"fields" yaml:"fields"`

	// Strategy records the acquisition strategy in effect when extracting.
	Strategy string `json:"strategy" yaml:"strategy"`

	// ExtractedAt is when the row was produced.
	ExtractedAt time.Time `json:"extracted_at" yaml:"extracted_at"`
}
