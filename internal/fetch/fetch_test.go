// Copyright Peton Labs, 2026. All rights reserved.

package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petonlabs/systematic-review-data-extraction/internal/httputil"
	"github.com/petonlabs/systematic-review-data-extraction/internal/ratelimit"
	"github.com/petonlabs/systematic-review-data-extraction/pkg/types"
)

func TestMain(m *testing.M) {
	httputil.RetryBaseDelay = time.Millisecond
	os.Exit(m.Run())
}

const (
	fakePDFContent = "%PDF-1.4 fake full text"
	paperTitle     = "Surgical Site Infections After Cesarean Delivery"
	pubmedAbstract = "BACKGROUND: Surgical site infections complicate recovery.\nMETHODS: Retrospective cohort."
)

const crossrefMetaOnlyJSON = `{
  "message": {
    "title": ["Surgical Site Infections After Cesarean Delivery"],
    "abstract": "<jats:p>Background: infections complicate recovery.</jats:p>",
    "author": [
      {"given": "Ada", "family": "Okafor"},
      {"given": "Lin", "family": "Wei"}
    ]
  }
}`

// newSourceServer serves every upstream the chain knows from one listener,
// routed by path prefix. Tests needing misses or broken payloads build their
// own handler instead.
func newSourceServer(t *testing.T) *httptest.Server {
	t.Helper()
	var ts *httptest.Server
	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/pdf/"), strings.HasPrefix(r.URL.Path, "/doi/"),
			strings.HasPrefix(r.URL.Path, "/pmc/"):
			w.Header().Set("Content-Type", "application/pdf")
			fmt.Fprint(w, fakePDFContent)
		case strings.HasPrefix(r.URL.Path, "/unpaywall/"):
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"best_oa_location":{"url_for_pdf":%q}}`, ts.URL+"/pdf/oa.pdf")
		case strings.HasPrefix(r.URL.Path, "/works/"):
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"message":{"title":[%q],"link":[{"URL":%q,"content-type":"application/pdf"}]}}`,
				paperTitle, ts.URL+"/pdf/crossref.pdf")
		case strings.HasPrefix(r.URL.Path, "/idconv/"):
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"records":[{"pmcid":"PMC123456"}]}`)
		case strings.HasPrefix(r.URL.Path, "/eutils/"):
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprint(w, pubmedAbstract)
		case r.URL.Path == "/arxiv":
			w.Header().Set("Content-Type", "application/atom+xml")
			fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <id>http://arxiv.org/abs/2401.00001v1</id>
    <title>%s</title>
    <link rel="related" type="application/pdf" href="%s"/>
  </entry>
</feed>`, paperTitle, ts.URL+"/pdf/arxiv.pdf")
		case r.URL.Path == "/landing":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprintf(w, `<html><head><meta name="citation_pdf_url" content="%s"></head><body>Article</body></html>`,
				ts.URL+"/pdf/landing.pdf")
		case r.URL.Path == "/plain-landing":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, `<html><body><h1>Abstract</h1><p>Page text only, no download.</p></body></html>`)
		default:
			http.NotFound(w, r)
		}
	}))
	return ts
}

// overrideBaseURLs points every source at the test server and returns a
// cleanup that restores the originals.
func overrideBaseURLs(tsURL string) func() {
	origDOI := doiBase
	origUnpaywall := unpaywallBase
	origCrossref := crossrefBase
	origIdconv := idconvBase
	origPMC := pmcBase
	origEutils := eutilsBase
	origArxiv := arxivAPIBase

	doiBase = tsURL + "/doi/"
	unpaywallBase = tsURL + "/unpaywall/"
	crossrefBase = tsURL + "/works/"
	idconvBase = tsURL + "/idconv/"
	pmcBase = tsURL + "/pmc/"
	eutilsBase = tsURL + "/eutils/"
	arxivAPIBase = tsURL + "/arxiv"

	return func() {
		doiBase = origDOI
		unpaywallBase = origUnpaywall
		crossrefBase = origCrossref
		idconvBase = origIdconv
		pmcBase = origPMC
		eutilsBase = origEutils
		arxivAPIBase = origArxiv
	}
}

func testFetchConfig(t *testing.T) types.FetchConfig {
	t.Helper()
	return types.FetchConfig{
		HTTPConfig: types.HTTPConfig{
			Timeout:   10 * time.Second,
			UserAgent: "sysrev-test/0.1",
		},
		UnpaywallEmail: "reviews@example.org",
		SpoolDir:       t.TempDir(),
		MaxRetries:     1,
	}
}

func testItem() types.WorkItem {
	return types.WorkItem{
		ID:    "w1",
		Title: paperTitle,
		DOI:   "10.5555/ssi.2024.001",
		PMID:  "38012345",
	}
}

// stubArchive is an in-memory Archive.
type stubArchive struct {
	mu   sync.Mutex
	docs map[string]*types.Document
	puts int
}

func newStubArchive() *stubArchive {
	return &stubArchive{docs: make(map[string]*types.Document)}
}

func (a *stubArchive) Find(_ context.Context, item types.WorkItem) (*types.Document, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if doc, ok := a.docs[item.ID]; ok {
		return doc, nil
	}
	return nil, errors.New("cache miss")
}

func (a *stubArchive) Put(_ context.Context, doc *types.Document) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.puts++
	a.docs[doc.ItemID] = doc
	return true, nil
}

func readSpool(t *testing.T, doc *types.Document) string {
	t.Helper()
	data, err := os.ReadFile(doc.Path)
	if err != nil {
		t.Fatalf("reading spool file: %v", err)
	}
	return string(data)
}

// --- chain behavior ---

func TestFetchFirstSourceWins(t *testing.T) {
	ts := newSourceServer(t)
	defer ts.Close()
	defer overrideBaseURLs(ts.URL)()

	cfg := testFetchConfig(t)
	f := New(cfg, Deps{})

	doc, attempts, err := f.Fetch(context.Background(), testItem(), types.StrategyContentFirst)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if doc.Source != "doi-direct" {
		t.Errorf("source = %q, want doi-direct", doc.Source)
	}
	if doc.MediaType != types.MediaPDF {
		t.Errorf("media = %q, want pdf", doc.MediaType)
	}
	if got := readSpool(t, doc); got != fakePDFContent {
		t.Errorf("spooled content = %q, want %q", got, fakePDFContent)
	}
	if !strings.HasPrefix(doc.Path, cfg.SpoolDir) {
		t.Errorf("spool path %q outside configured dir %q", doc.Path, cfg.SpoolDir)
	}
	if doc.SHA256 == "" || doc.Size != int64(len(fakePDFContent)) {
		t.Errorf("doc = sha %q size %d", doc.SHA256, doc.Size)
	}
	if len(attempts) != 1 || attempts[0].Source != "doi-direct" || attempts[0].Outcome != types.AttemptHit {
		t.Errorf("attempts = %+v, want a single doi-direct hit", attempts)
	}
}

func TestFetchFallsThroughToNextSource(t *testing.T) {
	var ts *httptest.Server
	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/unpaywall/"):
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"best_oa_location":{"url_for_pdf":%q}}`, ts.URL+"/pdf/oa.pdf")
		case strings.HasPrefix(r.URL.Path, "/pdf/"):
			w.Header().Set("Content-Type", "application/pdf")
			fmt.Fprint(w, fakePDFContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()
	defer overrideBaseURLs(ts.URL)()

	item := types.WorkItem{ID: "w1", DOI: "10.5555/ssi.2024.001"}
	f := New(testFetchConfig(t), Deps{})

	doc, attempts, err := f.Fetch(context.Background(), item, types.StrategyContentFirst)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if doc.Source != "unpaywall" {
		t.Errorf("source = %q, want unpaywall", doc.Source)
	}
	want := []struct {
		source  string
		outcome types.AttemptOutcome
	}{
		{"doi-direct", types.AttemptMiss},
		{"unpaywall", types.AttemptHit},
	}
	if len(attempts) != len(want) {
		t.Fatalf("attempts = %+v, want %d entries", attempts, len(want))
	}
	for i, w := range want {
		if attempts[i].Source != w.source || attempts[i].Outcome != w.outcome {
			t.Errorf("attempt[%d] = %s/%s, want %s/%s",
				i, attempts[i].Source, attempts[i].Outcome, w.source, w.outcome)
		}
	}
}

func TestFetchExhaustedChainIsSourceNotFound(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()
	defer overrideBaseURLs(ts.URL)()

	item := types.WorkItem{ID: "w1", DOI: "10.5555/ssi.2024.001"}
	f := New(testFetchConfig(t), Deps{})

	_, attempts, err := f.Fetch(context.Background(), item, types.StrategyContentFirst)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if kind := types.Classify(err); kind != types.KindSourceNotFound {
		t.Errorf("kind = %s, want %s", kind, types.KindSourceNotFound)
	}

	// Every applicable source for a DOI-only item, in chain order.
	wantSources := []string{"doi-direct", "unpaywall", "crossref", "crossref-metadata"}
	if len(attempts) != len(wantSources) {
		t.Fatalf("attempts = %+v, want %d misses", attempts, len(wantSources))
	}
	for i, src := range wantSources {
		if attempts[i].Source != src || attempts[i].Outcome != types.AttemptMiss {
			t.Errorf("attempt[%d] = %s/%s, want %s/miss", i, attempts[i].Source, attempts[i].Outcome, src)
		}
	}
}

func TestFetchBadPDFPayloadRecordedAsError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/doi/") {
			w.Header().Set("Content-Type", "application/pdf")
			fmt.Fprint(w, "<html>paywall page pretending to be a pdf</html>")
			return
		}
		http.NotFound(w, r)
	}))
	defer ts.Close()
	defer overrideBaseURLs(ts.URL)()

	item := types.WorkItem{ID: "w1", DOI: "10.5555/ssi.2024.001"}
	f := New(testFetchConfig(t), Deps{})

	_, attempts, err := f.Fetch(context.Background(), item, types.StrategyContentFirst)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after the chain runs out", err)
	}
	if len(attempts) == 0 || attempts[0].Source != "doi-direct" || attempts[0].Outcome != types.AttemptError {
		t.Fatalf("attempts = %+v, want a doi-direct error first", attempts)
	}
	if !strings.Contains(attempts[0].Detail, "not a PDF") {
		t.Errorf("detail = %q, want the sniff failure", attempts[0].Detail)
	}
}

func TestFetchOversizedPayloadRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/doi/") {
			w.Header().Set("Content-Type", "application/pdf")
			w.Write([]byte("%PDF"))
			w.Write(bytes.Repeat([]byte{'a'}, 1<<20))
			return
		}
		http.NotFound(w, r)
	}))
	defer ts.Close()
	defer overrideBaseURLs(ts.URL)()

	cfg := testFetchConfig(t)
	cfg.MaxDocumentMB = 1
	item := types.WorkItem{ID: "w1", DOI: "10.5555/ssi.2024.001"}
	f := New(cfg, Deps{})

	_, attempts, err := f.Fetch(context.Background(), item, types.StrategyContentFirst)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after the chain runs out", err)
	}
	if len(attempts) == 0 || attempts[0].Outcome != types.AttemptError {
		t.Fatalf("attempts = %+v, want a doi-direct error first", attempts)
	}
	if !strings.Contains(attempts[0].Detail, "exceeds the 1 MB cap") {
		t.Errorf("detail = %q, want the size cap", attempts[0].Detail)
	}
}

// --- individual sources ---

func TestFetchLandingPagePDFLink(t *testing.T) {
	ts := newSourceServer(t)
	defer ts.Close()
	defer overrideBaseURLs(ts.URL)()

	item := types.WorkItem{ID: "w1", URL: ts.URL + "/landing"}
	f := New(testFetchConfig(t), Deps{})

	doc, _, err := f.Fetch(context.Background(), item, types.StrategyContentFirst)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if doc.Source != "direct-url" || doc.MediaType != types.MediaPDF {
		t.Errorf("doc = %s/%s, want direct-url pdf", doc.Source, doc.MediaType)
	}
	if got := readSpool(t, doc); got != fakePDFContent {
		t.Errorf("content = %q, want the linked pdf", got)
	}
}

func TestFetchLandingPageKeepsHTMLWithoutPDFLink(t *testing.T) {
	ts := newSourceServer(t)
	defer ts.Close()
	defer overrideBaseURLs(ts.URL)()

	item := types.WorkItem{ID: "w1", URL: ts.URL + "/plain-landing"}
	f := New(testFetchConfig(t), Deps{})

	doc, _, err := f.Fetch(context.Background(), item, types.StrategyContentFirst)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if doc.Source != "direct-url" || doc.MediaType != types.MediaHTML {
		t.Errorf("doc = %s/%s, want direct-url html", doc.Source, doc.MediaType)
	}
	if got := readSpool(t, doc); !strings.Contains(got, "Page text only") {
		t.Errorf("content = %q, want the landing page itself", got)
	}
}

func TestFetchPMCResolvesThroughIDConverter(t *testing.T) {
	ts := newSourceServer(t)
	defer ts.Close()
	defer overrideBaseURLs(ts.URL)()

	item := types.WorkItem{ID: "w1", PMID: "38012345"}
	f := New(testFetchConfig(t), Deps{})

	doc, attempts, err := f.Fetch(context.Background(), item, types.StrategyContentFirst)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if doc.Source != "pmc" {
		t.Errorf("source = %q, want pmc", doc.Source)
	}
	if len(attempts) != 1 || attempts[0].Outcome != types.AttemptHit {
		t.Errorf("attempts = %+v", attempts)
	}
}

func TestFetchArxivRejectsDifferentPaper(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/arxiv" {
			w.Header().Set("Content-Type", "application/atom+xml")
			fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <id>http://arxiv.org/abs/2401.99999v1</id>
    <title>Optimal Transport for Generative Models</title>
  </entry>
</feed>`)
			return
		}
		http.NotFound(w, r)
	}))
	defer ts.Close()
	defer overrideBaseURLs(ts.URL)()

	item := types.WorkItem{ID: "w1", Title: paperTitle}
	f := New(testFetchConfig(t), Deps{})

	_, attempts, err := f.Fetch(context.Background(), item, types.StrategyContentFirst)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if len(attempts) != 1 || attempts[0].Source != "arxiv" || attempts[0].Outcome != types.AttemptMiss {
		t.Fatalf("attempts = %+v, want a single arxiv miss", attempts)
	}
	if !strings.Contains(attempts[0].Detail, "different paper") {
		t.Errorf("detail = %q, want the title guard", attempts[0].Detail)
	}
}

func TestFetchArxivByTitle(t *testing.T) {
	ts := newSourceServer(t)
	defer ts.Close()
	defer overrideBaseURLs(ts.URL)()

	item := types.WorkItem{ID: "w1", Title: paperTitle}
	f := New(testFetchConfig(t), Deps{})

	doc, _, err := f.Fetch(context.Background(), item, types.StrategyContentFirst)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if doc.Source != "arxiv" || doc.MediaType != types.MediaPDF {
		t.Errorf("doc = %s/%s, want arxiv pdf", doc.Source, doc.MediaType)
	}
}

func TestFetchSendsUserAgent(t *testing.T) {
	var gotUA atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, fakePDFContent)
	}))
	defer ts.Close()
	defer overrideBaseURLs(ts.URL)()

	item := types.WorkItem{ID: "w1", DOI: "10.5555/ssi.2024.001"}
	f := New(testFetchConfig(t), Deps{})

	if _, _, err := f.Fetch(context.Background(), item, types.StrategyContentFirst); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if ua, _ := gotUA.Load().(string); ua != "sysrev-test/0.1" {
		t.Errorf("User-Agent = %q, want the configured one", ua)
	}
}

// --- metadata terminal ---

func TestFetchMetadataTerminalAfterContentMisses(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/works/") {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, crossrefMetaOnlyJSON)
			return
		}
		http.NotFound(w, r)
	}))
	defer ts.Close()
	defer overrideBaseURLs(ts.URL)()

	item := types.WorkItem{ID: "w1", DOI: "10.5555/ssi.2024.001"}
	f := New(testFetchConfig(t), Deps{})

	doc, attempts, err := f.Fetch(context.Background(), item, types.StrategyContentFirst)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if doc.Source != "crossref-metadata" || !doc.MetadataOnly || doc.MediaType != types.MediaText {
		t.Errorf("doc = %s metadataOnly=%v media=%s, want crossref-metadata text", doc.Source, doc.MetadataOnly, doc.MediaType)
	}
	text := readSpool(t, doc)
	if !strings.Contains(text, "Title: "+paperTitle) || !strings.Contains(text, "Authors: Ada Okafor, Lin Wei") {
		t.Errorf("rendered metadata missing fields:\n%s", text)
	}
	if !strings.Contains(text, "Background: infections complicate recovery.") {
		t.Errorf("rendered metadata missing stripped abstract:\n%s", text)
	}

	last := attempts[len(attempts)-1]
	if last.Source != "crossref-metadata" || last.Outcome != types.AttemptHit {
		t.Errorf("last attempt = %+v, want crossref-metadata hit", last)
	}
}

func TestFetchPubmedMetadataTerminal(t *testing.T) {
	var ts *httptest.Server
	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/idconv/"):
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"records":[{}]}`)
		case strings.HasPrefix(r.URL.Path, "/eutils/"):
			fmt.Fprint(w, pubmedAbstract)
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()
	defer overrideBaseURLs(ts.URL)()

	item := types.WorkItem{ID: "w1", PMID: "38012345"}
	f := New(testFetchConfig(t), Deps{})

	doc, attempts, err := f.Fetch(context.Background(), item, types.StrategyContentFirst)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if doc.Source != "pubmed-metadata" || !doc.MetadataOnly {
		t.Errorf("doc = %s metadataOnly=%v, want pubmed-metadata", doc.Source, doc.MetadataOnly)
	}
	if got := readSpool(t, doc); got != pubmedAbstract {
		t.Errorf("content = %q, want the abstract", got)
	}
	if len(attempts) != 2 || attempts[0].Source != "pmc" || attempts[0].Outcome != types.AttemptMiss {
		t.Errorf("attempts = %+v, want pmc miss then pubmed-metadata hit", attempts)
	}
}

func TestFetchMetadataFirstConsultsRegistryBeforeContent(t *testing.T) {
	var doiHits int32
	var ts *httptest.Server
	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/doi/"):
			atomic.AddInt32(&doiHits, 1)
			w.Header().Set("Content-Type", "application/pdf")
			fmt.Fprint(w, fakePDFContent)
		case strings.HasPrefix(r.URL.Path, "/eutils/"):
			fmt.Fprint(w, pubmedAbstract)
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()
	defer overrideBaseURLs(ts.URL)()

	f := New(testFetchConfig(t), Deps{})

	doc, _, err := f.Fetch(context.Background(), testItem(), types.StrategyMetadataFirst)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if doc.Source != "pubmed-metadata" {
		t.Errorf("source = %q, want the metadata terminal to win", doc.Source)
	}
	if n := atomic.LoadInt32(&doiHits); n != 0 {
		t.Errorf("doi resolver hit %d times; metadata-first must consult it last", n)
	}
}

// --- cache interplay ---

func TestFetchCacheHitShortCircuits(t *testing.T) {
	var requests int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		http.NotFound(w, r)
	}))
	defer ts.Close()
	defer overrideBaseURLs(ts.URL)()

	archive := newStubArchive()
	cached := &types.Document{ItemID: "w1", Source: "doi-direct", MediaType: types.MediaPDF, Path: "/tmp/cached.pdf"}
	archive.docs["w1"] = cached

	f := New(testFetchConfig(t), Deps{Archive: archive})

	doc, attempts, err := f.Fetch(context.Background(), testItem(), types.StrategyContentFirst)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if doc != cached {
		t.Errorf("doc = %+v, want the cached document", doc)
	}
	if attempts != nil {
		t.Errorf("attempts = %+v, want none for a cache hit", attempts)
	}
	if n := atomic.LoadInt32(&requests); n != 0 {
		t.Errorf("%d network requests during a cache hit", n)
	}
}

func TestFetchArchivesWinningDocument(t *testing.T) {
	ts := newSourceServer(t)
	defer ts.Close()
	defer overrideBaseURLs(ts.URL)()

	archive := newStubArchive()
	f := New(testFetchConfig(t), Deps{Archive: archive})

	doc, _, err := f.Fetch(context.Background(), testItem(), types.StrategyContentFirst)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if archive.puts != 1 {
		t.Errorf("archive puts = %d, want 1", archive.puts)
	}
	if stored := archive.docs["w1"]; stored != doc {
		t.Errorf("archived %+v, want the returned document", stored)
	}
}

func TestFetchMetadataBypassesCache(t *testing.T) {
	var eutilsHits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/eutils/") {
			atomic.AddInt32(&eutilsHits, 1)
			fmt.Fprint(w, pubmedAbstract)
			return
		}
		http.NotFound(w, r)
	}))
	defer ts.Close()
	defer overrideBaseURLs(ts.URL)()

	// The cache holds a document for the item; a fallback re-fetch must not
	// be handed the same bad payload back.
	archive := newStubArchive()
	archive.docs["w1"] = &types.Document{ItemID: "w1", Source: "doi-direct", Path: "/tmp/bad.pdf"}

	f := New(testFetchConfig(t), Deps{Archive: archive})

	doc, _, err := f.FetchMetadata(context.Background(), testItem())
	if err != nil {
		t.Fatalf("FetchMetadata: %v", err)
	}
	if doc.Source != "pubmed-metadata" || !doc.MetadataOnly {
		t.Errorf("doc = %s metadataOnly=%v, want fresh pubmed metadata", doc.Source, doc.MetadataOnly)
	}
	if n := atomic.LoadInt32(&eutilsHits); n == 0 {
		t.Error("metadata terminal never consulted")
	}
	if archive.puts != 1 {
		t.Errorf("archive puts = %d, want the metadata document archived", archive.puts)
	}
}

// --- rate budgets ---

func TestFetchBudgetTimeoutAbortsChain(t *testing.T) {
	ts := newSourceServer(t)
	defer ts.Close()
	defer overrideBaseURLs(ts.URL)()

	lim := ratelimit.NewManager(types.RateLimitConfig{
		Budgets:        map[string]types.BudgetConfig{"doi-org": {PerMinute: 1, Burst: 1}},
		AcquireTimeout: 5 * time.Millisecond,
	}, nil)
	f := New(testFetchConfig(t), Deps{Limiter: lim})

	first := types.WorkItem{ID: "w1", DOI: "10.5555/ssi.2024.001"}
	if _, _, err := f.Fetch(context.Background(), first, types.StrategyContentFirst); err != nil {
		t.Fatalf("first Fetch: %v", err)
	}

	second := types.WorkItem{ID: "w2", DOI: "10.5555/ssi.2024.002"}
	_, attempts, err := f.Fetch(context.Background(), second, types.StrategyContentFirst)
	if err == nil {
		t.Fatal("second Fetch succeeded with an exhausted budget")
	}
	if kind := types.Classify(err); kind != types.KindRateLimited {
		t.Errorf("kind = %s, want %s", kind, types.KindRateLimited)
	}
	if len(attempts) != 0 {
		t.Errorf("attempts = %+v, want none: the walk aborts before the lookup", attempts)
	}
}

// --- pure helpers ---

func TestFindPDFLink(t *testing.T) {
	base, err := url.Parse("https://pub.example.org/articles/123")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		page string
		want string
		ok   bool
	}{
		{
			"citation meta absolute",
			`<html><head><meta name="citation_pdf_url" content="https://pub.example.org/dl/123.pdf"></head></html>`,
			"https://pub.example.org/dl/123.pdf", true,
		},
		{
			"citation meta relative",
			`<html><head><meta name="citation_pdf_url" content="/dl/123.pdf"></head></html>`,
			"https://pub.example.org/dl/123.pdf", true,
		},
		{
			"anchor fallback",
			`<html><body><a href="files/paper.pdf">Download PDF</a></body></html>`,
			"https://pub.example.org/articles/files/paper.pdf", true,
		},
		{
			"anchor with query ignored extension elsewhere",
			`<html><body><a href="/dl/paper.pdf?download=1">PDF</a></body></html>`,
			"https://pub.example.org/dl/paper.pdf?download=1", true,
		},
		{
			"no pdf anywhere",
			`<html><body><a href="/about">About</a></body></html>`,
			"", false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := findPDFLink(base, []byte(tt.page))
			if ok != tt.ok || got != tt.want {
				t.Errorf("findPDFLink = %q/%v, want %q/%v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestStripTags(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"jats fragment", "<jats:p>Background: infections occur.</jats:p>", "Background: infections occur."},
		{"plain text", "Plain abstract text.", "Plain abstract text."},
		{"nested whitespace", "<p>Multi\n   space   <b>bold</b></p>", "Multi space bold"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripTags(tt.in); got != tt.want {
				t.Errorf("stripTags(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTitlesMatch(t *testing.T) {
	tests := []struct {
		name string
		want string
		got  string
		ok   bool
	}{
		{"identical", paperTitle, paperTitle, true},
		{"case and spacing", paperTitle, "  surgical site infections\nafter cesarean delivery ", true},
		{"feed adds subtitle", paperTitle, paperTitle + ": a retrospective cohort", true},
		{"different paper", paperTitle, "Optimal Transport for Generative Models", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := titlesMatch(tt.want, tt.got); got != tt.ok {
				t.Errorf("titlesMatch(%q, %q) = %v, want %v", tt.want, tt.got, got, tt.ok)
			}
		})
	}
}
