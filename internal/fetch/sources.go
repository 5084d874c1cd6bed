// Copyright Peton Labs, 2026. All rights reserved.

package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/petonlabs/systematic-review-data-extraction/pkg/types"
)

// maxLandingBytes caps how much of an HTML landing page or metadata response
// is buffered. Full-size payloads stream through spoolResponse instead.
const maxLandingBytes = 2 << 20

func (f *Fetcher) lookupDOIDirect(ctx context.Context, item types.WorkItem) (*types.Document, error) {
	return f.resolveLanding(ctx, doiBase+types.NormalizeDOI(item.DOI), item, "doi-direct")
}

func (f *Fetcher) lookupDirectURL(ctx context.Context, item types.WorkItem) (*types.Document, error) {
	return f.resolveLanding(ctx, item.URL, item, "direct-url")
}

// resolveLanding follows a resolver or landing URL. A PDF response spools
// directly; an HTML response is scanned for a full-text PDF link, and the
// page itself becomes the content document when no link pans out.
func (f *Fetcher) resolveLanding(ctx context.Context, pageURL string, item types.WorkItem, source string) (*types.Document, error) {
	resp, err := f.get(ctx, pageURL, "")
	if err != nil {
		return nil, types.WithKind(types.KindTransientNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, miss("HTTP %d from %s", resp.StatusCode, pageURL)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, pageURL)
	}

	ct := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(ct, "application/pdf"):
		return f.spoolResponse(resp, item, source, types.MediaPDF)
	case strings.Contains(ct, "text/html"), strings.Contains(ct, "application/xhtml"):
	default:
		return nil, miss("unsupported content type %q from %s", ct, source)
	}

	page, err := io.ReadAll(io.LimitReader(resp.Body, maxLandingBytes))
	if err != nil {
		return nil, types.WithKind(types.KindTransientNetwork,
			fmt.Errorf("reading landing page: %w", err))
	}

	if pdfURL, ok := findPDFLink(resp.Request.URL, page); ok {
		doc, pdfErr := f.downloadPDF(ctx, pdfURL, item, source)
		if pdfErr == nil {
			return doc, nil
		}
		f.log.Debug("landing-page pdf link failed, keeping page text",
			zap.String("item", item.ID),
			zap.String("url", pdfURL),
			zap.Error(pdfErr))
	}

	return f.spoolBytes(page, item, source, types.MediaHTML, false)
}

type unpaywallResponse struct {
	BestOALocation unpaywallLocation   `json:"best_oa_location"`
	OALocations    []unpaywallLocation `json:"oa_locations"`
}

type unpaywallLocation struct {
	URLForPDF string `json:"url_for_pdf"`
}

// lookupUnpaywall asks the open-access index for a legal full-text PDF.
func (f *Fetcher) lookupUnpaywall(ctx context.Context, item types.WorkItem) (*types.Document, error) {
	doi := types.NormalizeDOI(item.DOI)
	apiURL := unpaywallBase + doi + "?email=" + url.QueryEscape(f.cfg.UnpaywallEmail)

	resp, err := f.get(ctx, apiURL, "application/json")
	if err != nil {
		return nil, types.WithKind(types.KindTransientNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, miss("doi %s not indexed by unpaywall", doi)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unpaywall returned HTTP %d", resp.StatusCode)
	}

	var ur unpaywallResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return nil, fmt.Errorf("parsing unpaywall response: %w", err)
	}

	pdfURL := ur.BestOALocation.URLForPDF
	if pdfURL == "" {
		for _, loc := range ur.OALocations {
			if loc.URLForPDF != "" {
				pdfURL = loc.URLForPDF
				break
			}
		}
	}
	if pdfURL == "" {
		return nil, miss("no open-access pdf for %s", doi)
	}
	return f.downloadPDF(ctx, pdfURL, item, "unpaywall")
}

// CrossRef API JSON structures, shared by the full-text and metadata lookups.
type crossrefResponse struct {
	Message crossrefWork `json:"message"`
}

type crossrefWork struct {
	Title    []string         `json:"title"`
	Abstract string           `json:"abstract"`
	Author   []crossrefAuthor `json:"author"`
	Link     []crossrefLink   `json:"link"`
}

type crossrefAuthor struct {
	Given  string `json:"given"`
	Family string `json:"family"`
}

type crossrefLink struct {
	URL         string `json:"URL"`
	ContentType string `json:"content-type"`
}

func (f *Fetcher) crossrefWork(ctx context.Context, doi string) (*crossrefWork, error) {
	resp, err := f.get(ctx, crossrefBase+doi, "application/json")
	if err != nil {
		return nil, types.WithKind(types.KindTransientNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, miss("doi %s not registered with crossref", doi)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("crossref returned HTTP %d", resp.StatusCode)
	}

	var cr crossrefResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("parsing crossref response: %w", err)
	}
	return &cr.Message, nil
}

// lookupCrossref follows the registry's declared full-text links.
func (f *Fetcher) lookupCrossref(ctx context.Context, item types.WorkItem) (*types.Document, error) {
	work, err := f.crossrefWork(ctx, types.NormalizeDOI(item.DOI))
	if err != nil {
		return nil, err
	}
	for _, link := range work.Link {
		if strings.Contains(link.ContentType, "application/pdf") && link.URL != "" {
			return f.downloadPDF(ctx, link.URL, item, "crossref")
		}
	}
	return nil, miss("no full-text link registered for %s", types.NormalizeDOI(item.DOI))
}

type idconvResponse struct {
	Records []idconvRecord `json:"records"`
}

type idconvRecord struct {
	PMCID string `json:"pmcid"`
}

// lookupPMC resolves PMID to PMCID through the NCBI id converter, then
// fetches the PMC full-text PDF.
func (f *Fetcher) lookupPMC(ctx context.Context, item types.WorkItem) (*types.Document, error) {
	convURL := idconvBase + "?ids=" + url.QueryEscape(item.PMID) + "&format=json"

	resp, err := f.get(ctx, convURL, "application/json")
	if err != nil {
		return nil, types.WithKind(types.KindTransientNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("id converter returned HTTP %d", resp.StatusCode)
	}

	var conv idconvResponse
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return nil, fmt.Errorf("parsing id converter response: %w", err)
	}
	if len(conv.Records) == 0 || conv.Records[0].PMCID == "" {
		return nil, miss("pmid %s has no PMC deposit", item.PMID)
	}

	return f.downloadPDF(ctx, pmcBase+conv.Records[0].PMCID+"/pdf/", item, "pmc")
}

// arXiv Atom feed XML structures.
type arxivFeed struct {
	Entries []arxivEntry `xml:"entry"`
}

type arxivEntry struct {
	ID    string      `xml:"id"`
	Title string      `xml:"title"`
	Links []arxivLink `xml:"link"`
}

type arxivLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
	Type string `xml:"type,attr"`
}

// lookupArxiv queries the preprint server by title. A hit must actually
// match the worklist title; the first Atom result for a loose phrase often
// is a different paper entirely.
func (f *Fetcher) lookupArxiv(ctx context.Context, item types.WorkItem) (*types.Document, error) {
	query := fmt.Sprintf("all:%q", item.Title)
	apiURL := arxivAPIBase + "?search_query=" + url.QueryEscape(query) + "&max_results=1"

	resp, err := f.get(ctx, apiURL, "")
	if err != nil {
		return nil, types.WithKind(types.KindTransientNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("arxiv api returned HTTP %d", resp.StatusCode)
	}

	var feed arxivFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("parsing arxiv response: %w", err)
	}
	if len(feed.Entries) == 0 {
		return nil, miss("no arxiv match for title")
	}

	entry := feed.Entries[0]
	if !titlesMatch(item.Title, entry.Title) {
		return nil, miss("closest arxiv match is a different paper: %q", strings.TrimSpace(entry.Title))
	}

	pdfURL := ""
	for _, link := range entry.Links {
		if link.Type == "application/pdf" {
			pdfURL = link.Href
			break
		}
	}
	if pdfURL == "" && entry.ID != "" {
		pdfURL = strings.Replace(entry.ID, "/abs/", "/pdf/", 1)
	}
	if pdfURL == "" {
		return nil, miss("arxiv entry has no pdf link")
	}

	return f.downloadPDF(ctx, pdfURL, item, "arxiv")
}

func titlesMatch(want, got string) bool {
	w := normalizeTitle(want)
	g := normalizeTitle(got)
	return w == g || strings.Contains(g, w) || strings.Contains(w, g)
}

func normalizeTitle(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// lookupPubmedMetadata fetches the PubMed abstract as plain text — the
// metadata-only terminal for items with a PMID.
func (f *Fetcher) lookupPubmedMetadata(ctx context.Context, item types.WorkItem) (*types.Document, error) {
	apiURL := eutilsBase + "efetch.fcgi?db=pubmed&id=" + url.QueryEscape(item.PMID) +
		"&rettype=abstract&retmode=text"

	resp, err := f.get(ctx, apiURL, "")
	if err != nil {
		return nil, types.WithKind(types.KindTransientNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pubmed efetch returned HTTP %d", resp.StatusCode)
	}

	text, err := io.ReadAll(io.LimitReader(resp.Body, maxLandingBytes))
	if err != nil {
		return nil, types.WithKind(types.KindTransientNetwork,
			fmt.Errorf("reading pubmed response: %w", err))
	}
	text = bytes.TrimSpace(text)
	if len(text) == 0 {
		return nil, miss("pubmed has no abstract for pmid %s", item.PMID)
	}

	return f.spoolBytes(text, item, "pubmed-metadata", types.MediaText, true)
}

// lookupCrossrefMetadata renders the registry record (title, authors,
// abstract) as a plain-text document — the metadata-only terminal for items
// with a DOI.
func (f *Fetcher) lookupCrossrefMetadata(ctx context.Context, item types.WorkItem) (*types.Document, error) {
	work, err := f.crossrefWork(ctx, types.NormalizeDOI(item.DOI))
	if err != nil {
		return nil, err
	}

	title := ""
	if len(work.Title) > 0 {
		title = strings.TrimSpace(work.Title[0])
	}
	abstract := stripTags(work.Abstract)
	if title == "" && abstract == "" {
		return nil, miss("registry record for %s has no usable metadata", types.NormalizeDOI(item.DOI))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", title)
	if len(work.Author) > 0 {
		names := make([]string, 0, len(work.Author))
		for _, a := range work.Author {
			names = append(names, strings.TrimSpace(a.Given+" "+a.Family))
		}
		fmt.Fprintf(&b, "Authors: %s\n", strings.Join(names, ", "))
	}
	if abstract != "" {
		fmt.Fprintf(&b, "\nAbstract:\n%s\n", abstract)
	}

	return f.spoolBytes([]byte(b.String()), item, "crossref-metadata", types.MediaText, true)
}
