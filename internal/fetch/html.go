// Copyright Peton Labs, 2026. All rights reserved.

package fetch

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// findPDFLink scans a landing page for a full-text PDF link: first the
// citation_pdf_url meta tag publishers embed for indexers, then the first
// anchor whose path ends in .pdf. Relative links resolve against base.
func findPDFLink(base *url.URL, page []byte) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return "", false
	}

	if content, ok := doc.Find(`meta[name="citation_pdf_url"]`).Attr("content"); ok {
		if resolved, ok := resolveRef(base, content); ok {
			return resolved, true
		}
	}

	var found string
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		parsed, err := url.Parse(href)
		if err != nil || !strings.HasSuffix(strings.ToLower(parsed.Path), ".pdf") {
			return true
		}
		if resolved, ok := resolveRef(base, href); ok {
			found = resolved
			return false
		}
		return true
	})
	return found, found != ""
}

func resolveRef(base *url.URL, href string) (string, bool) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", false
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", false
	}
	return ref.String(), true
}

// stripTags renders an HTML or JATS fragment as plain text with collapsed
// whitespace. Registry abstracts arrive as tagged fragments.
func stripTags(fragment string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
