// Copyright Peton Labs, 2026. All rights reserved.

package convert

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"

	"github.com/petonlabs/systematic-review-data-extraction/pkg/types"
)

// textSource delivers a document's text in successive segments. io.EOF ends
// the sequence; any other error means the text layer died mid-read.
type textSource interface {
	next() (string, error)
}

// openSource picks the reader for the document's media type. PDFs stream
// page at a time; HTML and plain-text documents are size-capped at fetch
// time, so loading them whole is already bounded.
func openSource(doc *types.Document) (textSource, io.Closer, error) {
	switch doc.MediaType {
	case types.MediaPDF:
		return openPDF(doc.Path)
	case types.MediaHTML:
		data, err := os.ReadFile(doc.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("reading document %s: %w", doc.Path, err)
		}
		text, err := htmlText(data)
		if err != nil {
			return nil, nil, types.WithKind(types.KindUnreadableDoc,
				fmt.Errorf("parsing html document: %w", err))
		}
		return &staticSource{text: text}, nil, nil
	default:
		data, err := os.ReadFile(doc.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("reading document %s: %w", doc.Path, err)
		}
		return &staticSource{text: string(data)}, nil, nil
	}
}

// pdfSource walks a PDF's pages through an io.ReaderAt, so only the current
// page's text is ever decoded into memory.
type pdfSource struct {
	reader *pdf.Reader
	page   int
	pages  int
}

func openPDF(path string) (textSource, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening document %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat document %s: %w", path, err)
	}
	reader, err := pdf.NewReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, nil, types.WithKind(types.KindUnreadableDoc,
			fmt.Errorf("opening pdf: %w", err))
	}
	return &pdfSource{reader: reader, pages: reader.NumPage()}, f, nil
}

// next returns the next non-empty page's text. Pages without a text layer
// are skipped; a page that fails to decode ends the sequence with an error
// so the chunker can flag the prefix as truncated.
func (s *pdfSource) next() (string, error) {
	for s.page < s.pages {
		s.page++
		page := s.reader.Page(s.page)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("reading pdf page %d: %w", s.page, err)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		return text, nil
	}
	return "", io.EOF
}

// staticSource delivers an already-decoded text in one segment.
type staticSource struct {
	text string
	done bool
}

func (s *staticSource) next() (string, error) {
	if s.done || strings.TrimSpace(s.text) == "" {
		return "", io.EOF
	}
	s.done = true
	return s.text, nil
}

// htmlText renders an HTML payload as plain text: scripts and styles
// removed, whitespace runs collapsed.
func htmlText(page []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(page)))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript").Remove()
	return strings.Join(strings.Fields(doc.Text()), " "), nil
}
