// Copyright Peton Labs, 2026. All rights reserved.

package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/petonlabs/systematic-review-data-extraction/internal/httputil"
	"github.com/petonlabs/systematic-review-data-extraction/pkg/types"
)

var pdfMagic = []byte("%PDF")

// get issues a GET through the shared retry helper with the configured
// User-Agent. The client follows redirects.
func (f *Fetcher) get(ctx context.Context, rawURL, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	return httputil.DoWithRetry(ctx, f.client, req, f.cfg.MaxRetries)
}

// downloadPDF fetches a PDF URL end-to-end: GET, status checks, spool.
// 404 and 410 are clean misses; other non-200 statuses are source errors.
func (f *Fetcher) downloadPDF(ctx context.Context, rawURL string, item types.WorkItem, source string) (*types.Document, error) {
	resp, err := f.get(ctx, rawURL, "application/pdf")
	if err != nil {
		return nil, types.WithKind(types.KindTransientNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, miss("HTTP %d from %s", resp.StatusCode, rawURL)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	return f.spoolResponse(resp, item, source, types.MediaPDF)
}

// spoolResponse streams the response body into a spool file, hashing while
// copying, so the full payload is never resident in memory. PDF payloads are
// sniffed for the %PDF magic; every payload is size-capped.
func (f *Fetcher) spoolResponse(resp *http.Response, item types.WorkItem, source string, media types.MediaType) (*types.Document, error) {
	maxBytes := int64(f.cfg.MaxDocumentMB) << 20
	body := io.LimitReader(resp.Body, maxBytes+1)

	tmp, err := os.CreateTemp(f.cfg.SpoolDir, "sysrev-"+item.Slug()+"-*"+media.Ext())
	if err != nil {
		return nil, fmt.Errorf("creating spool file: %w", err)
	}
	tmpPath := tmp.Name()
	discard := func(err error) (*types.Document, error) {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, err
	}

	h := sha256.New()
	out := io.MultiWriter(tmp, h)
	var size int64

	if media == types.MediaPDF {
		head := make([]byte, len(pdfMagic))
		if _, err := io.ReadFull(body, head); err != nil {
			return discard(types.WithKind(types.KindUnreadableDoc,
				fmt.Errorf("payload too short for a PDF: %w", err)))
		}
		if !bytes.Equal(head, pdfMagic) {
			return discard(types.WithKind(types.KindUnreadableDoc,
				fmt.Errorf("payload from %s is not a PDF", source)))
		}
		n, err := out.Write(head)
		if err != nil {
			return discard(fmt.Errorf("writing spool file: %w", err))
		}
		size += int64(n)
	}

	n, err := io.Copy(out, body)
	size += n
	if err != nil {
		return discard(fmt.Errorf("writing spool file: %w", err))
	}
	if closeErr := tmp.Close(); closeErr != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("closing spool file: %w", closeErr)
	}

	if size > maxBytes {
		os.Remove(tmpPath)
		return nil, types.WithKind(types.KindUnreadableDoc,
			fmt.Errorf("payload exceeds the %d MB cap", f.cfg.MaxDocumentMB))
	}
	if size == 0 {
		os.Remove(tmpPath)
		return nil, types.WithKind(types.KindUnreadableDoc, fmt.Errorf("empty payload from %s", source))
	}

	return &types.Document{
		ItemID:    item.ID,
		Slug:      item.Slug(),
		Source:    source,
		MediaType: media,
		Path:      tmpPath,
		SHA256:    hex.EncodeToString(h.Sum(nil)),
		Size:      size,
	}, nil
}

// spoolBytes writes an in-memory payload (landing-page HTML, rendered
// metadata) to a spool file. Only small payloads come through here; large
// ones stream through spoolResponse.
func (f *Fetcher) spoolBytes(data []byte, item types.WorkItem, source string, media types.MediaType, metadataOnly bool) (*types.Document, error) {
	if len(data) == 0 {
		return nil, types.WithKind(types.KindUnreadableDoc, fmt.Errorf("empty payload from %s", source))
	}

	tmp, err := os.CreateTemp(f.cfg.SpoolDir, "sysrev-"+item.Slug()+"-*"+media.Ext())
	if err != nil {
		return nil, fmt.Errorf("creating spool file: %w", err)
	}
	tmpPath := tmp.Name()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpPath)
		if writeErr != nil {
			return nil, fmt.Errorf("writing spool file: %w", writeErr)
		}
		return nil, fmt.Errorf("closing spool file: %w", closeErr)
	}

	sum := sha256.Sum256(data)
	return &types.Document{
		ItemID:       item.ID,
		Slug:         item.Slug(),
		Source:       source,
		MediaType:    media,
		Path:         tmpPath,
		SHA256:       hex.EncodeToString(sum[:]),
		Size:         int64(len(data)),
		MetadataOnly: metadataOnly,
	}, nil
}
