// Copyright Peton Labs, 2026. All rights reserved.

// Package convert turns a fetched document into a sequence of overlapping
// text chunks sized for the field-extraction service. Documents are read
// incrementally — PDFs page at a time — so resident memory stays bounded by
// one page plus one chunk buffer no matter how large the payload is.
package convert

import (
	"errors"
	"fmt"
	"io"

	"github.com/petonlabs/systematic-review-data-extraction/pkg/types"
)

// ErrNoText reports a document that yields no extractable text at all.
var ErrNoText = errors.New("document has no extractable text")

// Chunking defaults, matching the extraction service's context window.
const (
	defaultChunkSize  = 12000
	defaultOverlap    = 500
	defaultMaxTextLen = 50000
)

// Chunker is a pull iterator over a document's text. Each call to Next
// returns the next chunk; io.EOF ends the sequence. Chunk indices and
// offsets are deterministic for the same document bytes, so a consumer that
// crashed mid-document can resume from a recorded index via
// types.ChunkConfig.FromIndex.
type Chunker struct {
	src    textSource
	closer io.Closer
	cfg    types.ChunkConfig

	buf      []rune // pending runes, head at document offset
	offset   int    // rune offset of buf[0] within the document text
	index    int    // index of the next chunk to cut
	consumed int    // total runes pulled from the source
	srcDone  bool
	srcErr   error // non-EOF source failure: emit the prefix, flag truncated
	capped   bool  // the per-document text cap cut the source short
	done     bool
}

// NewChunker opens the document and prepares the chunk sequence. Zero config
// fields fall back to the defaults; a negative overlap disables overlapping.
// The overlap must be smaller than the chunk size.
func NewChunker(doc *types.Document, cfg types.ChunkConfig) (*Chunker, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.Overlap == 0 {
		cfg.Overlap = defaultOverlap
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}
	if cfg.MaxTextLen == 0 {
		cfg.MaxTextLen = defaultMaxTextLen
	}
	if cfg.Overlap >= cfg.ChunkSize {
		return nil, fmt.Errorf("chunk overlap %d must be smaller than chunk size %d", cfg.Overlap, cfg.ChunkSize)
	}

	src, closer, err := openSource(doc)
	if err != nil {
		return nil, err
	}

	return &Chunker{src: src, closer: closer, cfg: cfg}, nil
}

// Next returns the next chunk. Every chunk except possibly the last is
// exactly ChunkSize runes, and each chunk after the first begins Overlap
// runes before its predecessor ends. The final chunk carries Final, plus
// Truncated when the text layer died mid-read or the per-document cap cut
// the source short. A document with no text at all yields an
// unreadable-document error on the first call.
func (c *Chunker) Next() (types.TextChunk, error) {
	for {
		if c.done {
			return types.TextChunk{}, io.EOF
		}
		c.fill()

		size := c.cfg.ChunkSize
		final := false
		if c.srcDone && len(c.buf) <= size {
			size = len(c.buf)
			final = true
		}

		if size == 0 {
			c.done = true
			if c.index == 0 {
				err := ErrNoText
				if c.srcErr != nil {
					err = fmt.Errorf("%w: %w", ErrNoText, c.srcErr)
				}
				return types.TextChunk{}, types.WithKind(types.KindUnreadableDoc, err)
			}
			return types.TextChunk{}, io.EOF
		}

		chunk := types.TextChunk{
			Index:     c.index,
			Offset:    c.offset,
			Text:      string(c.buf[:size]),
			Final:     final,
			Truncated: final && (c.srcErr != nil || c.capped),
		}
		c.advance(size, final)

		if chunk.Index < c.cfg.FromIndex {
			if final {
				c.done = true
				return types.TextChunk{}, io.EOF
			}
			continue
		}
		return chunk, nil
	}
}

// Close releases the underlying document file.
func (c *Chunker) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// fill pulls source segments until more than a full chunk is buffered or
// the text ends, so a chunk is only cut non-final when text is known to
// follow it. At most one segment (one PDF page) beyond the chunk size is
// ever resident.
func (c *Chunker) fill() {
	for !c.srcDone && len(c.buf) <= c.cfg.ChunkSize {
		seg, err := c.src.next()
		if err != nil {
			c.srcDone = true
			if !errors.Is(err, io.EOF) {
				c.srcErr = err
			}
			return
		}
		c.push(seg)
	}
}

// push appends segment runes to the buffer, honoring the per-document cap.
func (c *Chunker) push(seg string) {
	runes := []rune(seg)
	if c.cfg.MaxTextLen > 0 {
		room := c.cfg.MaxTextLen - c.consumed
		if room <= 0 {
			c.srcDone, c.capped = true, true
			return
		}
		if len(runes) > room {
			runes = runes[:room]
			c.srcDone, c.capped = true, true
		}
	}
	c.buf = append(c.buf, runes...)
	c.consumed += len(runes)
}

func (c *Chunker) advance(size int, final bool) {
	if final {
		c.done = true
		return
	}
	stride := c.cfg.ChunkSize - c.cfg.Overlap
	c.buf = append(c.buf[:0], c.buf[stride:]...)
	c.offset += stride
	c.index++
}

// Collect drains a chunk sequence into a slice. The total is bounded by the
// per-document text cap, so the slice stays small even for large documents.
// On a mid-sequence failure the chunks already produced are returned with
// the error.
func Collect(doc *types.Document, cfg types.ChunkConfig) ([]types.TextChunk, error) {
	chunker, err := NewChunker(doc, cfg)
	if err != nil {
		return nil, err
	}
	defer chunker.Close()

	var chunks []types.TextChunk
	for {
		chunk, err := chunker.Next()
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
}
