// Copyright Peton Labs, 2026. All rights reserved.

package types

// MediaType identifies the payload format of a fetched document.
type MediaType string

const (
	MediaPDF  MediaType = "pdf"
	MediaHTML MediaType = "html"
	MediaText MediaType = "text"
)

// Ext returns the file extension used for cache keys and spool files.
func (m MediaType) Ext() string {
	switch m {
	case MediaPDF:
		return ".pdf"
	case MediaHTML:
		return ".html"
	default:
		return ".txt"
	}
}

// Document is a fetched payload spooled to local disk. The payload itself is
// never held in memory; stages read it through Path.
type Document struct {
	// ItemID is the worklist row the document belongs to.
	ItemID string `json:"item_id" yaml:"item_id"`

	// Slug is the item's storage stem (WorkItem.Slug), kept on the document
	// so the cache can derive keys without the original work item.
	Slug string `json:"slug" yaml:"slug"`

	// Source names the source that produced the payload (e.g. "doi-direct", "cache").
	Source string `json:"source" yaml:"source"`

	// MediaType is the payload format.
	MediaType MediaType `json:"media_type" yaml:"media_type"`

	// Path is the local spool file holding the payload.
	Path string `json:"path" yaml:"path"`

	// SHA256 is the hex digest of the payload, computed while spooling.
	SHA256 string `json:"sha256" yaml:"sha256"`

	// Size is the payload length in bytes.
	Size int64 `json:"size" yaml:"size"`

	// MetadataOnly marks a document assembled from registry metadata
	// (title, abstract) rather than full content.
	MetadataOnly bool `json:"metadata_only,omitempty" yaml:"metadata_only,omitempty"`
}

// TextChunk is one window of a document's text. Chunks overlap by a fixed
// number of runes so sentences split at a boundary appear whole in one chunk.
type TextChunk struct {
	// Index is the 0-based position of the chunk in the document sequence.
	Index int `json:"index" yaml:"index"`

	// Offset is the rune offset of the chunk start within the document text.
	Offset int `json:"offset" yaml:"offset"`

	// Text is the chunk content.
	Text string `json:"text" yaml:"text"`

	// Final marks the last chunk of the sequence.
	Final bool `json:"final" yaml:"final"`

	// Truncated marks a final chunk cut short because the document's text
	// layer ended mid-read or the per-document text cap was reached.
	Truncated bool `json:"truncated,omitempty" yaml:"truncated,omitempty"`
}
