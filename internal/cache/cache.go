// Copyright Peton Labs, 2026. All rights reserved.

// Package cache archives fetched documents in an S3-compatible object store
// so re-runs never re-download a payload that was already acquired. Objects
// are keyed by work-item slug and source; writes are idempotent and existing
// objects are never overwritten. A cache that cannot be reached degrades to a
// miss rather than failing the pipeline.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/petonlabs/systematic-review-data-extraction/pkg/types"
)

// ErrCacheMiss reports that no archived document exists for the lookup.
var ErrCacheMiss = errors.New("document not in cache")

// errObjectNotExist is the backend-neutral absence signal. Each blobStore
// maps its client's not-found error onto it.
var errObjectNotExist = errors.New("object does not exist")

// User-metadata keys stored alongside each object. Backends may return them
// case-folded, so reads go through metaValue.
const (
	metaSHA256       = "sha256"
	metaSource       = "source"
	metaMediaType    = "media-type"
	metaItemID       = "item-id"
	metaMetadataOnly = "metadata-only"
)

const keyPrefix = "docs/"

// blobStore is the thin slice of an object-store client the cache needs.
// minioStore and s3Store implement it; tests substitute an in-memory one.
type blobStore interface {
	put(ctx context.Context, key string, src io.Reader, size int64, contentType string, meta map[string]string) error
	get(ctx context.Context, key string) (io.ReadCloser, map[string]string, error)
	stat(ctx context.Context, key string) (map[string]string, error)
	list(ctx context.Context, prefix string) ([]string, error)
}

// Cache is the archival document store shared by pipeline runs.
type Cache struct {
	store    blobStore
	spoolDir string
	log      *zap.Logger
}

// New connects to the configured backend and verifies the bucket. The
// spool directory receives retrieved payloads; empty means the OS temp dir.
func New(ctx context.Context, cfg types.CacheConfig, spoolDir string, log *zap.Logger) (*Cache, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var (
		store blobStore
		err   error
	)
	switch cfg.Driver {
	case types.CacheS3:
		store, err = newS3Store(ctx, cfg)
	case types.CacheMinio, "":
		store, err = newMinioStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return &Cache{store: store, spoolDir: spoolDir, log: log}, nil
}

// newWithStore wires a Cache directly onto a blobStore. Tests use it.
func newWithStore(store blobStore, spoolDir string, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{store: store, spoolDir: spoolDir, log: log}
}

// objectKey is the canonical location of a document: docs/<slug>/<source><ext>.
func objectKey(doc *types.Document) string {
	return keyPrefix + doc.Slug + "/" + doc.Source + doc.MediaType.Ext()
}

// versionedKey names a sibling object for a payload whose content differs
// from what the canonical key already holds.
func versionedKey(doc *types.Document) string {
	hash := doc.SHA256
	if len(hash) > 12 {
		hash = hash[:12]
	}
	return keyPrefix + doc.Slug + "/" + doc.Source + "@" + hash + doc.MediaType.Ext()
}

func itemPrefix(item types.WorkItem) string {
	return keyPrefix + item.Slug() + "/"
}

// Put archives the document's payload. Existing objects are never
// overwritten: a payload with the same content hash as the stored object is
// a no-op, and one with a different hash is written under a versioned
// sibling key. Returns true when an object was actually written.
func (c *Cache) Put(ctx context.Context, doc *types.Document) (bool, error) {
	key := objectKey(doc)
	meta, err := c.store.stat(ctx, key)
	switch {
	case err == nil:
		if metaValue(meta, metaSHA256) == doc.SHA256 {
			return false, nil
		}
		key = versionedKey(doc)
		vmeta, verr := c.store.stat(ctx, key)
		if verr == nil {
			if metaValue(vmeta, metaSHA256) == doc.SHA256 {
				return false, nil
			}
			// Same truncated hash, different content. Vanishingly
			// unlikely; keep the existing object.
			c.log.Warn("cache version collision, keeping existing object",
				zap.String("key", key))
			return false, nil
		}
		if !errors.Is(verr, errObjectNotExist) {
			return false, types.WithKind(types.KindStorageUnavail,
				fmt.Errorf("checking cached object %s: %w", key, verr))
		}
	case errors.Is(err, errObjectNotExist):
		// First archive of this slug/source.
	default:
		return false, types.WithKind(types.KindStorageUnavail,
			fmt.Errorf("checking cached object %s: %w", key, err))
	}

	f, err := os.Open(doc.Path)
	if err != nil {
		return false, fmt.Errorf("opening payload for archive: %w", err)
	}
	defer f.Close()

	if err := c.store.put(ctx, key, f, doc.Size, contentTypeFor(doc.MediaType), objectMeta(doc)); err != nil {
		return false, types.WithKind(types.KindStorageUnavail,
			fmt.Errorf("archiving %s: %w", key, err))
	}
	c.log.Debug("archived document",
		zap.String("key", key),
		zap.Int64("size", doc.Size))
	return true, nil
}

// Get retrieves the object at key into a spool file and rebuilds its
// document record. Absence is ErrCacheMiss; backend trouble is a
// storage-unavailable error for the caller to downgrade.
func (c *Cache) Get(ctx context.Context, key string) (*types.Document, error) {
	rc, meta, err := c.store.get(ctx, key)
	if err != nil {
		if errors.Is(err, errObjectNotExist) {
			return nil, ErrCacheMiss
		}
		return nil, types.WithKind(types.KindStorageUnavail,
			fmt.Errorf("retrieving cached object %s: %w", key, err))
	}
	defer rc.Close()

	slug, source, mediaType := parseKey(key)
	if mt := metaValue(meta, metaMediaType); mt != "" {
		mediaType = types.MediaType(mt)
	}

	tmp, err := os.CreateTemp(c.spoolDir, "sysrev-cache-*"+mediaType.Ext())
	if err != nil {
		return nil, fmt.Errorf("creating spool file: %w", err)
	}
	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), rc)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return nil, types.WithKind(types.KindStorageUnavail,
			fmt.Errorf("spooling cached object %s: %w", key, err))
	}

	doc := &types.Document{
		ItemID:       metaValue(meta, metaItemID),
		Slug:         slug,
		Source:       source,
		MediaType:    mediaType,
		Path:         tmp.Name(),
		SHA256:       hex.EncodeToString(hasher.Sum(nil)),
		Size:         size,
		MetadataOnly: metaValue(meta, metaMetadataOnly) == "true",
	}
	if want := metaValue(meta, metaSHA256); want != "" && want != doc.SHA256 {
		c.log.Warn("cached object hash mismatch",
			zap.String("key", key),
			zap.String("stored", want),
			zap.String("computed", doc.SHA256))
	}
	return doc, nil
}

// Find returns an archived document for the item from any source, or
// ErrCacheMiss. Full-content objects are preferred over metadata renderings,
// and canonical keys over versioned siblings. An unreachable backend logs a
// warning and reads as a miss so the fetch chain can proceed.
func (c *Cache) Find(ctx context.Context, item types.WorkItem) (*types.Document, error) {
	keys, err := c.store.list(ctx, itemPrefix(item))
	if err != nil {
		c.log.Warn("cache list failed, treating as miss",
			zap.String("item", item.ID),
			zap.Error(err))
		return nil, ErrCacheMiss
	}
	if len(keys) == 0 {
		return nil, ErrCacheMiss
	}
	sort.Slice(keys, func(i, j int) bool {
		ri, rj := keyRank(keys[i]), keyRank(keys[j])
		if ri != rj {
			return ri < rj
		}
		return keys[i] < keys[j]
	})
	for _, key := range keys {
		doc, err := c.Get(ctx, key)
		if err != nil {
			c.log.Warn("cached object unreadable, trying next",
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		doc.ItemID = item.ID
		return doc, nil
	}
	return nil, ErrCacheMiss
}

// keyRank orders candidate objects for Find: PDFs first, then HTML, then
// text renderings; canonical keys ahead of versioned siblings.
func keyRank(key string) int {
	var rank int
	switch {
	case strings.HasSuffix(key, ".pdf"):
		rank = 0
	case strings.HasSuffix(key, ".html"):
		rank = 2
	default:
		rank = 4
	}
	if strings.Contains(path.Base(key), "@") {
		rank++
	}
	return rank
}

func parseKey(key string) (slug, source string, mediaType types.MediaType) {
	rest := strings.TrimPrefix(key, keyPrefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		slug, rest = rest[:i], rest[i+1:]
	}
	switch {
	case strings.HasSuffix(rest, ".pdf"):
		mediaType = types.MediaPDF
	case strings.HasSuffix(rest, ".html"):
		mediaType = types.MediaHTML
	default:
		mediaType = types.MediaText
	}
	source = strings.TrimSuffix(rest, mediaType.Ext())
	if i := strings.IndexByte(source, '@'); i >= 0 {
		source = source[:i]
	}
	return slug, source, mediaType
}

func objectMeta(doc *types.Document) map[string]string {
	meta := map[string]string{
		metaSHA256:    doc.SHA256,
		metaSource:    doc.Source,
		metaMediaType: string(doc.MediaType),
		metaItemID:    doc.ItemID,
	}
	if doc.MetadataOnly {
		meta[metaMetadataOnly] = "true"
	}
	return meta
}

func contentTypeFor(mt types.MediaType) string {
	switch mt {
	case types.MediaPDF:
		return "application/pdf"
	case types.MediaHTML:
		return "text/html"
	default:
		return "text/plain"
	}
}

// metaValue looks a key up case-insensitively: MinIO returns user metadata
// in canonical header case, the AWS SDK lowercases it.
func metaValue(meta map[string]string, key string) string {
	for k, v := range meta {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}
