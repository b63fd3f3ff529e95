package httpcache

import (
	"bytes"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/cachekit/httpcache/layer"
)

// BodyHandle is a reference-counted pointer to a response body stored in a
// CacheLayer. Several VariantEntry values may share one BodyHandle when an
// origin's 304 response lets this cache reuse an existing body for a new
// variant key; the refcount lives here rather than in layer/, since a
// CacheLayer has no notion of sharing across keys.
type BodyHandle struct {
	layer layer.CacheLayer
	key   string
	size  int64
	refs  int32
}

// NewBodyHandle wraps a freshly stored blob with an initial reference count
// of one.
func NewBodyHandle(l layer.CacheLayer, key string, size int64) *BodyHandle {
	return &BodyHandle{layer: l, key: key, size: size, refs: 1}
}

// Size reports the body length in bytes, or -1 when unknown.
func (b *BodyHandle) Size() int64 {
	if b == nil {
		return -1
	}
	return b.size
}

// Retain increments the reference count and returns the same handle, for
// use by callers that alias one stored body across multiple variants.
func (b *BodyHandle) Retain() *BodyHandle {
	if b == nil {
		return nil
	}
	atomic.AddInt32(&b.refs, 1)
	return b
}

// Release decrements the reference count, deleting the underlying blob from
// its CacheLayer once it drops to zero.
func (b *BodyHandle) Release() error {
	if b == nil {
		return nil
	}
	if atomic.AddInt32(&b.refs, -1) > 0 {
		return nil
	}
	return wrapStorageErr(b.layer.Delete(b.key))
}

// Open returns a fresh reader over the stored body. Callers must Close it.
func (b *BodyHandle) Open() (io.ReadCloser, error) {
	if b == nil {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	rc, _, err := b.layer.Get(b.key)
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	if rc == nil {
		return nil, ErrStorage
	}
	return rc, nil
}

// HttpCache is the storage façade the executor depends on. It is
// deliberately narrow: everything about how entries are physically kept -
// replacement policy, persistence, compression - lives behind the injected
// layer.CacheLayer, which this interface treats as an opaque storage
// backend.
type HttpCache interface {
	// Get returns the entry stored for fp that matches req, or nil if
	// absent. When fp has a Vary-negotiated variant set, req is used to
	// resolve which stored variant answers it; entries without a Vary
	// header are returned unconditionally.
	Get(fp Fingerprint, req *http.Request) (*CacheEntry, error)

	// GetVariantsWithETags returns every known variant of fp along with its
	// ETag, for negotiation against a multi-valued If-None-Match.
	GetVariantsWithETags(fp Fingerprint) ([]*VariantEntry, error)

	// CreateCacheEntry stores entry for fp. When variantKey is empty, entry
	// replaces whatever was stored for fp before (the non-Vary case).  When
	// variantKey is non-empty, entry is added to fp's existing variant set
	// instead of replacing it - only the variant already stored under the
	// exact same variantKey is evicted and overwritten, so distinct variants
	// of the same fingerprint coexist across calls.
	CreateCacheEntry(fp Fingerprint, entry *CacheEntry, variantKey string) error

	// UpdateCacheEntry refreshes headers of an existing entry after a
	// successful revalidation (a 304 response).
	UpdateCacheEntry(fp Fingerprint, stale *CacheEntry, fresh *CacheEntry) (*CacheEntry, error)

	// UpdateVariantCacheEntry does the same as UpdateCacheEntry but for one
	// variant of a Vary-negotiated resource.
	UpdateVariantCacheEntry(fp Fingerprint, variantKey string, stale *CacheEntry, fresh *CacheEntry) (*CacheEntry, error)

	// ReuseVariantEntryFor registers an existing body under a newly observed
	// variant key without re-fetching it.
	ReuseVariantEntryFor(fp Fingerprint, variantKey string, source *VariantEntry) error

	// FlushInvalidatedCacheEntriesFor removes fp's entry (and any entry a
	// Location/Content-Location header on resp points at) when an unsafe
	// method succeeds.
	FlushInvalidatedCacheEntriesFor(fp Fingerprint, locations []Fingerprint) error

	// FlushCacheEntriesFor unconditionally removes fp's entry, used when a
	// backend response for fp turns out not to be cacheable.
	FlushCacheEntriesFor(fp Fingerprint) error
}

// memoryHttpCache is the default HttpCache, storing entry metadata in
// process memory and bodies in an injected layer.CacheLayer.
type memoryHttpCache struct {
	mu       sync.RWMutex
	layer    layer.CacheLayer
	entries  map[string]*CacheEntry
	sequence uint64
}

// NewHttpCache builds the default HttpCache backed by l for body storage.
func NewHttpCache(l layer.CacheLayer) HttpCache {
	return &memoryHttpCache{layer: l, entries: make(map[string]*CacheEntry)}
}

func (c *memoryHttpCache) Get(fp Fingerprint, req *http.Request) (*CacheEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	root := c.entries[fp.String()]
	if root == nil {
		return nil, nil
	}
	if root.Variants == nil {
		return root, nil
	}

	variantKey := VariantKey(root.Header.Get("Vary"), req)
	variant, ok := root.Variants[variantKey]
	if !ok || variant == nil {
		return nil, nil
	}
	return variant.Entry, nil
}

func (c *memoryHttpCache) GetVariantsWithETags(fp Fingerprint) ([]*VariantEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	root, ok := c.entries[fp.String()]
	if !ok || root == nil {
		return nil, nil
	}
	variants := make([]*VariantEntry, 0, len(root.Variants))
	for _, v := range root.Variants {
		variants = append(variants, v)
	}
	return variants, nil
}

func (c *memoryHttpCache) CreateCacheEntry(fp Fingerprint, entry *CacheEntry, variantKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := fp.String()
	entry.Variants = nil

	if variantKey == "" {
		c.releaseLocked(fp)
		c.entries[key] = entry
		return nil
	}

	root := c.entries[key]
	if root == nil || root.Variants == nil {
		// Either nothing stored yet for fp, or fp was previously a plain
		// (non-Vary) entry; either way start a fresh variant set rather
		// than coexisting with a body-bearing root.
		c.releaseLocked(fp)
		root = &CacheEntry{
			RequestMethod: entry.RequestMethod,
			RequestURI:    entry.RequestURI,
			Header:        make(http.Header),
			Variants:      map[string]*VariantEntry{},
		}
	}
	root.Header.Set("Vary", entry.Header.Get("Vary"))

	if old := root.Variants[variantKey]; old != nil && old.Entry != nil {
		old.Entry.Body.Release()
	}
	root.Variants[variantKey] = &VariantEntry{Key: variantKey, ETag: entry.ETag(), Entry: entry}
	c.entries[key] = root
	return nil
}

func (c *memoryHttpCache) UpdateCacheEntry(fp Fingerprint, stale, fresh *CacheEntry) (*CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	merged := mergeEntry(stale, fresh)
	if root := c.entries[fp.String()]; root != nil && root.Variants != nil {
		// stale is one variant of a Vary-negotiated set: update it in place
		// so the other variants stay stored.
		for key, v := range root.Variants {
			if v.Entry == stale {
				root.Variants[key] = &VariantEntry{Key: key, ETag: merged.ETag(), Entry: merged}
			}
		}
		return merged, nil
	}
	c.entries[fp.String()] = merged
	return merged, nil
}

func (c *memoryHttpCache) UpdateVariantCacheEntry(fp Fingerprint, variantKey string, stale, fresh *CacheEntry) (*CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	root := c.entries[fp.String()]
	merged := mergeEntry(stale, fresh)
	if root == nil {
		root = &CacheEntry{Header: make(http.Header), Variants: map[string]*VariantEntry{}}
	}
	if root.Variants == nil {
		// root was a plain (non-Vary) entry; its own body is about to be
		// superseded by the variant map, so release it rather than orphan it.
		root.Body.Release()
		root = &CacheEntry{Header: make(http.Header), Variants: map[string]*VariantEntry{}}
	}
	if root.Header == nil {
		root.Header = make(http.Header)
	}
	root.Header.Set("Vary", merged.Header.Get("Vary"))
	root.Variants[variantKey] = &VariantEntry{Key: variantKey, ETag: merged.ETag(), Entry: merged}
	c.entries[fp.String()] = root
	return merged, nil
}

func (c *memoryHttpCache) ReuseVariantEntryFor(fp Fingerprint, variantKey string, source *VariantEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	root := c.entries[fp.String()]
	if root == nil {
		root = &CacheEntry{Header: make(http.Header), Variants: map[string]*VariantEntry{}}
	}
	if root.Variants == nil {
		root.Body.Release()
		root = &CacheEntry{Header: make(http.Header), Variants: map[string]*VariantEntry{}}
	}
	if root.Header == nil {
		root.Header = make(http.Header)
	}
	if source.Entry != nil {
		source.Entry.Body.Retain()
		root.Header.Set("Vary", source.Entry.Header.Get("Vary"))
	}
	root.Variants[variantKey] = &VariantEntry{Key: variantKey, ETag: source.ETag, Entry: source.Entry}
	c.entries[fp.String()] = root
	return nil
}

func (c *memoryHttpCache) FlushInvalidatedCacheEntriesFor(fp Fingerprint, locations []Fingerprint) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.releaseLocked(fp)
	for _, loc := range locations {
		c.releaseLocked(loc)
	}
	return nil
}

func (c *memoryHttpCache) FlushCacheEntriesFor(fp Fingerprint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked(fp)
	return nil
}

// releaseLocked drops fp's entry and releases every body handle it (and its
// variants) hold, must be called with c.mu held.
func (c *memoryHttpCache) releaseLocked(fp Fingerprint) {
	key := fp.String()
	entry, ok := c.entries[key]
	if !ok || entry == nil {
		return
	}
	released := map[*BodyHandle]bool{entry.Body: true}
	entry.Body.Release()
	for _, v := range entry.Variants {
		if v.Entry == nil || released[v.Entry.Body] {
			continue
		}
		released[v.Entry.Body] = true
		v.Entry.Body.Release()
	}
	delete(c.entries, key)
}

// mergeEntry folds a 304 response's headers into the stale entry's stored
// response, keeping the stale body: a 304 carries no body of its own, so RFC
// 7232 §4.1 only lets it update end-to-end metadata headers, never the
// hop-by-hop or entity headers describing a payload it didn't send.
func mergeEntry(stale, fresh *CacheEntry) *CacheEntry {
	merged := &CacheEntry{
		RequestMethod:    stale.RequestMethod,
		RequestURI:       stale.RequestURI,
		StatusCode:       stale.StatusCode,
		Reason:           stale.Reason,
		Header:           stale.Header.Clone(),
		Body:             stale.Body,
		RequestSent:      fresh.RequestSent,
		ResponseReceived: fresh.ResponseReceived,
	}
	for name, values := range fresh.Header {
		name = http.CanonicalHeaderKey(name)
		if hopHeaderSet[name] || entityHeaderSet[name] {
			continue
		}
		merged.Header[name] = values
	}
	return merged
}
