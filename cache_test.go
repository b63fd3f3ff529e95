package httpcache

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cachekit/httpcache/layer"
)

func newTestCache(t *testing.T) (HttpCache, layer.CacheLayer) {
	t.Helper()
	l := layer.NewInMemoryCacheLayer(1024 * 1024)
	return NewHttpCache(l), l
}

func storeEntry(t *testing.T, l layer.CacheLayer, key, body string) *BodyHandle {
	t.Helper()
	require.NoError(t, l.Set(key, io.NopCloser(strings.NewReader(body)), 0))
	return NewBodyHandle(l, key, int64(len(body)))
}

func TestHttpCacheCreateAndGet(t *testing.T) {
	cache, l := newTestCache(t)
	fp := Fingerprint{Scheme: "http", Host: "example.com", Method: http.MethodGet, URI: "/a"}

	req, err := http.NewRequest(http.MethodGet, "http://example.com/a", nil)
	require.NoError(t, err)

	body := storeEntry(t, l, "a", "hello")
	require.NoError(t, cache.CreateCacheEntry(fp, &CacheEntry{
		RequestMethod: http.MethodGet,
		StatusCode:    http.StatusOK,
		Header:        make(http.Header),
		Body:          body,
	}, ""))

	got, err := cache.Get(fp, req)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, http.StatusOK, got.StatusCode)
}

func TestHttpCacheCreateReplacesExistingEntry(t *testing.T) {
	cache, l := newTestCache(t)
	fp := Fingerprint{Scheme: "http", Host: "example.com", Method: http.MethodGet, URI: "/a"}

	first := storeEntry(t, l, "a1", "first")
	require.NoError(t, cache.CreateCacheEntry(fp, &CacheEntry{Header: make(http.Header), Body: first}, ""))

	second := storeEntry(t, l, "a2", "second")
	require.NoError(t, cache.CreateCacheEntry(fp, &CacheEntry{Header: make(http.Header), Body: second}, ""))

	// The first body's key must have been released back to the layer.
	rc, _, err := l.Get("a1")
	require.NoError(t, err)
	require.Nil(t, rc)
}

func TestHttpCacheCreateCacheEntryVariantsCoexist(t *testing.T) {
	cache, l := newTestCache(t)
	fp := Fingerprint{Scheme: "http", Host: "example.com", Method: http.MethodGet, URI: "/a"}

	enBody := storeEntry(t, l, "en", "hello")
	enHeader := make(http.Header)
	enHeader.Set("Vary", "Accept-Language")
	enHeader.Set("Content-Language", "en")
	enReq, err := http.NewRequest(http.MethodGet, "http://example.com/a", nil)
	require.NoError(t, err)
	enReq.Header.Set("Accept-Language", "en")
	enKey := VariantKey("Accept-Language", enReq)
	require.NoError(t, cache.CreateCacheEntry(fp, &CacheEntry{
		RequestMethod: http.MethodGet,
		Header:        enHeader,
		Body:          enBody,
	}, enKey))

	frBody := storeEntry(t, l, "fr", "bonjour")
	frHeader := make(http.Header)
	frHeader.Set("Vary", "Accept-Language")
	frHeader.Set("Content-Language", "fr")
	frReq, err := http.NewRequest(http.MethodGet, "http://example.com/a", nil)
	require.NoError(t, err)
	frReq.Header.Set("Accept-Language", "fr")
	frKey := VariantKey("Accept-Language", frReq)
	require.NoError(t, cache.CreateCacheEntry(fp, &CacheEntry{
		RequestMethod: http.MethodGet,
		Header:        frHeader,
		Body:          frBody,
	}, frKey))

	// Both variants must survive - the second store must not have evicted
	// the first.
	variants, err := cache.GetVariantsWithETags(fp)
	require.NoError(t, err)
	require.Len(t, variants, 2)

	gotEn, err := cache.Get(fp, enReq)
	require.NoError(t, err)
	require.NotNil(t, gotEn)
	require.Equal(t, "en", gotEn.Header.Get("Content-Language"))

	gotFr, err := cache.Get(fp, frReq)
	require.NoError(t, err)
	require.NotNil(t, gotFr)
	require.Equal(t, "fr", gotFr.Header.Get("Content-Language"))
}

func TestHttpCacheUpdateVariantCacheEntry(t *testing.T) {
	cache, l := newTestCache(t)
	fp := Fingerprint{Scheme: "http", Host: "example.com", Method: http.MethodGet, URI: "/a"}

	body := storeEntry(t, l, "variant1", "en-body")
	fresh := &CacheEntry{Header: make(http.Header), Body: body}
	fresh.Header.Set("ETag", `"v1"`)

	stale := &CacheEntry{Header: make(http.Header), Body: body}

	merged, err := cache.UpdateVariantCacheEntry(fp, "en", stale, fresh)
	require.NoError(t, err)
	require.Equal(t, `"v1"`, merged.ETag())

	variants, err := cache.GetVariantsWithETags(fp)
	require.NoError(t, err)
	require.Len(t, variants, 1)
	require.Equal(t, "en", variants[0].Key)
}

func TestHttpCacheFlushInvalidatedCacheEntries(t *testing.T) {
	cache, l := newTestCache(t)
	fp := Fingerprint{Scheme: "http", Host: "example.com", Method: http.MethodGet, URI: "/a"}
	loc := Fingerprint{Scheme: "http", Host: "example.com", Method: http.MethodGet, URI: "/b"}

	req, err := http.NewRequest(http.MethodGet, "http://example.com/a", nil)
	require.NoError(t, err)

	bodyA := storeEntry(t, l, "a", "a")
	bodyB := storeEntry(t, l, "b", "b")
	require.NoError(t, cache.CreateCacheEntry(fp, &CacheEntry{Header: make(http.Header), Body: bodyA}, ""))
	require.NoError(t, cache.CreateCacheEntry(loc, &CacheEntry{Header: make(http.Header), Body: bodyB}, ""))

	require.NoError(t, cache.FlushInvalidatedCacheEntriesFor(fp, []Fingerprint{loc}))

	got, err := cache.Get(fp, req)
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = cache.Get(loc, req)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestBodyHandleRetainDelaysRelease(t *testing.T) {
	l := layer.NewInMemoryCacheLayer(1024)
	require.NoError(t, l.Set("k", io.NopCloser(strings.NewReader("x")), 0))
	handle := NewBodyHandle(l, "k", 1)
	handle.Retain()

	require.NoError(t, handle.Release())
	rc, _, err := l.Get("k")
	require.NoError(t, err)
	require.NotNil(t, rc)

	require.NoError(t, handle.Release())
	rc, _, err = l.Get("k")
	require.NoError(t, err)
	require.Nil(t, rc)
}

func TestBodyHandleNilReceiverSafe(t *testing.T) {
	var handle *BodyHandle
	require.EqualValues(t, -1, handle.Size())
	require.NoError(t, handle.Release())
	require.Nil(t, handle.Retain())

	rc, err := handle.Open()
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Empty(t, data)
}
