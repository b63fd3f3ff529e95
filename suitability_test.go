package httpcache

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newSuitabilityFixture() (*SuitabilityChecker, *CacheEntry) {
	config := NewCacheConfig()
	checker := NewSuitabilityChecker(NewValidityPolicy(config), config)

	h := make(http.Header)
	h.Set("Date", time.Now().Format(http.TimeFormat))
	h.Set("Cache-Control", "max-age=60")
	h.Set("ETag", `"v1"`)
	entry := &CacheEntry{RequestMethod: http.MethodGet, Header: h, ResponseReceived: time.Now()}
	return checker, entry
}

func TestSuitabilityFreshEntryUsable(t *testing.T) {
	checker, entry := newSuitabilityFixture()
	req, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)

	require.True(t, checker.CanUse(req, entry, time.Now()))
}

func TestSuitabilityHeadServableFromGetEntry(t *testing.T) {
	checker, entry := newSuitabilityFixture()
	req, err := http.NewRequest(http.MethodHead, "http://example.com/", nil)
	require.NoError(t, err)

	require.True(t, checker.CanUse(req, entry, time.Now()))
}

func TestSuitabilityMethodMismatchRejected(t *testing.T) {
	checker, entry := newSuitabilityFixture()
	req, err := http.NewRequest(http.MethodPost, "http://example.com/", nil)
	require.NoError(t, err)

	require.False(t, checker.CanUse(req, entry, time.Now()))
}

func TestSuitabilityRequestNoCacheRejected(t *testing.T) {
	checker, entry := newSuitabilityFixture()
	req, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)
	req.Header.Set("Cache-Control", "no-cache")

	require.False(t, checker.CanUse(req, entry, time.Now()))
}

func TestSuitabilityStaleWithoutMaxStaleRejected(t *testing.T) {
	checker, entry := newSuitabilityFixture()
	req, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	require.False(t, checker.CanUse(req, entry, future))
}

func TestSuitabilityStaleWithMaxStaleAccepted(t *testing.T) {
	checker, entry := newSuitabilityFixture()
	req, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)
	req.Header.Set("Cache-Control", "max-stale=1000000")

	future := time.Now().Add(time.Hour)
	require.True(t, checker.CanUse(req, entry, future))
}

func TestSuitabilityMustRevalidateAlwaysRejectsStale(t *testing.T) {
	checker, entry := newSuitabilityFixture()
	entry.Header.Set("Cache-Control", "max-age=60, must-revalidate")
	req, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)
	req.Header.Set("Cache-Control", "max-stale=1000000")

	future := time.Now().Add(time.Hour)
	require.False(t, checker.CanUse(req, entry, future))
}

func TestAllConditionalsMatchETag(t *testing.T) {
	entry := &CacheEntry{Header: make(http.Header)}
	entry.Header.Set("ETag", `"abc"`)

	req, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", `"xyz", "abc"`)

	require.True(t, AllConditionalsMatch(req, entry, time.Now()))
}

func TestAllConditionalsMatchETagMismatch(t *testing.T) {
	entry := &CacheEntry{Header: make(http.Header)}
	entry.Header.Set("ETag", `"abc"`)

	req, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", `"xyz"`)

	require.False(t, AllConditionalsMatch(req, entry, time.Now()))
}

func TestAllConditionalsMatchWildcard(t *testing.T) {
	entry := &CacheEntry{Header: make(http.Header)}
	entry.Header.Set("ETag", `"abc"`)

	req, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", "*")

	require.True(t, AllConditionalsMatch(req, entry, time.Now()))
}

func TestIsConditionalDetectsEitherPrecondition(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)
	require.False(t, IsConditional(req))

	req.Header.Set("If-Modified-Since", time.Now().Format(http.TimeFormat))
	require.True(t, IsConditional(req))
}
