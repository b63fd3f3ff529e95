package httpcache

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func entryWithHeaders(status int, headers map[string]string, age time.Duration) *CacheEntry {
	h := make(http.Header)
	now := time.Now().Add(-age)
	h.Set("Date", now.Format(http.TimeFormat))
	for k, v := range headers {
		h.Set(k, v)
	}
	return &CacheEntry{
		StatusCode:       status,
		Header:           h,
		ResponseReceived: now,
	}
}

func TestFreshnessLifetimeMaxAgeWinsOverExpires(t *testing.T) {
	p := NewValidityPolicy(NewCacheConfig())
	entry := entryWithHeaders(http.StatusOK, map[string]string{
		"Cache-Control": "max-age=60",
		"Expires":       time.Now().Add(time.Hour).Format(http.TimeFormat),
	}, 0)

	require.EqualValues(t, 60, p.FreshnessLifetimeSecs(entry))
}

func TestFreshnessLifetimeSharedPrefersSMaxage(t *testing.T) {
	config := NewCacheConfig()
	config.SharedCache = true
	p := NewValidityPolicy(config)

	entry := entryWithHeaders(http.StatusOK, map[string]string{
		"Cache-Control": "max-age=60, s-maxage=300",
	}, 0)

	require.EqualValues(t, 300, p.FreshnessLifetimeSecs(entry))
}

func TestFreshnessLifetimePrivateCacheIgnoresSMaxage(t *testing.T) {
	config := NewCacheConfig()
	config.SharedCache = false
	p := NewValidityPolicy(config)

	entry := entryWithHeaders(http.StatusOK, map[string]string{
		"Cache-Control": "max-age=60, s-maxage=300",
	}, 0)

	require.EqualValues(t, 60, p.FreshnessLifetimeSecs(entry))
}

func TestFreshnessLifetimeFallsBackToHeuristic(t *testing.T) {
	p := NewValidityPolicy(NewCacheConfig())
	entry := entryWithHeaders(http.StatusMovedPermanently, nil, 0)

	require.EqualValues(t, (2 * time.Hour).Seconds(), p.FreshnessLifetimeSecs(entry))
}

func TestFreshnessLifetimeUnparseableExpiresIsAlreadyStale(t *testing.T) {
	p := NewValidityPolicy(NewCacheConfig())
	entry := entryWithHeaders(http.StatusOK, map[string]string{"Expires": "not-a-date"}, 0)

	require.EqualValues(t, -1, p.FreshnessLifetimeSecs(entry))
}

func TestIsFresh(t *testing.T) {
	p := NewValidityPolicy(NewCacheConfig())
	fresh := entryWithHeaders(http.StatusOK, map[string]string{"Cache-Control": "max-age=3600"}, time.Minute)
	stale := entryWithHeaders(http.StatusOK, map[string]string{"Cache-Control": "max-age=30"}, time.Minute)

	require.True(t, p.IsFresh(fresh, time.Now()))
	require.False(t, p.IsFresh(stale, time.Now()))
}

func TestStaleWhileRevalidateWithinWindow(t *testing.T) {
	p := NewValidityPolicy(NewCacheConfig())
	entry := entryWithHeaders(http.StatusOK, map[string]string{
		"Cache-Control": "max-age=30, stale-while-revalidate=120",
	}, 60*time.Second)

	require.True(t, p.MayReturnStaleWhileRevalidating(entry, time.Now()))
}

func TestStaleWhileRevalidateOutsideWindow(t *testing.T) {
	p := NewValidityPolicy(NewCacheConfig())
	entry := entryWithHeaders(http.StatusOK, map[string]string{
		"Cache-Control": "max-age=30, stale-while-revalidate=10",
	}, 60*time.Second)

	require.False(t, p.MayReturnStaleWhileRevalidating(entry, time.Now()))
}

func TestStaleIfErrorPrefersRequestDirective(t *testing.T) {
	p := NewValidityPolicy(NewCacheConfig())
	entry := entryWithHeaders(http.StatusOK, map[string]string{
		"Cache-Control": "max-age=30, stale-if-error=5",
	}, 60*time.Second)

	req, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)
	req.Header.Set("Cache-Control", "stale-if-error=120")

	require.True(t, p.MayReturnStaleIfError(req, entry, time.Now()))
}

func TestAgeSecsHonorsExistingAgeHeader(t *testing.T) {
	p := NewValidityPolicy(NewCacheConfig())
	entry := entryWithHeaders(http.StatusOK, map[string]string{"Age": "100"}, 0)

	require.GreaterOrEqual(t, p.AgeSecs(entry, time.Now()), int64(100))
}
