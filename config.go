package httpcache

import "time"

// CacheConfig controls the behavior of CachingExecutor and its policy
// collaborators.
type CacheConfig struct {
	// MaxObjectSize bounds how many response body bytes cacheAndReturnResponse
	// will buffer before giving up on caching and streaming the response
	// through uncached.
	MaxObjectSize int64

	// SharedCache enables s-maxage and proxy-revalidate handling. A
	// private (non-shared) cache ignores both per RFC 7234.
	SharedCache bool

	// Caching303Enabled permits caching of 303 See Other responses, which
	// RFC 7234 allows but does not require by default.
	Caching303Enabled bool

	// NeverCacheHTTP10WithQuery disables heuristic caching of HTTP/1.0
	// responses whose request URI carries a query string, working around
	// broken HTTP/1.0 intermediaries that can't tell dynamic from static
	// content.
	NeverCacheHTTP10WithQuery bool

	// WeakETagOnPutDeleteAllowed relaxes RequestCompliance's rejection of
	// weak validators on unsafe methods.
	WeakETagOnPutDeleteAllowed bool

	// AsyncRevalidator, if non-nil, is used for stale-while-revalidate
	// background refresh. A nil value forces all revalidation synchronous.
	AsyncRevalidator *AsyncRevalidator

	// HeuristicFreshness supplies a fallback freshness lifetime keyed by
	// status code for entries with no max-age/s-maxage/Expires of their own,
	// per RFC 7234 §4.2.2. NewCacheConfig seeds this from the module's
	// embedded defaults.yaml; nil disables heuristic freshness entirely.
	HeuristicFreshness map[int]time.Duration
}

// DefaultMaxObjectSize bounds cacheable response bodies to a size that
// keeps in-process metadata storage cheap without ruling out most API and
// document responses.
const DefaultMaxObjectSize = 8 * 1024 * 1024

// NewCacheConfig returns a CacheConfig with RFC 7234-compliant defaults.
func NewCacheConfig() *CacheConfig {
	heuristics, err := LoadHeuristicDefaults()
	if err != nil {
		// The embedded asset is fixed at build time; a parse failure here
		// means the module itself is broken, not a runtime condition to
		// recover from gracefully. Heuristic freshness is simply disabled.
		heuristics = nil
	}
	return &CacheConfig{
		MaxObjectSize:              DefaultMaxObjectSize,
		SharedCache:                true,
		Caching303Enabled:          false,
		NeverCacheHTTP10WithQuery:  true,
		WeakETagOnPutDeleteAllowed: false,
		HeuristicFreshness:         heuristics,
	}
}
