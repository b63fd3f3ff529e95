package httpcache

import (
	"net/http"
	"time"
)

// SuitabilityChecker decides whether a specific stored entry satisfies a
// specific request right now: method compatibility, no-cache/must-revalidate
// overrides, and freshness or tolerated staleness. Vary-based variant
// selection happens earlier, in HttpCache.Get, so by the time an entry
// reaches CanUse it is already the variant that matches req.
type SuitabilityChecker struct {
	validity *ValidityPolicy
	config   *CacheConfig
}

// NewSuitabilityChecker builds a SuitabilityChecker over the given policy
// and config.
func NewSuitabilityChecker(validity *ValidityPolicy, config *CacheConfig) *SuitabilityChecker {
	return &SuitabilityChecker{validity: validity, config: config}
}

// CanUse reports whether entry may be returned to satisfy req without
// contacting the origin. It assumes entry has already been Vary-resolved for
// req (see HttpCache.Get).
func (c *SuitabilityChecker) CanUse(req *http.Request, entry *CacheEntry, now time.Time) bool {
	if entry.RequestMethod != req.Method && !(entry.RequestMethod == http.MethodGet && req.Method == http.MethodHead) {
		return false
	}

	reqDirectives := splitCacheControl(req.Header["Cache-Control"])
	if hasDirective(reqDirectives, "no-cache") {
		return false
	}
	if req.Header.Get("Pragma") == "no-cache" && req.Header.Get("Cache-Control") == "" {
		return false
	}
	if hasDirective(splitCacheControl(entry.Header["Cache-Control"]), "no-cache") {
		return false
	}

	if c.validity.MustRevalidate(entry) {
		return false
	}
	if c.config != nil && c.config.SharedCache && c.validity.ProxyRevalidate(entry) {
		return false
	}

	if c.validity.IsFresh(entry, now) {
		return true
	}

	return c.toleratesStaleness(reqDirectives, entry, now)
}

// toleratesStaleness implements the request's max-stale directive against
// the entry's current age/lifetime.
func (c *SuitabilityChecker) toleratesStaleness(reqDirectives []cacheControlDirective, entry *CacheEntry, now time.Time) bool {
	maxStale, hasMaxStale := directiveArg(reqDirectives, "max-stale")
	if !hasMaxStale {
		return false
	}

	staleness := c.validity.StalenessSecs(entry, now)
	if maxStale == "" {
		// Bare max-stale (no argument) accepts any staleness.
		return true
	}
	seconds, ok := directiveSeconds(reqDirectives, "max-stale")
	if !ok {
		return true
	}
	return staleness <= seconds
}

// IsConditional tests for the presence of a validating precondition.
func IsConditional(req *http.Request) bool {
	return req.Header.Get("If-None-Match") != "" || req.Header.Get("If-Modified-Since") != ""
}

// AllConditionalsMatch evaluates If-None-Match/If-Modified-Since against
// entry per HTTP semantics: weak comparison for ETag (see weakEqual; this
// cache only serves safe methods through this path), date comparison
// truncated to one-second resolution per RFC 7232 §2.2.
func AllConditionalsMatch(req *http.Request, entry *CacheEntry, now time.Time) bool {
	if inm := req.Header.Get("If-None-Match"); inm != "" {
		if !etagListMatches(inm, entry.ETag()) {
			return false
		}
	}
	if ims := req.Header.Get("If-Modified-Since"); ims != "" {
		since, err := http.ParseTime(ims)
		if err != nil {
			return false
		}
		lastModified := entry.Header.Get("Last-Modified")
		if lastModified == "" {
			return false
		}
		modified, err := http.ParseTime(lastModified)
		if err != nil {
			return false
		}
		if modified.Truncate(time.Second).After(since.Truncate(time.Second)) {
			return false
		}
	}
	return true
}

func etagListMatches(headerValue, etag string) bool {
	if etag == "" {
		return false
	}
	for _, candidate := range splitAndTrim(headerValue, ",") {
		if candidate == "*" {
			return true
		}
		if weakEqual(candidate, etag) {
			return true
		}
	}
	return false
}

// weakEqual compares two ETag values using the weak comparison function
// (ignoring the W/ prefix on either side), matching RFC 7232 §2.3.2 - used
// for If-None-Match on safe methods where weak comparison is always
// permitted.
func weakEqual(a, b string) bool {
	return trimWeak(a) == trimWeak(b)
}

func trimWeak(etag string) string {
	if len(etag) >= 2 && etag[:2] == "W/" {
		return etag[2:]
	}
	return etag
}
