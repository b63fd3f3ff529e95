package httpcache

import (
	"net/http"
	"strconv"
	"time"
)

// ValidityPolicy computes age, freshness lifetime, staleness and the
// stale-while-revalidate / stale-if-error eligibility of a stored entry, per
// RFC 7234 §4.2.
type ValidityPolicy struct {
	Shared     bool
	Heuristics map[int]time.Duration
}

// NewValidityPolicy builds a ValidityPolicy for the given cache config.
func NewValidityPolicy(config *CacheConfig) *ValidityPolicy {
	p := &ValidityPolicy{Shared: config != nil && config.SharedCache}
	if config != nil {
		p.Heuristics = config.HeuristicFreshness
	}
	return p
}

// AgeSecs computes the apparent_age/corrected_age_value blend described in
// RFC 7234 §4.2.3.
func (p *ValidityPolicy) AgeSecs(entry *CacheEntry, now time.Time) int64 {
	apparentAge := int64(0)
	if date := entry.Date(); !date.IsZero() {
		apparentAge = int64(entry.ResponseReceived.Sub(date).Seconds())
		if apparentAge < 0 {
			apparentAge = 0
		}
	}

	residentTime := int64(now.Sub(entry.ResponseReceived).Seconds())
	if residentTime < 0 {
		residentTime = 0
	}

	correctedAge := apparentAge
	if ageHeader := entry.Header.Get("Age"); ageHeader != "" {
		if parsed, err := strconv.ParseInt(ageHeader, 10, 64); err == nil && parsed > correctedAge {
			correctedAge = parsed
		}
	}

	return correctedAge + residentTime
}

// FreshnessLifetimeSecs implements RFC 7234 §4.2.1: s-maxage (shared caches
// only) takes priority over max-age, which takes priority over an
// Expires-minus-Date lifetime, which falls back to a per-status heuristic.
func (p *ValidityPolicy) FreshnessLifetimeSecs(entry *CacheEntry) int64 {
	directives := splitCacheControl(entry.Header["Cache-Control"])

	if p.Shared {
		if secs, ok := directiveSeconds(directives, "s-maxage"); ok {
			return secs
		}
	}

	if secs, ok := directiveSeconds(directives, "max-age"); ok {
		return secs
	}

	date := entry.EffectiveDate()
	if expiresRaw := entry.Header.Get("Expires"); expiresRaw != "" {
		expires, err := http.ParseTime(expiresRaw)
		if err != nil {
			// An unparseable Expires value is treated as already expired,
			// per RFC 7234 §5.3.
			return -1
		}
		return int64(expires.Sub(date).Seconds())
	}

	if lifetime, ok := p.Heuristics[entry.StatusCode]; ok {
		return int64(lifetime.Seconds())
	}

	return 0
}

// StalenessSecs is max(0, age-lifetime) per the glossary.
func (p *ValidityPolicy) StalenessSecs(entry *CacheEntry, now time.Time) int64 {
	staleness := p.AgeSecs(entry, now) - p.FreshnessLifetimeSecs(entry)
	if staleness < 0 {
		return 0
	}
	return staleness
}

// IsFresh reports whether the entry needs no validation right now.
func (p *ValidityPolicy) IsFresh(entry *CacheEntry, now time.Time) bool {
	return p.AgeSecs(entry, now) < p.FreshnessLifetimeSecs(entry)
}

// MustRevalidate reports the presence of Cache-Control: must-revalidate.
func (p *ValidityPolicy) MustRevalidate(entry *CacheEntry) bool {
	return hasDirective(splitCacheControl(entry.Header["Cache-Control"]), "must-revalidate")
}

// ProxyRevalidate reports the presence of Cache-Control: proxy-revalidate,
// which only matters for shared caches.
func (p *ValidityPolicy) ProxyRevalidate(entry *CacheEntry) bool {
	return hasDirective(splitCacheControl(entry.Header["Cache-Control"]), "proxy-revalidate")
}

// MayReturnStaleWhileRevalidating reports whether the entry's
// stale-while-revalidate=N directive covers the entry's current staleness.
func (p *ValidityPolicy) MayReturnStaleWhileRevalidating(entry *CacheEntry, now time.Time) bool {
	directives := splitCacheControl(entry.Header["Cache-Control"])
	n, ok := directiveSeconds(directives, "stale-while-revalidate")
	if !ok {
		return false
	}
	return p.StalenessSecs(entry, now) <= n
}

// MayReturnStaleIfError reports whether a stale-if-error=N directive covers
// the entry's staleness as of responseDate (the moment the origin's error
// response arrived). The request's directive decides when it has one; the
// entry's directive is consulted only otherwise.
func (p *ValidityPolicy) MayReturnStaleIfError(req *http.Request, entry *CacheEntry, responseDate time.Time) bool {
	staleness := p.StalenessSecs(entry, responseDate)

	if req != nil {
		if n, ok := directiveSeconds(splitCacheControl(req.Header["Cache-Control"]), "stale-if-error"); ok {
			return staleness <= n
		}
	}
	if n, ok := directiveSeconds(splitCacheControl(entry.Header["Cache-Control"]), "stale-if-error"); ok {
		return staleness <= n
	}
	return false
}
