package httpcache

import (
	"net/http"
)

// statusCodeUnderstood lists the status codes this cache knows how to
// interpret well enough to store - codes outside this set are "not
// understood" per RFC 7234 §3 and are never stored, whatever freshness
// information they carry.
var statusCodeUnderstood = map[int]bool{
	http.StatusOK:                  true,
	http.StatusNonAuthoritativeInfo: true,
	http.StatusNoContent:           true,
	http.StatusMultipleChoices:     true,
	http.StatusMovedPermanently:    true,
	http.StatusFound:               true,
	http.StatusSeeOther:            true,
	http.StatusNotFound:            true,
	http.StatusMethodNotAllowed:    true,
	http.StatusGone:                true,
	http.StatusRequestURITooLong:   true,
	http.StatusNotImplemented:      true,
}

// ResponseCacheability decides whether a backend response is storable,
// governed by the shared-cache/303-caching-enabled/never-cache-http10-with-
// query knobs on CacheConfig.
type ResponseCacheability struct {
	config *CacheConfig
}

// NewResponseCacheability builds a ResponseCacheability bound to config.
func NewResponseCacheability(config *CacheConfig) *ResponseCacheability {
	return &ResponseCacheability{config: config}
}

// IsResponseCacheable reports whether resp may be stored for req, per RFC
// 7234 §3.
func (p *ResponseCacheability) IsResponseCacheable(req *http.Request, resp *http.Response) bool {
	if resp.StatusCode == http.StatusPartialContent {
		// Range responses are never cached; partial content is out of scope.
		return false
	}

	if resp.Header.Get("Vary") == "*" {
		return false
	}

	reqDirectives := splitCacheControl(req.Header["Cache-Control"])
	if hasDirective(reqDirectives, "no-store") {
		return false
	}

	respDirectives := splitCacheControl(resp.Header["Cache-Control"])
	if hasDirective(respDirectives, "no-store") {
		return false
	}
	if p.config.SharedCache && hasDirective(respDirectives, "private") {
		// private is only disallowed for shared caches.
		return false
	}

	if req.Header.Get("Authorization") != "" && p.config.SharedCache {
		allowed := hasDirective(respDirectives, "must-revalidate") ||
			hasDirective(respDirectives, "public") ||
			directiveArgExists(respDirectives, "s-maxage")
		if !allowed {
			return false
		}
	}

	if resp.ProtoMajor == 1 && resp.ProtoMinor == 0 && p.config.NeverCacheHTTP10WithQuery && req.URL.RawQuery != "" {
		if !hasDirective(respDirectives, "max-age") && !directiveArgExists(respDirectives, "s-maxage") && resp.Header.Get("Expires") == "" {
			return false
		}
	}

	if !p.statusUnderstood(resp.StatusCode) {
		return false
	}

	if resp.StatusCode == http.StatusSeeOther && !p.config.Caching303Enabled {
		return false
	}

	if resp.ContentLength > 0 && resp.ContentLength > p.config.MaxObjectSize {
		return false
	}

	// Any remaining understood, non-private, non-no-store response is
	// cacheable either on its explicit freshness information or on the
	// heuristic default for its status code (both already folded into
	// ValidityPolicy.FreshnessLifetimeSecs once stored).
	return true
}

func (p *ResponseCacheability) statusUnderstood(status int) bool {
	return statusCodeUnderstood[status]
}

func directiveArgExists(directives []cacheControlDirective, name string) bool {
	_, ok := directiveArg(directives, name)
	return ok
}
