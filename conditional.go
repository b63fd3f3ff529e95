package httpcache

import (
	"context"
	"net/http"
)

// ConditionalRequestBuilder constructs validation requests against the
// origin, attaching If-None-Match/If-Modified-Since preconditions from a
// stored entry or a set of known variants so revalidation can be done with
// a single round trip.
type ConditionalRequestBuilder struct{}

// NewConditionalRequestBuilder constructs a ConditionalRequestBuilder. It
// carries no state; kept as a type for symmetry with the executor's other
// collaborators.
func NewConditionalRequestBuilder() *ConditionalRequestBuilder {
	return &ConditionalRequestBuilder{}
}

// BuildConditional clones req and attaches If-None-Match/If-Modified-Since
// preconditions from entry. It returns (nil, false) when entry carries
// neither validator, in which case the caller should treat the entry as
// unrevalidatable and fetch a fresh representation instead.
func (b *ConditionalRequestBuilder) BuildConditional(req *http.Request, entry *CacheEntry) (*http.Request, bool) {
	validation := req.Clone(context.Background())
	canValidate := false

	if etag := entry.ETag(); etag != "" {
		validation.Header.Set("If-None-Match", etag)
		canValidate = true
	}

	// If-Modified-Since is only meaningful for GET/HEAD, per RFC 7232 §3.3.
	if req.Method == http.MethodGet || req.Method == http.MethodHead {
		if lastModified := entry.Header.Get("Last-Modified"); lastModified != "" {
			validation.Header.Set("If-Modified-Since", lastModified)
			canValidate = true
		}
	}

	if !canValidate {
		return nil, false
	}
	return validation, true
}

// BuildConditionalFromVariants clones req and attaches a comma-joined
// If-None-Match built from every known variant's ETag, letting a single
// origin round trip revalidate (and potentially collapse) the whole variant
// set at once.
func (b *ConditionalRequestBuilder) BuildConditionalFromVariants(req *http.Request, variants []*VariantEntry) (*http.Request, bool) {
	if len(variants) == 0 {
		return nil, false
	}

	etags := make([]string, 0, len(variants))
	for _, v := range variants {
		if v.ETag != "" {
			etags = append(etags, v.ETag)
		}
	}
	if len(etags) == 0 {
		return nil, false
	}

	validation := req.Clone(context.Background())
	validation.Header.Set("If-None-Match", joinQuoted(etags))
	return validation, true
}

// BuildUnconditional clones req with any validating preconditions stripped,
// forcing a full refetch. Used when a precondition cannot be constructed, or
// when a must-revalidate entry carries no validator at all. A client's own
// Cache-Control: max-age=0 is also stripped, since forwarding it upstream
// would ask an intermediary between this cache and the origin to do the same
// forced revalidation this cache has already performed.
func (b *ConditionalRequestBuilder) BuildUnconditional(req *http.Request) *http.Request {
	unconditional := req.Clone(context.Background())
	unconditional.Header.Del("If-None-Match")
	unconditional.Header.Del("If-Modified-Since")
	unconditional.Header.Del("If-Match")
	unconditional.Header.Del("If-Unmodified-Since")
	stripCacheControlZeroMaxAge(unconditional.Header)
	return unconditional
}

func joinQuoted(etags []string) string {
	out := ""
	for i, e := range etags {
		if i > 0 {
			out += ", "
		}
		out += e
	}
	return out
}
