package httpcache

import (
	"net/http"
	"time"
)

// CacheEntry is a stored response: the request that produced it, the status
// line, response headers, a handle to the body resource owned by the
// storage backend, and the local clock timestamps bracketing the exchange
// with the origin.
//
// Invariant: RequestSent.Before(ResponseReceived) || RequestSent.Equal(ResponseReceived).
type CacheEntry struct {
	RequestMethod string
	RequestURI    string

	StatusCode int
	Reason     string

	// Header holds the response headers as received from the origin (or
	// merged by updateCacheEntry on a 304). net/http.Header is
	// case-insensitive on lookup, which is the one place this type departs
	// from a literal byte-for-byte ordered header list - idiomatic Go code
	// doesn't carry its own ordered-header type when the standard one
	// already canonicalizes lookups the way callers expect.
	Header http.Header

	// Body is an opaque handle owned by the layer.CacheLayer that stored
	// this entry. It must be re-opened through the HttpCache facade, never
	// read directly by executor code.
	Body *BodyHandle

	RequestSent      time.Time
	ResponseReceived time.Time

	// Variants is nil for entries without a Vary header. When present, the
	// entry itself is a parent placeholder; Variants maps a variant key
	// (see VariantKey) to the concrete stored variant.
	Variants map[string]*VariantEntry
}

// Date returns the entry's parsed Date header, or zero time if missing or
// unparseable. Callers needing "the authoritative origin timestamp" per the
// data model invariant should fall back to ResponseReceived when Date is
// zero.
func (e *CacheEntry) Date() time.Time {
	if e == nil {
		return time.Time{}
	}
	raw := e.Header.Get("Date")
	if raw == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// EffectiveDate is Date() if parseable, else ResponseReceived.
func (e *CacheEntry) EffectiveDate() time.Time {
	if d := e.Date(); !d.IsZero() {
		return d
	}
	return e.ResponseReceived
}

// ETag returns the stored entry's ETag header verbatim, empty if absent.
func (e *CacheEntry) ETag() string {
	return e.Header.Get("ETag")
}

// VariantEntry is one stored response among several distinguished by the
// parent's Vary header. ETag is the stored entry's ETag header and is empty
// when the entry has none. memoryHttpCache does not check ETags for
// uniqueness within a variant set, and ReuseVariantEntryFor adds a second
// variant key carrying the same ETag as its source.
type VariantEntry struct {
	Key   string
	ETag  string
	Entry *CacheEntry
}

// Fingerprint is the lookup key for a cacheable request: target authority
// plus canonical request URI plus method.
type Fingerprint struct {
	Scheme string
	Host   string
	Method string
	URI    string
}

// String renders the fingerprint by concatenating method and effective
// URI - kept as a plain string for use as a layer.CacheLayer key.
func (f Fingerprint) String() string {
	return f.Method + " " + f.Scheme + "://" + f.Host + f.URI
}

// VariantKey canonicalizes the values of the headers named in a stored
// entry's Vary directive for a given request, for use as a map key inside
// CacheEntry.Variants.
func VariantKey(vary string, req *http.Request) string {
	fields := splitAndTrim(vary, ",")
	sortStrings(fields)

	buf := make([]byte, 0, 64)
	for _, field := range fields {
		buf = append(buf, '|')
		buf = append(buf, field...)
		buf = append(buf, ':')
		values := req.Header.Values(field)
		sortStrings(values)
		for i, v := range values {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = append(buf, v...)
		}
	}
	return string(buf)
}
