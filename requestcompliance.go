package httpcache

import (
	"net/http"
	"strings"
)

// RequestCompliance normalizes incoming request headers and flags fatally
// noncompliant requests before they reach the cache lookup or the backend.
type RequestCompliance struct {
	WeakETagOnUnsafeAllowed bool
}

// NewRequestCompliance builds a RequestCompliance from the cache config's
// weak-etag-on-put-delete-allowed knob.
func NewRequestCompliance(config *CacheConfig) *RequestCompliance {
	return &RequestCompliance{WeakETagOnUnsafeAllowed: config != nil && config.WeakETagOnPutDeleteAllowed}
}

// FatalErrors returns every reason this request must be rejected outright,
// without ever reaching the backend. An empty/nil return means the request
// may proceed to normalization.
func (c *RequestCompliance) FatalErrors(req *http.Request) []*FatalComplianceError {
	var errs []*FatalComplianceError

	if expect := req.Header.Get("Expect"); expect != "" && !strings.EqualFold(expect, "100-continue") {
		errs = append(errs, &FatalComplianceError{
			Kind:    ComplianceUnknownExpect,
			Message: "unsupported Expect directive: " + expect,
		})
	}

	if !c.WeakETagOnUnsafeAllowed && (req.Method == http.MethodPut || req.Method == http.MethodDelete) {
		for _, header := range []string{"If-Match", "If-None-Match"} {
			for _, value := range req.Header.Values(header) {
				if isWeakValidator(value) {
					errs = append(errs, &FatalComplianceError{
						Kind:    ComplianceWeakETagOnUnsafeMethod,
						Message: "weak validator not allowed in " + header + " on " + req.Method,
					})
				}
			}
		}
	}

	return errs
}

// Normalize canonicalizes request headers in place before the request is
// used for a cache lookup or sent upstream. A no-op today beyond removing
// the hop-by-hop headers named in Connection.
func (c *RequestCompliance) Normalize(req *http.Request) {
	removeConnectionHeaders(req.Header)
}

// isWeakValidator reports whether an ETag-ish header value carries the
// weak-validator "W/" prefix, per RFC 7232 §2.3.
func isWeakValidator(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), "W/")
}
