package httpcache

import (
	"net/http"
	"time"
)

// entityHeaders lists headers that describe a representation's payload
// rather than the resource itself. RFC 7232 §4.1 forbids a 304 from sending
// these (except as needed to update stored metadata), and they must never
// overwrite a stored entry's own entity headers during a revalidation merge.
var entityHeaders = []string{
	"Content-Type",
	"Content-Encoding",
	"Content-Length",
	"Content-Language",
	"Content-MD5",
	"Content-Range",
}

var entityHeaderSet = buildHeaderSet(entityHeaders)

// ResponseCompliance post-processes backend responses to repair protocol
// deficiencies before the rest of the executor sees them: a missing Date
// header per RFC 7231 §7.1.1.2, and entity headers a 304 must not carry.
type ResponseCompliance struct{}

// NewResponseCompliance constructs a ResponseCompliance. It carries no
// configuration today; kept as a type (rather than free functions) so it
// composes the same way as the executor's other collaborators.
func NewResponseCompliance() *ResponseCompliance {
	return &ResponseCompliance{}
}

// Ensure repairs a backend response in place: adds a missing Date header
// and strips entity headers a 304 must not carry.
func (c *ResponseCompliance) Ensure(originalRequest, sentRequest *http.Request, resp *http.Response) {
	if resp.Header.Get("Date") == "" {
		resp.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}

	if resp.StatusCode == http.StatusNotModified {
		for _, h := range entityHeaders {
			resp.Header.Del(h)
		}
	}
}
