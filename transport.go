package httpcache

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// hopHeaders lists the headers that must never cross a hop, per RFC 7230
// §6.1.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

var hopHeaderSet = buildHeaderSet(hopHeaders)

func buildHeaderSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[http.CanonicalHeaderKey(n)] = true
	}
	return set
}

// removeConnectionHeaders deletes every header named in a Connection header
// field.
func removeConnectionHeaders(h http.Header) {
	for _, f := range h["Connection"] {
		for _, sf := range strings.Split(f, ",") {
			if sf = strings.TrimSpace(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
}

func stripHopByHop(h http.Header) {
	removeConnectionHeaders(h)
	for _, hdr := range hopHeaders {
		h.Del(hdr)
	}
}

// Proceed is the backend-invocation capability the executor consumes when
// it needs to reach the origin. It blocks the calling goroutine until the
// backend responds or fails; no cooperative suspension is introduced by the
// cache itself.
type Proceed func(ctx context.Context, req *http.Request) (*http.Response, error)

// NewOriginProceed builds a Proceed that forwards to origin over transport:
// it clones the request, strips hop-by-hop headers in both directions, and
// attaches X-Forwarded-For. It never rewrites the target host - scheme/host
// selection is the caller's job, upstream of the cache.
func NewOriginProceed(transport http.RoundTripper) Proceed {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return func(ctx context.Context, req *http.Request) (*http.Response, error) {
		outreq := req.Clone(ctx)
		if req.ContentLength == 0 {
			outreq.Body = nil
		}
		if outreq.Header == nil {
			outreq.Header = make(http.Header)
		}
		outreq.Close = false

		stripHopByHop(outreq.Header)

		if clientIP, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
			if prior, ok := outreq.Header["X-Forwarded-For"]; ok {
				clientIP = strings.Join(prior, ", ") + ", " + clientIP
			}
			outreq.Header.Set("X-Forwarded-For", clientIP)
		}

		resp, err := transport.RoundTrip(outreq)
		if err != nil {
			return nil, err
		}
		stripHopByHop(resp.Header)
		return resp, nil
	}
}
