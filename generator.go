package httpcache

import (
	"errors"
	"net/http"
	"strconv"
	"time"
)

// ResponseGenerator renders a *http.Response from a stored CacheEntry,
// stamping Via on every response it produces and Age on those rendered from
// an entry.
type ResponseGenerator struct {
	validity *ValidityPolicy
	via      *viaMemo
}

// NewResponseGenerator builds a ResponseGenerator over validity, with its
// own Via token memo to render this cache's Via token.
func NewResponseGenerator(validity *ValidityPolicy) *ResponseGenerator {
	return &ResponseGenerator{validity: validity, via: newViaMemo()}
}

// Response builds the response this cache returns to satisfy req from
// entry, attaching Age and Via.
func (g *ResponseGenerator) Response(req *http.Request, entry *CacheEntry) (*http.Response, error) {
	resp, err := g.base(req, entry)
	if err != nil {
		return nil, err
	}
	g.stampAge(resp.Header, entry)
	return resp, nil
}

// NotModified builds a bodyless 304 response from entry for a client whose
// own preconditions matched a fresh or freshly revalidated entry.
func (g *ResponseGenerator) NotModified(req *http.Request, entry *CacheEntry) (*http.Response, error) {
	resp, err := g.base(req, entry)
	if err != nil {
		return nil, err
	}
	resp.StatusCode = http.StatusNotModified
	resp.Status = "304 Not Modified"
	for _, h := range []string{"Content-Type", "Content-Encoding", "Content-Length"} {
		resp.Header.Del(h)
	}
	resp.Body = http.NoBody
	resp.ContentLength = 0
	g.stampAge(resp.Header, entry)
	return resp, nil
}

// GatewayTimeout builds the response returned when a request carries
// only-if-cached and no suitable entry exists.
func (g *ResponseGenerator) GatewayTimeout(req *http.Request) *http.Response {
	resp := &http.Response{
		StatusCode: http.StatusGatewayTimeout,
		Status:     "504 Gateway Timeout",
		Proto:      req.Proto,
		ProtoMajor: req.ProtoMajor,
		ProtoMinor: req.ProtoMinor,
		Header:     make(http.Header),
		Body:       http.NoBody,
		Request:    req,
	}
	addVia(resp.Header, g.via.Header(req))
	return resp
}

// NotImplemented builds the response returned for a client's own probing
// OPTIONS * request with Max-Forwards: 0.
func (g *ResponseGenerator) NotImplemented(req *http.Request) *http.Response {
	resp := &http.Response{
		StatusCode: http.StatusNotImplemented,
		Status:     "501 Not Implemented",
		Proto:      req.Proto,
		ProtoMajor: req.ProtoMajor,
		ProtoMinor: req.ProtoMinor,
		Header:     make(http.Header),
		Body:       http.NoBody,
		Request:    req,
	}
	addVia(resp.Header, g.via.Header(req))
	return resp
}

// ErrorForRequest builds the response returned when the pipeline cannot
// produce a normal answer: 400 for a fatally noncompliant request, 502 for a
// truncated backend body, and a 504 carrying a 111 Warning for any other
// cause. The pipeline contract is "always return a response for a
// well-formed request", so this never surfaces a Go error to the caller.
func (g *ResponseGenerator) ErrorForRequest(req *http.Request, cause error) *http.Response {
	var fatal *FatalComplianceError
	if errors.As(cause, &fatal) {
		resp := &http.Response{
			StatusCode: http.StatusBadRequest,
			Status:     "400 Bad Request",
			Proto:      req.Proto,
			ProtoMajor: req.ProtoMajor,
			ProtoMinor: req.ProtoMinor,
			Header:     make(http.Header),
			Body:       http.NoBody,
			Request:    req,
		}
		addVia(resp.Header, g.via.Header(req))
		return resp
	}

	if errors.Is(cause, ErrTruncatedBody) {
		resp := &http.Response{
			StatusCode: http.StatusBadGateway,
			Status:     "502 Bad Gateway",
			Proto:      req.Proto,
			ProtoMajor: req.ProtoMajor,
			ProtoMinor: req.ProtoMinor,
			Header:     make(http.Header),
			Body:       http.NoBody,
			Request:    req,
		}
		addVia(resp.Header, g.via.Header(req))
		return resp
	}

	resp := g.GatewayTimeout(req)
	resp.Header.Set("Warning", `111 localhost "Revalidation failed"`)
	return resp
}

func (g *ResponseGenerator) base(req *http.Request, entry *CacheEntry) (*http.Response, error) {
	header := entry.Header.Clone()
	resp := &http.Response{
		StatusCode: entry.StatusCode,
		Status:     entry.Reason,
		Proto:      req.Proto,
		ProtoMajor: req.ProtoMajor,
		ProtoMinor: req.ProtoMinor,
		Header:     header,
		Request:    req,
	}
	if resp.Status == "" {
		resp.Status = http.StatusText(entry.StatusCode)
	}

	body, err := entry.Body.Open()
	if err != nil {
		return nil, err
	}
	resp.Body = body
	resp.ContentLength = entry.Body.Size()

	addVia(resp.Header, g.via.Header(req))
	return resp, nil
}

// stampAge sets the Age header from the entry's current age. A negative
// apparent age (a clock in the future) is never reported.
func (g *ResponseGenerator) stampAge(h http.Header, entry *CacheEntry) {
	age := g.validity.AgeSecs(entry, time.Now())
	if age < 0 {
		return
	}
	h.Set("Age", strconv.FormatInt(age, 10))
}
