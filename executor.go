package httpcache

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cachekit/httpcache/layer"
)

// CachingExecutor is the pipeline stage that turns a Proceed-backed origin
// call into an RFC 7234 shared cache, threading every collaborator in this
// package together. It is built around an injectable Proceed instead of an
// embedded http.RoundTripper so it composes into any request pipeline.
type CachingExecutor struct {
	config *CacheConfig
	cache  HttpCache
	layer  layer.CacheLayer
	log    *logrus.Logger

	via                  *viaMemo
	validity             *ValidityPolicy
	suitability          *SuitabilityChecker
	conditional          *ConditionalRequestBuilder
	generator            *ResponseGenerator
	requestCompliance    *RequestCompliance
	responseCompliance   *ResponseCompliance
	requestCacheability  *RequestCacheability
	responseCacheability *ResponseCacheability

	revalidator *AsyncRevalidator

	seq uint64

	hits, misses, updates, failures uint64
}

// NewCachingExecutor wires every collaborator from config, storing bodies in
// l and recording metadata through cache. If config.AsyncRevalidator is
// non-nil, stale-while-revalidate hits are served immediately with a
// background refresh scheduled on it.
func NewCachingExecutor(cache HttpCache, l layer.CacheLayer, config *CacheConfig, log *logrus.Logger) *CachingExecutor {
	if config == nil {
		config = NewCacheConfig()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	validity := NewValidityPolicy(config)
	return &CachingExecutor{
		config:               config,
		cache:                cache,
		layer:                l,
		log:                  log,
		via:                  newViaMemo(),
		validity:             validity,
		suitability:          NewSuitabilityChecker(validity, config),
		conditional:          NewConditionalRequestBuilder(),
		generator:            NewResponseGenerator(validity),
		requestCompliance:    NewRequestCompliance(config),
		responseCompliance:   NewResponseCompliance(),
		requestCacheability:  NewRequestCacheability(),
		responseCacheability: NewResponseCacheability(config),
		revalidator:          config.AsyncRevalidator,
	}
}

// Hits, Misses, Updates and Failures report the running counters callers
// use for metrics.
func (e *CachingExecutor) Hits() uint64     { return atomic.LoadUint64(&e.hits) }
func (e *CachingExecutor) Misses() uint64   { return atomic.LoadUint64(&e.misses) }
func (e *CachingExecutor) Updates() uint64  { return atomic.LoadUint64(&e.updates) }
func (e *CachingExecutor) Failures() uint64 { return atomic.LoadUint64(&e.failures) }

// Execute runs req through the cache, calling proceed at most as many times
// as the revalidation/miss/variant-negotiation paths require. rc carries the
// caller's route Scope in and receives the per-call ResponseStatus outcome;
// a nil rc is accepted (the outcome is then simply discarded).
func (e *CachingExecutor) Execute(ctx context.Context, req *http.Request, proceed Proceed, rc *RequestContext) (*http.Response, error) {
	fp := fingerprintFor(req)

	if e.isOptionsProbe(req) {
		rc.setResponseStatus(ResponseStatusCacheModuleResponse)
		return e.generator.NotImplemented(req), nil
	}

	if fatal := e.requestCompliance.FatalErrors(req); len(fatal) > 0 {
		rc.setResponseStatus(ResponseStatusCacheModuleResponse)
		return e.generator.ErrorForRequest(req, fatal[0]), nil
	}

	e.requestCompliance.Normalize(req)
	addVia(req.Header, e.via.Header(req))

	if !e.requestCacheability.IsServableFromCache(req) {
		e.flushInvalidated(fp, nil)
		return e.callBackend(ctx, fp, req, proceed, rc)
	}

	entry, err := e.cache.Get(fp, req)
	if err != nil {
		e.log.WithError(err).WithField("fingerprint", fp.String()).Warn("cache lookup failed")
		rc.setResponseStatus(ResponseStatusFailure)
		return e.handleCacheFailure(ctx, fp, req, proceed)
	}
	if entry == nil {
		atomic.AddUint64(&e.misses, 1)
		rc.setResponseStatus(ResponseStatusCacheMiss)
		return e.handleCacheMiss(ctx, fp, req, proceed, rc)
	}

	atomic.AddUint64(&e.hits, 1)
	return e.handleCacheHit(ctx, fp, req, proceed, entry, rc)
}

// isOptionsProbe matches clientRequestsOurOptions in the original
// implementation: a client probing this cache's own capabilities rather
// than asking to reach the origin.
func (e *CachingExecutor) isOptionsProbe(req *http.Request) bool {
	return req.Method == http.MethodOptions && req.URL.Path == "*" && req.Header.Get("Max-Forwards") == "0"
}

func (e *CachingExecutor) handleCacheHit(ctx context.Context, fp Fingerprint, req *http.Request, proceed Proceed, entry *CacheEntry, rc *RequestContext) (*http.Response, error) {
	now := time.Now()

	if e.suitability.CanUse(req, entry, now) {
		rc.setResponseStatus(ResponseStatusCacheHit)
		return e.generateCachedResponse(req, entry, now)
	}
	if OnlyIfCached(req) {
		rc.setResponseStatus(ResponseStatusCacheModuleResponse)
		return e.generator.GatewayTimeout(req), nil
	}
	if entry.StatusCode == http.StatusNotModified && !IsConditional(req) {
		return e.callBackend(ctx, fp, req, proceed, rc)
	}
	return e.revalidateCacheEntry(ctx, fp, req, proceed, entry, now, rc)
}

// generateCachedResponse renders entry for req, returning a bodyless 304 if
// req is itself conditional and its precondition already matches. A
// stale-but-usable entry (served under max-stale) carries a 110 Warning.
func (e *CachingExecutor) generateCachedResponse(req *http.Request, entry *CacheEntry, now time.Time) (*http.Response, error) {
	var (
		resp *http.Response
		err  error
	)
	if IsConditional(req) && AllConditionalsMatch(req, entry, now) {
		resp, err = e.generator.NotModified(req, entry)
	} else {
		resp, err = e.generator.Response(req, entry)
	}
	if err != nil {
		return nil, err
	}
	if e.validity.StalenessSecs(entry, now) > 0 {
		resp.Header.Set("Warning", `110 localhost "Response is stale"`)
	}
	return resp, nil
}

// revalidateCacheEntry decides between synchronous and asynchronous
// (stale-while-revalidate) revalidation.
func (e *CachingExecutor) revalidateCacheEntry(ctx context.Context, fp Fingerprint, req *http.Request, proceed Proceed, entry *CacheEntry, now time.Time, rc *RequestContext) (*http.Response, error) {
	if e.revalidator != nil && !e.staleResponseNotAllowed(req, entry, now) && e.validity.MayReturnStaleWhileRevalidating(entry, now) {
		resp, err := e.generateCachedResponse(req, entry, now)
		if err != nil {
			return nil, err
		}
		rc.setResponseStatus(ResponseStatusCacheHit)
		backgroundReq := req.Clone(context.Background())
		e.revalidator.Schedule(fp.String(), func(bgCtx context.Context) {
			if _, err := e.revalidateCacheEntrySync(bgCtx, fp, backgroundReq, proceed, entry, nil); err != nil {
				e.log.WithError(err).WithField("fingerprint", fp.String()).Debug("background revalidation failed")
			}
		})
		return resp, nil
	}

	resp, err := e.revalidateCacheEntrySync(ctx, fp, req, proceed, entry, rc)
	if err != nil {
		return e.handleRevalidationFailure(req, entry, now, rc), nil
	}
	return resp, nil
}

// revalidateCacheEntrySync performs the conditional-then-unconditional
// retry dance and interprets the backend's answer.
func (e *CachingExecutor) revalidateCacheEntrySync(ctx context.Context, fp Fingerprint, req *http.Request, proceed Proceed, entry *CacheEntry, rc *RequestContext) (*http.Response, error) {
	conditionalReq, ok := e.conditional.BuildConditional(req, entry)
	if !ok {
		conditionalReq = e.conditional.BuildUnconditional(req)
	}

	requestSent := time.Now()
	backendResp, err := proceed(ctx, conditionalReq)
	if err != nil {
		return nil, err
	}
	responseReceived := time.Now()

	if revalidationResponseTooOld(backendResp, entry) {
		backendResp.Body.Close()
		unconditional := e.conditional.BuildUnconditional(req)
		requestSent = time.Now()
		backendResp, err = proceed(ctx, unconditional)
		if err != nil {
			return nil, err
		}
		responseReceived = time.Now()
	}

	addVia(backendResp.Header, e.via.Header(req))

	if backendResp.StatusCode == http.StatusNotModified || backendResp.StatusCode == http.StatusOK {
		e.recordUpdate()
	}

	if backendResp.StatusCode == http.StatusNotModified {
		fresh := e.entryFromNotModified(req, backendResp, requestSent, responseReceived)
		updated, err := e.cache.UpdateCacheEntry(fp, entry, fresh)
		backendResp.Body.Close()
		if err != nil {
			return nil, wrapStorageErr(err)
		}
		rc.setResponseStatus(ResponseStatusValidated)
		return e.generateNegotiatedResponse(req, updated)
	}

	if staleIfErrorApplies(backendResp.StatusCode) &&
		!e.staleResponseNotAllowed(req, entry, responseReceived) &&
		e.validity.MayReturnStaleIfError(req, entry, responseReceived) {
		backendResp.Body.Close()
		resp, err := e.generator.Response(req, entry)
		if err != nil {
			return nil, err
		}
		resp.Header.Set("Warning", `110 localhost "Response is stale"`)
		rc.setResponseStatus(ResponseStatusCacheHit)
		return resp, nil
	}

	return e.handleBackendResponse(fp, req, conditionalReq, backendResp, requestSent, responseReceived, rc)
}

// generateNegotiatedResponse renders updated as a 304 when req's own
// preconditions already match it, else as a full response. Shared by the
// synchronous-revalidation and variant-negotiation paths.
func (e *CachingExecutor) generateNegotiatedResponse(req *http.Request, entry *CacheEntry) (*http.Response, error) {
	if IsConditional(req) && AllConditionalsMatch(req, entry, time.Now()) {
		return e.generator.NotModified(req, entry)
	}
	return e.generator.Response(req, entry)
}

func (e *CachingExecutor) handleRevalidationFailure(req *http.Request, entry *CacheEntry, now time.Time, rc *RequestContext) *http.Response {
	if e.staleResponseNotAllowed(req, entry, now) {
		rc.setResponseStatus(ResponseStatusCacheModuleResponse)
		return e.generator.GatewayTimeout(req)
	}
	resp, err := e.generator.Response(req, entry)
	if err != nil {
		rc.setResponseStatus(ResponseStatusCacheModuleResponse)
		return e.generator.GatewayTimeout(req)
	}
	resp.Header.Set("Warning", `111 localhost "Revalidation failed"`)
	rc.setResponseStatus(ResponseStatusCacheHit)
	return resp
}

func (e *CachingExecutor) handleCacheMiss(ctx context.Context, fp Fingerprint, req *http.Request, proceed Proceed, rc *RequestContext) (*http.Response, error) {
	if OnlyIfCached(req) {
		rc.setResponseStatus(ResponseStatusCacheModuleResponse)
		return e.generator.GatewayTimeout(req), nil
	}

	variants, err := e.cache.GetVariantsWithETags(fp)
	if err != nil {
		e.log.WithError(err).WithField("fingerprint", fp.String()).Warn("unable to retrieve variant entries")
	}
	if len(variants) > 0 {
		return e.negotiateResponseFromVariants(ctx, fp, req, proceed, variants, rc)
	}

	return e.callBackend(ctx, fp, req, proceed, rc)
}

// negotiateResponseFromVariants sends a single conditional request carrying
// every known variant's ETag, letting the origin either confirm one of
// them (304) or hand back a fresh representation in one round trip.
func (e *CachingExecutor) negotiateResponseFromVariants(ctx context.Context, fp Fingerprint, req *http.Request, proceed Proceed, variants []*VariantEntry, rc *RequestContext) (*http.Response, error) {
	conditionalReq, ok := e.conditional.BuildConditionalFromVariants(req, variants)
	if !ok {
		return e.callBackend(ctx, fp, req, proceed, rc)
	}

	requestSent := time.Now()
	backendResp, err := proceed(ctx, conditionalReq)
	if err != nil {
		return nil, err
	}
	responseReceived := time.Now()
	addVia(backendResp.Header, e.via.Header(req))

	if backendResp.StatusCode != http.StatusNotModified {
		return e.handleBackendResponse(fp, req, conditionalReq, backendResp, requestSent, responseReceived, rc)
	}

	resultETag := backendResp.Header.Get("ETag")
	if resultETag == "" {
		backendResp.Body.Close()
		return e.callBackend(ctx, fp, req, proceed, rc)
	}

	var matched *VariantEntry
	for _, v := range variants {
		if v.ETag == resultETag {
			matched = v
			break
		}
	}
	if matched == nil || matched.Entry == nil {
		backendResp.Body.Close()
		return e.callBackend(ctx, fp, req, proceed, rc)
	}

	if revalidationResponseTooOld(backendResp, matched.Entry) {
		backendResp.Body.Close()
		unconditional := e.conditional.BuildUnconditional(req)
		return e.callBackend(ctx, fp, unconditional, proceed, rc)
	}

	e.recordUpdate()

	fresh := e.entryFromNotModified(req, backendResp, requestSent, responseReceived)
	variantKey := VariantKey(backendResp.Header.Get("Vary"), req)
	if variantKey == "" {
		variantKey = matched.Key
	}
	updated, err := e.cache.UpdateVariantCacheEntry(fp, matched.Key, matched.Entry, fresh)
	backendResp.Body.Close()
	if err != nil {
		return nil, wrapStorageErr(err)
	}

	if err := e.cache.ReuseVariantEntryFor(fp, variantKey, &VariantEntry{Key: variantKey, ETag: updated.ETag(), Entry: updated}); err != nil {
		e.log.WithError(err).WithField("fingerprint", fp.String()).Warn("could not update variant map")
	}

	rc.setResponseStatus(ResponseStatusValidated)
	return e.generateNegotiatedResponse(req, updated)
}

func (e *CachingExecutor) handleCacheFailure(ctx context.Context, fp Fingerprint, req *http.Request, proceed Proceed) (*http.Response, error) {
	atomic.AddUint64(&e.failures, 1)
	if OnlyIfCached(req) {
		return e.generator.GatewayTimeout(req), nil
	}
	return proceed(ctx, req)
}

// callBackend issues req straight to the origin and runs the result through
// the store-or-pass-through decision, matching callBackend in the original
// implementation.
func (e *CachingExecutor) callBackend(ctx context.Context, fp Fingerprint, req *http.Request, proceed Proceed, rc *RequestContext) (*http.Response, error) {
	requestSent := time.Now()
	backendResp, err := proceed(ctx, req)
	if err != nil {
		return nil, err
	}
	responseReceived := time.Now()
	addVia(backendResp.Header, e.via.Header(req))
	return e.handleBackendResponse(fp, req, req, backendResp, requestSent, responseReceived, rc)
}

// handleBackendResponse repairs protocol compliance, invalidates any entry
// this exchange makes stale, and either stores or streams the result. Either
// way the representation the caller sees came from a live origin round trip
// rather than the cache, so it always records a cache miss outcome.
func (e *CachingExecutor) handleBackendResponse(fp Fingerprint, originalReq, sentReq *http.Request, backendResp *http.Response, requestSent, responseReceived time.Time, rc *RequestContext) (*http.Response, error) {
	e.responseCompliance.Ensure(originalReq, sentReq, backendResp)

	cacheable := e.responseCacheability.IsResponseCacheable(sentReq, backendResp)
	if locations := e.invalidationLocations(originalReq, backendResp); len(locations) > 0 {
		e.flushInvalidated(fp, locations)
	}

	rc.setResponseStatus(ResponseStatusCacheMiss)

	if cacheable {
		return e.cacheAndReturnResponse(fp, originalReq, backendResp, requestSent, responseReceived)
	}

	if err := e.cache.FlushCacheEntriesFor(fp); err != nil {
		e.log.WithError(err).WithField("fingerprint", fp.String()).Warn("unable to flush invalid cache entry")
	}
	return backendResp, nil
}

// cacheAndReturnResponse buffers backendResp's body up to
// config.MaxObjectSize, stores it, and returns the response the client
// sees. A body larger than the limit is streamed through uncached via a
// combinedBody that replays the already-read prefix ahead of the live
// remainder.
func (e *CachingExecutor) cacheAndReturnResponse(fp Fingerprint, req *http.Request, resp *http.Response, requestSent, responseReceived time.Time) (*http.Response, error) {
	if resp.Body == nil {
		resp.Body = http.NoBody
	}

	buf := make([]byte, 0, 1024)
	chunk := make([]byte, 2048)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if int64(len(buf)) > e.config.MaxObjectSize {
				resp.Body = newCombinedBody(buf, resp.Body)
				return resp, nil
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
	}
	resp.Body.Close()

	if cl := resp.ContentLength; cl > 0 && cl > int64(len(buf)) {
		return e.generator.ErrorForRequest(req, ErrTruncatedBody), nil
	}

	entry := &CacheEntry{
		RequestMethod:    req.Method,
		RequestURI:       req.URL.RequestURI(),
		StatusCode:       resp.StatusCode,
		Reason:           resp.Status,
		Header:           resp.Header.Clone(),
		RequestSent:      requestSent,
		ResponseReceived: responseReceived,
	}

	ttlSecs := e.validity.FreshnessLifetimeSecs(entry)
	if ttlSecs < 0 {
		ttlSecs = 0
	}

	key := e.nextBodyKey(fp)
	if err := e.layer.Set(key, io.NopCloser(bytes.NewReader(buf)), time.Duration(ttlSecs)*time.Second); err != nil {
		e.log.WithError(err).WithField("fingerprint", fp.String()).Warn("unable to store response body, serving uncached")
		resp.Body = io.NopCloser(bytes.NewReader(buf))
		return resp, nil
	}
	entry.Body = NewBodyHandle(e.layer, key, int64(len(buf)))

	variantKey := ""
	if vary := entry.Header.Get("Vary"); vary != "" {
		variantKey = VariantKey(vary, req)
	}

	if err := e.cache.CreateCacheEntry(fp, entry, variantKey); err != nil {
		e.log.WithError(err).WithField("fingerprint", fp.String()).Warn("unable to store cache entry")
	}

	return e.generator.Response(req, entry)
}

// entryFromNotModified builds the "fresh" side of a merge for
// HttpCache.UpdateCacheEntry/UpdateVariantCacheEntry: a 304 carries headers
// only, never a body, so Body is left nil and mergeEntry keeps the stale
// entry's handle.
func (e *CachingExecutor) entryFromNotModified(req *http.Request, resp *http.Response, requestSent, responseReceived time.Time) *CacheEntry {
	return &CacheEntry{
		RequestMethod:    req.Method,
		RequestURI:       req.URL.RequestURI(),
		StatusCode:       resp.StatusCode,
		Reason:           resp.Status,
		Header:           resp.Header.Clone(),
		RequestSent:      requestSent,
		ResponseReceived: responseReceived,
	}
}

func (e *CachingExecutor) recordUpdate() {
	atomic.AddUint64(&e.updates, 1)
}

func (e *CachingExecutor) flushInvalidated(primary Fingerprint, extra []Fingerprint) {
	if err := e.cache.FlushInvalidatedCacheEntriesFor(primary, extra); err != nil {
		e.log.WithError(err).WithField("fingerprint", primary.String()).Warn("unable to flush invalidated cache entries")
	}
}

// invalidationLocations reports which stored entries an unsafe method's
// successful exchange invalidates: the request URI itself plus whatever
// Location/Content-Location headers point at.
func (e *CachingExecutor) invalidationLocations(req *http.Request, resp *http.Response) []Fingerprint {
	if req.Method == http.MethodGet || req.Method == http.MethodHead {
		return nil
	}
	if resp.StatusCode >= 400 {
		return nil
	}

	self := fingerprintFor(req)
	self.Method = http.MethodGet
	locations := []Fingerprint{self}
	for _, h := range []string{"Location", "Content-Location"} {
		raw := resp.Header.Get(h)
		if raw == "" {
			continue
		}
		u, err := req.URL.Parse(raw)
		if err != nil {
			continue
		}
		locations = append(locations, Fingerprint{
			Scheme: u.Scheme,
			Host:   u.Host,
			Method: http.MethodGet,
			URI:    u.RequestURI(),
		})
	}
	return locations
}

// staleResponseNotAllowed matches staleResponseNotAllowed in the original
// implementation.
func (e *CachingExecutor) staleResponseNotAllowed(req *http.Request, entry *CacheEntry, now time.Time) bool {
	if e.validity.MustRevalidate(entry) {
		return true
	}
	if e.config.SharedCache && e.validity.ProxyRevalidate(entry) {
		return true
	}
	return e.explicitFreshnessRequest(req, entry, now)
}

// explicitFreshnessRequest matches explicitFreshnessRequest in the original
// implementation: a client asking for a tighter staleness bound than the
// entry can offer, or naming min-fresh/max-age at all, forces revalidation
// rather than accepting the toleratesStaleness fallback SuitabilityChecker
// otherwise allows.
func (e *CachingExecutor) explicitFreshnessRequest(req *http.Request, entry *CacheEntry, now time.Time) bool {
	directives := splitCacheControl(req.Header["Cache-Control"])

	if raw, ok := directiveArg(directives, "max-stale"); ok {
		if raw == "" {
			return false
		}
		maxStale, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return true
		}
		age := e.validity.AgeSecs(entry, now)
		lifetime := e.validity.FreshnessLifetimeSecs(entry)
		if age-lifetime > maxStale {
			return true
		}
	}

	if hasDirective(directives, "min-fresh") || hasDirective(directives, "max-age") {
		return true
	}
	return false
}

func (e *CachingExecutor) nextBodyKey(fp Fingerprint) string {
	n := atomic.AddUint64(&e.seq, 1)
	return fp.String() + "#" + strconv.FormatUint(n, 36)
}

// staleIfErrorApplies matches the status codes CachingExec treats as
// eligible for stale-if-error substitution: server errors and the two
// gateway statuses.
func staleIfErrorApplies(status int) bool {
	switch status {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// revalidationResponseTooOld reports an origin whose Date header moved
// backwards relative to the entry being revalidated, indicating request
// reordering, so the RFC 7234 unconditional-retry fallback applies rather
// than trusting the response.
func revalidationResponseTooOld(resp *http.Response, entry *CacheEntry) bool {
	entryDate := entry.Date()
	if entryDate.IsZero() {
		return false
	}
	raw := resp.Header.Get("Date")
	if raw == "" {
		return false
	}
	respDate, err := http.ParseTime(raw)
	if err != nil {
		return false
	}
	return respDate.Before(entryDate)
}

// fingerprintFor derives the cache lookup key for req from its scheme,
// host, method and request URI.
func fingerprintFor(req *http.Request) Fingerprint {
	scheme := req.URL.Scheme
	if scheme == "" {
		if req.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	return Fingerprint{
		Scheme: scheme,
		Host:   host,
		Method: req.Method,
		URI:    req.URL.RequestURI(),
	}
}
