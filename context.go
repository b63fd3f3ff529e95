package httpcache

import "sync"

// Scope carries the per-call route metadata threaded alongside a request as
// it moves through whatever pipeline embeds CachingExecutor.
type Scope struct {
	Route string
}

// ResponseStatus is the single per-call outcome Execute records: which of
// the cache's decision paths produced the response.
type ResponseStatus string

const (
	ResponseStatusCacheHit            ResponseStatus = "CACHE_HIT"
	ResponseStatusCacheMiss           ResponseStatus = "CACHE_MISS"
	ResponseStatusValidated           ResponseStatus = "VALIDATED"
	ResponseStatusCacheModuleResponse ResponseStatus = "CACHE_MODULE_RESPONSE"
	ResponseStatusFailure             ResponseStatus = "FAILURE"
)

// ResponseStatusAttribute is the context attribute key Execute writes its
// outcome to on every call.
const ResponseStatusAttribute = "cache.response-status"

// RequestContext is the per-call attribute map threaded through Execute: the
// route scope goes in, and the cache's response status (among anything else
// a caller chooses to stash here) comes out.
type RequestContext struct {
	Scope Scope

	mu         sync.Mutex
	attributes map[string]any
}

// NewRequestContext builds a RequestContext for a single Execute call.
func NewRequestContext(scope Scope) *RequestContext {
	return &RequestContext{Scope: scope, attributes: make(map[string]any)}
}

// Set stores value under key. Safe to call on a nil RequestContext (no-op).
func (c *RequestContext) Set(key string, value any) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attributes == nil {
		c.attributes = make(map[string]any)
	}
	c.attributes[key] = value
}

// Get returns the value stored under key, if any. Safe to call on a nil
// RequestContext (always reports absent).
func (c *RequestContext) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.attributes[key]
	return v, ok
}

// ResponseStatus returns the status the most recent Execute call recorded,
// or the empty string if none has run yet.
func (c *RequestContext) ResponseStatus() ResponseStatus {
	v, ok := c.Get(ResponseStatusAttribute)
	if !ok {
		return ""
	}
	status, _ := v.(ResponseStatus)
	return status
}

func (c *RequestContext) setResponseStatus(status ResponseStatus) {
	c.Set(ResponseStatusAttribute, status)
}
