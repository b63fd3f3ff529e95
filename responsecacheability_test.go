package httpcache

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestExchange(method string, respHeaders map[string]string, status int) (*http.Request, *http.Response) {
	req, _ := http.NewRequest(method, "http://example.com/thing", nil)
	h := make(http.Header)
	for k, v := range respHeaders {
		h.Set(k, v)
	}
	resp := &http.Response{
		StatusCode: status,
		Header:     h,
		Request:    req,
		ProtoMajor: 1,
		ProtoMinor: 1,
	}
	return req, resp
}

func TestResponseCacheabilityRejectsNoStore(t *testing.T) {
	p := NewResponseCacheability(NewCacheConfig())
	req, resp := newTestExchange(http.MethodGet, map[string]string{"Cache-Control": "no-store"}, http.StatusOK)
	require.False(t, p.IsResponseCacheable(req, resp))
}

func TestResponseCacheabilityRejectsPrivateInSharedCache(t *testing.T) {
	config := NewCacheConfig()
	config.SharedCache = true
	p := NewResponseCacheability(config)
	req, resp := newTestExchange(http.MethodGet, map[string]string{"Cache-Control": "private"}, http.StatusOK)
	require.False(t, p.IsResponseCacheable(req, resp))
}

func TestResponseCacheabilityAllowsPrivateInPrivateCache(t *testing.T) {
	config := NewCacheConfig()
	config.SharedCache = false
	p := NewResponseCacheability(config)
	req, resp := newTestExchange(http.MethodGet, map[string]string{"Cache-Control": "private"}, http.StatusOK)
	require.True(t, p.IsResponseCacheable(req, resp))
}

func TestResponseCacheabilityRejectsAuthorizedWithoutOverride(t *testing.T) {
	config := NewCacheConfig()
	config.SharedCache = true
	p := NewResponseCacheability(config)
	req, resp := newTestExchange(http.MethodGet, nil, http.StatusOK)
	req.Header.Set("Authorization", "Bearer token")

	require.False(t, p.IsResponseCacheable(req, resp))
}

func TestResponseCacheabilityAllowsAuthorizedWithPublic(t *testing.T) {
	config := NewCacheConfig()
	config.SharedCache = true
	p := NewResponseCacheability(config)
	req, resp := newTestExchange(http.MethodGet, map[string]string{"Cache-Control": "public"}, http.StatusOK)
	req.Header.Set("Authorization", "Bearer token")

	require.True(t, p.IsResponseCacheable(req, resp))
}

func TestResponseCacheabilityRejects303WhenDisabled(t *testing.T) {
	config := NewCacheConfig()
	config.Caching303Enabled = false
	p := NewResponseCacheability(config)
	_, resp := newTestExchange(http.MethodGet, nil, http.StatusSeeOther)

	require.False(t, p.IsResponseCacheable(resp.Request, resp))
}

func TestResponseCacheabilityAllows303WhenEnabled(t *testing.T) {
	config := NewCacheConfig()
	config.Caching303Enabled = true
	p := NewResponseCacheability(config)
	_, resp := newTestExchange(http.MethodGet, nil, http.StatusSeeOther)

	require.True(t, p.IsResponseCacheable(resp.Request, resp))
}

func TestResponseCacheabilityRejectsUnknownStatus(t *testing.T) {
	p := NewResponseCacheability(NewCacheConfig())
	_, resp := newTestExchange(http.MethodGet, nil, http.StatusTeapot)

	require.False(t, p.IsResponseCacheable(resp.Request, resp))
}

func TestResponseCacheabilityRejectsOversizedBody(t *testing.T) {
	config := NewCacheConfig()
	config.MaxObjectSize = 10
	p := NewResponseCacheability(config)
	_, resp := newTestExchange(http.MethodGet, nil, http.StatusOK)
	resp.ContentLength = 1024

	require.False(t, p.IsResponseCacheable(resp.Request, resp))
}
