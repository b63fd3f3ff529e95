package httpcache_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"

	"github.com/cachekit/httpcache"
	"github.com/cachekit/httpcache/layer"
)

// Example demonstrates the minimal setup: an in-memory storage layer, a
// synchronous-only cache (no AsyncRevalidator), and a Proceed that forwards
// to a fixed origin over plain HTTP.
func Example() {
	cacheLayer := layer.NewInMemoryCacheLayer(128 * 1024 * 1024)
	cache := httpcache.NewHttpCache(cacheLayer)
	executor := httpcache.NewCachingExecutor(cache, cacheLayer, httpcache.NewCacheConfig(), logrus.New())

	proceed := httpcache.NewOriginProceed(http.DefaultTransport)

	handler := http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		req.URL.Scheme = "http"
		req.URL.Host = "example.com"

		resp, err := executor.Execute(req.Context(), req, proceed, nil)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()

		for name, values := range resp.Header {
			for _, v := range values {
				rw.Header().Add(name, v)
			}
		}
		rw.WriteHeader(resp.StatusCode)
	})

	server := &http.Server{Handler: handler}
	err := server.ListenAndServe()
	if err != nil {
		fmt.Printf("server exited: %s", err)
	}
}

// Example_staleWhileRevalidate demonstrates enabling background
// stale-while-revalidate refresh via AsyncRevalidator, and forwarding to the
// origin over HTTP/2.
func Example_staleWhileRevalidate() {
	systemCertPool, err := x509.SystemCertPool()
	if err != nil {
		panic(err)
	}

	log := logrus.New()
	revalidator := httpcache.NewAsyncRevalidator(4, log)
	revalidator.Start()
	defer revalidator.Stop()

	config := httpcache.NewCacheConfig()
	config.AsyncRevalidator = revalidator

	cacheLayer := layer.NewInMemoryCacheLayer(128 * 1024 * 1024)
	cache := httpcache.NewHttpCache(cacheLayer)
	executor := httpcache.NewCachingExecutor(cache, cacheLayer, config, log)

	transport := &http2.Transport{TLSClientConfig: &tls.Config{RootCAs: systemCertPool}}
	proceed := httpcache.NewOriginProceed(transport)

	ctx := context.Background()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://example.com/", nil)
	if err != nil {
		panic(err)
	}

	if _, err := executor.Execute(ctx, req, proceed, nil); err != nil {
		fmt.Printf("request failed: %s", err)
	}
}
