package httpcache

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// viaMemo caches the rendered Via token per HTTP protocol version so it is
// computed once and reused. Shared across concurrent requests, so the map
// is guarded by a mutex.
type viaMemo struct {
	mu    sync.Mutex
	entry map[string]string
}

func newViaMemo() *viaMemo {
	return &viaMemo{entry: make(map[string]string)}
}

// Header returns the Via token for req's protocol, computing and caching it
// on first use. For HTTP the token is "<major>.<minor> localhost
// (<product>/<release> (cache))"; any other protocol is prefixed with its
// own name, "<proto>/<major>.<minor> localhost (...)".
func (v *viaMemo) Header(req *http.Request) string {
	proto := req.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.entry[proto]; ok {
		return cached
	}

	name := proto
	major, minor := req.ProtoMajor, req.ProtoMinor
	if i := strings.IndexByte(proto, '/'); i >= 0 {
		name = proto[:i]
		if major == 0 && minor == 0 {
			fmt.Sscanf(proto[i+1:], "%d.%d", &major, &minor)
		}
	}
	if major == 0 {
		major = 1
	}

	var token string
	if strings.EqualFold(name, "HTTP") {
		token = fmt.Sprintf("%d.%d localhost (httpcache/1.0 (cache))", major, minor)
	} else {
		token = fmt.Sprintf("%s/%d.%d localhost (httpcache/1.0 (cache))", name, major, minor)
	}
	v.entry[proto] = token
	return token
}

// addVia appends this cache's Via token to h, preserving any upstream Via
// values, matching the append semantics of RFC 7230 §5.7.1.
func addVia(h http.Header, token string) {
	if token == "" {
		return
	}
	existing := h.Get("Via")
	if existing == "" {
		h.Set("Via", token)
		return
	}
	h.Set("Via", existing+", "+token)
}
