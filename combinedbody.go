package httpcache

import (
	"bytes"
	"io"
)

// combinedBody replays an already-buffered prefix ahead of a live
// remainder, letting cacheAndReturnResponse hand the client the full body
// of a response that exceeded CacheConfig.MaxObjectSize without caching it.
type combinedBody struct {
	prefix    *bytes.Reader
	remainder io.ReadCloser
}

func newCombinedBody(prefix []byte, remainder io.ReadCloser) *combinedBody {
	return &combinedBody{prefix: bytes.NewReader(prefix), remainder: remainder}
}

func (c *combinedBody) Read(p []byte) (int, error) {
	if c.prefix.Len() > 0 {
		return c.prefix.Read(p)
	}
	return c.remainder.Read(p)
}

func (c *combinedBody) Close() error {
	return c.remainder.Close()
}
