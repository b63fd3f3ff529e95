package layer

import (
	"bytes"
	"io"
	"time"
)

// TieredCacheLayer serves reads from a fast hot layer, falling back to a
// slower cold layer on a miss and repopulating the hot layer with what it
// finds. Writes go to both tiers so a hot-tier eviction never loses data
// the cold tier hasn't seen yet.
type TieredCacheLayer struct {
	hot  CacheLayer
	cold CacheLayer
}

// NewTieredCacheLayer builds a TieredCacheLayer over hot and cold.
func NewTieredCacheLayer(hot, cold CacheLayer) *TieredCacheLayer {
	return &TieredCacheLayer{hot: hot, cold: cold}
}

func (t *TieredCacheLayer) Get(key string) (io.ReadCloser, time.Duration, error) {
	rc, ttl, err := t.hot.Get(key)
	if err != nil {
		return nil, 0, err
	}
	if rc != nil {
		return rc, ttl, nil
	}

	rc, ttl, err = t.cold.Get(key)
	if err != nil || rc == nil {
		return rc, ttl, err
	}

	body, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, 0, err
	}
	if err := t.hot.Set(key, io.NopCloser(bytes.NewReader(body)), ttl); err != nil {
		return nil, 0, err
	}
	return io.NopCloser(bytes.NewReader(body)), ttl, nil
}

func (t *TieredCacheLayer) Set(key string, entry io.ReadCloser, ttl time.Duration) error {
	body, err := io.ReadAll(entry)
	entry.Close()
	if err != nil {
		return err
	}
	if err := t.hot.Set(key, io.NopCloser(bytes.NewReader(body)), ttl); err != nil {
		return err
	}
	return t.cold.Set(key, io.NopCloser(bytes.NewReader(body)), ttl)
}

func (t *TieredCacheLayer) Refresh(key string, ttl time.Duration) error {
	if err := t.hot.Refresh(key, ttl); err != nil {
		return err
	}
	return t.cold.Refresh(key, ttl)
}

func (t *TieredCacheLayer) Delete(key string) error {
	if err := t.hot.Delete(key); err != nil {
		return err
	}
	return t.cold.Delete(key)
}

// Sweep implements Sweeper by sweeping whichever tier(s) support it.
func (t *TieredCacheLayer) Sweep() (int, error) {
	total := 0
	for _, tier := range []CacheLayer{t.hot, t.cold} {
		sweeper, ok := tier.(Sweeper)
		if !ok {
			continue
		}
		removed, err := sweeper.Sweep()
		if err != nil {
			return total, err
		}
		total += removed
	}
	return total, nil
}
