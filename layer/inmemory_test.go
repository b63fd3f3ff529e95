package layer

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInMemoryCacheLayerGet(t *testing.T) {
	l := NewInMemoryCacheLayer(1024)

	reader, duration, err := l.Get("key1")
	require.NoError(t, err)
	require.Nil(t, reader)
	require.Zero(t, duration)

	l.entityStore["key1"] = inMemoryCacheEntity{
		Expiration: time.Now().Add(time.Minute),
		Data:       []byte("Content"),
	}
	l.currentSize = len([]byte("Content"))

	reader, duration, err = l.Get("key1")
	require.NoError(t, err)
	require.NotNil(t, reader)
	require.InDelta(t, time.Minute, duration, float64(time.Second))

	content, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.Equal(t, []byte("Content"), content)
}

func TestInMemoryCacheLayerSetAndGet(t *testing.T) {
	l := NewInMemoryCacheLayer(1024)

	require.NoError(t, l.Set("key1", io.NopCloser(strings.NewReader("hello")), time.Minute))

	reader, duration, err := l.Get("key1")
	require.NoError(t, err)
	require.NotNil(t, reader)
	require.Positive(t, duration)

	content, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), content)
}

func TestInMemoryCacheLayerEvictsStaleBeforeFresh(t *testing.T) {
	l := NewInMemoryCacheLayer(5)

	require.NoError(t, l.Set("stale", io.NopCloser(strings.NewReader("aaaaa")), -time.Second))
	_, _, err := l.Get("stale")
	require.NoError(t, err)

	require.NoError(t, l.Set("fresh", io.NopCloser(strings.NewReader("bbbbb")), time.Minute))

	_, duration, err := l.Get("fresh")
	require.NoError(t, err)
	require.Positive(t, duration)

	_, duration, err = l.Get("stale")
	require.NoError(t, err)
	require.Zero(t, duration)
}

func TestInMemoryCacheLayerRefresh(t *testing.T) {
	l := NewInMemoryCacheLayer(1024)

	require.Error(t, l.Refresh("missing", time.Minute))

	require.NoError(t, l.Set("key1", io.NopCloser(strings.NewReader("hello")), time.Second))
	require.NoError(t, l.Refresh("key1", time.Hour))

	_, duration, err := l.Get("key1")
	require.NoError(t, err)
	require.Greater(t, duration, time.Minute)
}

func TestInMemoryCacheLayerDelete(t *testing.T) {
	l := NewInMemoryCacheLayer(1024)
	require.NoError(t, l.Set("key1", io.NopCloser(strings.NewReader("hello")), time.Minute))
	require.NoError(t, l.Delete("key1"))

	reader, _, err := l.Get("key1")
	require.NoError(t, err)
	require.Nil(t, reader)
}

func TestInMemoryCacheLayerSweepRemovesExpiredOnly(t *testing.T) {
	l := NewInMemoryCacheLayer(1024)
	require.NoError(t, l.Set("expired", io.NopCloser(strings.NewReader("old")), -time.Second))
	require.NoError(t, l.Set("fresh", io.NopCloser(strings.NewReader("new")), time.Hour))

	removed, err := l.Sweep()
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, ttl, err := l.Get("fresh")
	require.NoError(t, err)
	require.Positive(t, ttl)
}
