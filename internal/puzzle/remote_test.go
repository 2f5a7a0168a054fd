package puzzle

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/config"
	"github.com/umr-dbs/cachemesh/internal/observability"
	"github.com/umr-dbs/cachemesh/internal/wire"
)

func testBackoff() config.BackoffConfig {
	return config.BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxElapsedTime: 100 * time.Millisecond}
}

func testBreaker() config.BreakerConfig {
	return config.BreakerConfig{FailureThreshold: 3, ResetTimeout: 50 * time.Millisecond, HalfOpenMax: 1}
}

// serveOneCachedItem accepts a single delivery connection, reads the magic
// and one CMD_GET_CACHED_ITEM frame, and replies with a canned item.
func serveOneCachedItem(t *testing.T, ln net.Listener, data []byte) {
	t.Helper()
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	_, err = wire.ReadMagic(conn)
	require.NoError(t, err)

	code, payload, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.CmdGetCachedItem, code)
	_ = wire.DecodeTypedKey(wire.NewDecoder(payload))

	item := wire.CacheItemPayload{
		Entry: cacheentry.MetaCacheEntry{Entry: cacheentry.CacheEntry{Profile: cacheentry.ProfilingData{CPUCostMS: 1}}},
		Data:  data,
	}
	e := wire.NewEncoder()
	item.Encode(e)
	require.NoError(t, wire.WriteFrame(conn, wire.RespCacheItem, e.Bytes()))
}

func TestDialFetcher_FetchCachedItem(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go serveOneCachedItem(t, ln, []byte("payload-bytes"))

	f := NewDialFetcher(testBackoff(), testBreaker(), observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	addr := ln.Addr().(*net.TCPAddr)
	item, err := f.FetchCachedItem(context.Background(), "127.0.0.1", uint16(addr.Port), cacheentry.TypedNodeCacheKey{EntryID: 7})
	require.NoError(t, err)
	assert.Equal(t, []byte("payload-bytes"), item.Data)
	assert.Equal(t, 1.0, item.Entry.Entry.Profile.CPUCostMS)
}

func TestDialFetcher_DialFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := NewDialFetcher(testBackoff(), testBreaker(), observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	_, err := f.FetchCachedItem(context.Background(), "127.0.0.1", 1, cacheentry.TypedNodeCacheKey{EntryID: 1})
	assert.Error(t, err)
}
