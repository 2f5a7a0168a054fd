package workerctrl

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/config"
	"github.com/umr-dbs/cachemesh/internal/deliverymgr"
	"github.com/umr-dbs/cachemesh/internal/observability"
	"github.com/umr-dbs/cachemesh/internal/payload"
	"github.com/umr-dbs/cachemesh/internal/puzzle"
	"github.com/umr-dbs/cachemesh/internal/wire"
	"github.com/umr-dbs/cachemesh/internal/workerstore"
)

func testFetcher() *puzzle.DialFetcher {
	return puzzle.NewDialFetcher(
		config.BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxElapsedTime: 50 * time.Millisecond},
		config.BreakerConfig{FailureThreshold: 3, ResetTimeout: 50 * time.Millisecond, HalfOpenMax: 1},
		observability.NewNoopLogger(), observability.NewNoopMetricsClient(),
	)
}

func testStore() *workerstore.Store {
	logger := observability.NewNoopLogger()
	deliveries := deliverymgr.New(deliverymgr.WithLogger(logger))
	return workerstore.New(workerstore.Capacities{cacheentry.CacheTypeRaster: 1 << 20}, deliveries, logger, observability.NewNoopMetricsClient())
}

// serveOneMove answers a single CMD_MOVE_ITEM with data, then expects CMD_MOVE_DONE.
func serveOneMove(t *testing.T, ln net.Listener, data []byte) {
	t.Helper()
	c, err := ln.Accept()
	require.NoError(t, err)
	defer c.Close()

	m, err := wire.ReadMagic(c)
	require.NoError(t, err)
	require.Equal(t, wire.MagicDelivery, m)

	code, _, err := wire.ReadFrame(c)
	require.NoError(t, err)
	require.Equal(t, wire.CmdMoveItem, code)

	raster := wire.NewEncoder()
	payload.RasterData{Pixels: data}.Encode(raster)
	item := wire.CacheItemPayload{Entry: cacheentry.MetaCacheEntry{Entry: cacheentry.CacheEntry{SizeBytes: uint64(len(data))}}, Data: raster.Bytes()}
	e := wire.NewEncoder()
	item.Encode(e)
	require.NoError(t, wire.WriteFrame(c, wire.RespMoveInfo, e.Bytes()))

	code, _, err = wire.ReadFrame(c)
	require.NoError(t, err)
	require.Equal(t, wire.CmdMoveDone, code)
}

func TestListener_HandshakeAndReorgMove(t *testing.T) {
	donorLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer donorLn.Close()
	go serveOneMove(t, donorLn, []byte("moved-bytes"))

	store := testStore()
	var announcedID uint32
	l := New(9100, store, testFetcher(), observability.NewNoopLogger(),
		func() wire.NodeStats { return store.NodeStats(announcedID) },
		func(id uint32) { announcedID = id },
	)

	indexSide, workerSide := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.handleConn(ctx, workerSide) }()

	require.NoError(t, wire.WriteMagic(indexSide, wire.MagicControl))
	e := wire.NewEncoder()
	wire.HelloRequest{NodeID: 7, Hostname: "index"}.Encode(e)
	require.NoError(t, wire.WriteFrame(indexSide, wire.CmdHello, e.Bytes()))

	code, body, err := wire.ReadFrame(indexSide)
	require.NoError(t, err)
	require.Equal(t, wire.RespHello, code)
	hs := wire.DecodeNodeHandshake(wire.NewDecoder(body))
	assert.Equal(t, uint16(9100), hs.Port)
	assert.Equal(t, uint32(7), announcedID)

	donorHost, donorPortStr, err := net.SplitHostPort(donorLn.Addr().String())
	require.NoError(t, err)
	donorPort, err := strconv.Atoi(donorPortStr)
	require.NoError(t, err)

	desc := wire.ReorgDescription{
		Moves: []wire.ReorgMoveItem{
			{Type: cacheentry.CacheTypeRaster, SemanticID: "sem", EntryID: 1, FromNodeID: 3, FromHost: donorHost, FromPort: uint16(donorPort)},
		},
	}
	e = wire.NewEncoder()
	desc.Encode(e)
	require.NoError(t, wire.WriteFrame(indexSide, wire.CmdReorg, e.Bytes()))

	code, body, err = wire.ReadFrame(indexSide)
	require.NoError(t, err)
	require.Equal(t, wire.RespReorgItemMoved, code)
	result := wire.DecodeReorgMoveResult(wire.NewDecoder(body))
	assert.True(t, result.Success)
	assert.Equal(t, uint32(3), result.FromNodeID)

	code, _, err = wire.ReadFrame(indexSide)
	require.NoError(t, err)
	assert.Equal(t, wire.RespReorgDone, code)

	got, err := store.Raster.Get(cacheentry.TypedNodeCacheKey{Type: cacheentry.CacheTypeRaster, SemanticID: "sem", EntryID: 1})
	require.NoError(t, err)
	assert.Equal(t, []byte("moved-bytes"), got.Pixels)

	cancel()
	indexSide.Close()
	<-done
}

func TestListener_StatsRequest(t *testing.T) {
	store := testStore()
	_, err := store.Raster.Put("sem", payload.RasterData{Pixels: []byte("xyz")}, 3, cacheentry.ProfilingData{}, cacheentry.CacheCube{})
	require.NoError(t, err)

	l := New(9100, store, testFetcher(), observability.NewNoopLogger(),
		func() wire.NodeStats { return store.NodeStats(42) },
		func(uint32) {},
	)

	indexSide, workerSide := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.handleConn(ctx, workerSide) }()

	require.NoError(t, wire.WriteMagic(indexSide, wire.MagicControl))
	e := wire.NewEncoder()
	wire.HelloRequest{NodeID: 1, Hostname: "index"}.Encode(e)
	require.NoError(t, wire.WriteFrame(indexSide, wire.CmdHello, e.Bytes()))

	code, _, err := wire.ReadFrame(indexSide)
	require.NoError(t, err)
	require.Equal(t, wire.RespHello, code)

	require.NoError(t, wire.WriteFrame(indexSide, wire.CmdStatsRequest, nil))
	code, body, err := wire.ReadFrame(indexSide)
	require.NoError(t, err)
	require.Equal(t, wire.RespNodeStats, code)
	stats := wire.DecodeNodeStats(wire.NewDecoder(body))
	assert.Equal(t, uint32(42), stats.NodeID)

	cancel()
	indexSide.Close()
	<-done
}
