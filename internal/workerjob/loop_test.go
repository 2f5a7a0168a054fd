package workerjob

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/deliverymgr"
	"github.com/umr-dbs/cachemesh/internal/geom"
	"github.com/umr-dbs/cachemesh/internal/observability"
	"github.com/umr-dbs/cachemesh/internal/payload"
	"github.com/umr-dbs/cachemesh/internal/puzzle"
	"github.com/umr-dbs/cachemesh/internal/wire"
	"github.com/umr-dbs/cachemesh/internal/workerstore"
)

type pipeSelfLocator struct{}

func (pipeSelfLocator) IsSelf(host string, port uint16) bool { return true }

func newTestLoop(t *testing.T, renderedPixels int) (*Loop, net.Conn) {
	t.Helper()
	serverSide, workerSide := net.Pipe()

	logger := observability.NewNoopLogger()
	deliveries := deliverymgr.New(deliverymgr.WithLogger(logger))
	store := workerstore.New(workerstore.Capacities{cacheentry.CacheTypeRaster: 1 << 20}, deliveries, logger, observability.NewNoopMetricsClient())

	retriever := puzzle.NewRetriever[payload.RasterData](cacheentry.CacheTypeRaster, store.Raster, pipeSelfLocator{}, nil, payload.DecodeRasterData)
	engine := NewSyntheticEngine(func(semanticID string, qr geom.QueryRectangle) payload.RasterData {
		return payload.RasterData{Width: 1, Height: 1, Pixels: make([]byte, renderedPixels)}
	})
	executor := puzzle.NewExecutor[payload.RasterData](retriever, engine, puzzle.RasterAssembler{Logger: logger})
	raster := &puzzle.RasterRef{ScaleX: 1, ScaleY: 1}

	loop := NewLoop(workerSide, 1, store, deliveries, executor, raster, logger)
	return loop, serverSide
}

func TestLoop_Run_CreateThenDelivery(t *testing.T) {
	loop, server := newTestLoop(t, 10)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	req := wire.BaseRequest{
		Type: cacheentry.CacheTypeRaster, SemanticID: "sem",
		Query: geom.QueryRectangle{X1: 0, Y1: 0, X2: 1, Y2: 1, ResType: geom.ResolutionPixels, XRes: 1, YRes: 1},
	}
	e := wire.NewEncoder()
	req.Encode(e)
	require.NoError(t, wire.WriteFrame(server, wire.CmdCreate, e.Bytes()))

	code, body, err := wire.ReadFrame(server)
	require.NoError(t, err)
	require.Equal(t, wire.RespNewCacheEntry, code)
	meta := wire.DecodeMetaCacheEntryMsg(wire.NewDecoder(body))
	assert.Equal(t, uint64(10), meta.Entry.SizeBytes)

	code, _, err = wire.ReadFrame(server)
	require.NoError(t, err)
	require.Equal(t, wire.RespResultReady, code)

	qtyOut := wire.NewEncoder()
	qtyOut.U32(1)
	require.NoError(t, wire.WriteFrame(server, wire.RespDeliveryQty, qtyOut.Bytes()))

	code, body, err = wire.ReadFrame(server)
	require.NoError(t, err)
	require.Equal(t, wire.RespDeliveryReady, code)
	deliveryID := wire.NewDecoder(body).U64()
	assert.NotZero(t, deliveryID)

	cancel()
	server.Close()
	<-done
}

func TestLoop_Run_DeliverRequest(t *testing.T) {
	loop, server := newTestLoop(t, 4)
	defer server.Close()

	meta, err := loop.store.Raster.Put("sem", payload.RasterData{Pixels: []byte("abcd")}, 4, puzzleZeroCost(), cacheentry.CacheCube{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	req := wire.DeliveryRequest{
		BaseRequest: wire.BaseRequest{Type: cacheentry.CacheTypeRaster, SemanticID: "sem"},
		EntryID:     meta.EntryID,
	}
	e := wire.NewEncoder()
	req.Encode(e)
	require.NoError(t, wire.WriteFrame(server, wire.CmdDeliver, e.Bytes()))

	code, _, err := wire.ReadFrame(server)
	require.NoError(t, err)
	require.Equal(t, wire.RespResultReady, code)

	qtyOut := wire.NewEncoder()
	qtyOut.U32(1)
	require.NoError(t, wire.WriteFrame(server, wire.RespDeliveryQty, qtyOut.Bytes()))

	code, body, err := wire.ReadFrame(server)
	require.NoError(t, err)
	require.Equal(t, wire.RespDeliveryReady, code)
	deliveryID := wire.NewDecoder(body).U64()

	delivered, err := loop.deliveries.FetchDelivery(deliveryID)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), payload.DecodeRasterData(wire.NewDecoder(delivered.Data)).Pixels)

	cancel()
	server.Close()
	<-done
}

func TestLoop_Run_UnsupportedTypeSendsError(t *testing.T) {
	loop, server := newTestLoop(t, 1)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	req := wire.BaseRequest{Type: cacheentry.CacheTypePoints, SemanticID: "sem"}
	e := wire.NewEncoder()
	req.Encode(e)
	require.NoError(t, wire.WriteFrame(server, wire.CmdCreate, e.Bytes()))

	code, _, err := wire.ReadFrame(server)
	require.NoError(t, err)
	assert.Equal(t, wire.RespError, code)

	cancel()
	server.Close()
	<-done
}

func puzzleZeroCost() cacheentry.ProfilingData { return cacheentry.ProfilingData{} }
