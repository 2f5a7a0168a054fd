package workerstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/deliverymgr"
	"github.com/umr-dbs/cachemesh/internal/observability"
	"github.com/umr-dbs/cachemesh/internal/payload"
	"github.com/umr-dbs/cachemesh/internal/wire"
)

func testStore() *Store {
	caps := Capacities{
		cacheentry.CacheTypeRaster: 1 << 20,
		cacheentry.CacheTypePlot:   1 << 20,
	}
	return New(caps, deliverymgr.New(), observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func TestFetchCachedItem_RasterRoundTrips(t *testing.T) {
	s := testStore()
	meta, err := s.Raster.Put("sem-1", payload.RasterData{Width: 2, Height: 2, BytesPerPixel: 1, Pixels: []byte{1, 2, 3, 4}}, 4, cacheentry.ProfilingData{}, cacheentry.CacheCube{})
	require.NoError(t, err)

	item, err := s.FetchCachedItem(meta.Key)
	require.NoError(t, err)
	assert.Equal(t, meta.Key, item.Entry.Key)
	assert.NotEmpty(t, item.Data)

	decoded := payload.DecodeRasterData(wire.NewDecoder(item.Data))
	assert.EqualValues(t, 2, decoded.Width)
	assert.Equal(t, []byte{1, 2, 3, 4}, decoded.Pixels)
}

func TestFetchCachedItem_UnknownKey_ReturnsError(t *testing.T) {
	s := testStore()
	_, err := s.FetchCachedItem(cacheentry.TypedNodeCacheKey{Type: cacheentry.CacheTypeRaster, SemanticID: "nope", EntryID: 1})
	assert.Error(t, err)
}

func TestPrepareMoveThenConfirmMove_RemovesLocalCopy(t *testing.T) {
	s := testStore()
	meta, err := s.Plot.Put("sem-1", payload.PlotData{Data: []byte("png")}, 3, cacheentry.ProfilingData{}, cacheentry.CacheCube{})
	require.NoError(t, err)

	_, err = s.PrepareMove(meta.Key)
	require.NoError(t, err)

	require.NoError(t, s.ConfirmMove(meta.Key))
	_, err = s.FetchCachedItem(meta.Key)
	assert.Error(t, err)
}

func TestFetchDelivery_ForwardsToDeliveryManager(t *testing.T) {
	dm := deliverymgr.New()
	id := dm.Add([]byte("result"), 1)
	s := New(Capacities{}, dm, observability.NewNoopLogger(), observability.NewNoopMetricsClient())

	payloadOut, err := s.FetchDelivery(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("result"), payloadOut.Data)
}

func TestStats_ReportsFiveTypes(t *testing.T) {
	s := testStore()
	stats := s.Stats()
	require.Len(t, stats, 5)
}
