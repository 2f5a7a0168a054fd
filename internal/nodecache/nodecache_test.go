package nodecache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/cacheerrors"
	"github.com/umr-dbs/cachemesh/internal/geom"
)

func rasterCube(t *testing.T) cacheentry.CacheCube {
	t.Helper()
	cube := geom.Cube3{X: geom.Interval{A: 0, B: 10}, Y: geom.Interval{A: 0, B: 10}, T: geom.Interval{A: 0, B: 1}}
	return cacheentry.CacheCube{QueryCube: geom.NewQueryCube(cube, geom.EPSGWebMercator, geom.TimeTypeUnix)}
}

func TestNodeCache_PutAssignsMonotonicIDs(t *testing.T) {
	c := New[[]byte](cacheentry.CacheTypeRaster, 1<<20)

	e1, err := c.Put("sid-1", []byte("a"), 1, cacheentry.ProfilingData{}, rasterCube(t))
	require.NoError(t, err)
	e2, err := c.Put("sid-1", []byte("b"), 1, cacheentry.ProfilingData{}, rasterCube(t))
	require.NoError(t, err)

	assert.Less(t, e1.Key.EntryID, e2.Key.EntryID)
}

func TestNodeCache_CapacityExceeded(t *testing.T) {
	c := New[[]byte](cacheentry.CacheTypeRaster, 100)

	_, err := c.Put("sid-1", []byte("x"), 90, cacheentry.ProfilingData{}, rasterCube(t))
	require.NoError(t, err)

	_, err = c.Put("sid-1", []byte("y"), 30, cacheentry.ProfilingData{}, rasterCube(t))
	require.ErrorIs(t, err, cacheerrors.ErrCapacityExceeded)
	assert.EqualValues(t, 1, c.lostPuts.Load())
}

func TestNodeCache_GetTracksAccessAndStats(t *testing.T) {
	c := New[[]byte](cacheentry.CacheTypeRaster, 1<<20)
	entry, err := c.Put("sid-1", []byte("payload"), 7, cacheentry.ProfilingData{}, rasterCube(t))
	require.NoError(t, err)

	data, err := c.Get(entry.Key)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), *data)

	stats := c.GetStats()
	require.Len(t, stats.ByEntry["sid-1"], 1)
	assert.EqualValues(t, entry.Key.EntryID, stats.ByEntry["sid-1"][0].EntryID)
	assert.EqualValues(t, 7, stats.UsedBytes)

	// A second GetStats call without any intervening access drains nothing.
	empty := c.GetStats()
	assert.Empty(t, empty.ByEntry)
}

func TestNodeCache_RemoveUnknownKey(t *testing.T) {
	c := New[[]byte](cacheentry.CacheTypeRaster, 1<<20)
	err := c.Remove(cacheentry.TypedNodeCacheKey{SemanticID: "nope", EntryID: 1})
	require.ErrorIs(t, err, cacheerrors.ErrNoSuchEntry)
}

func TestNodeCache_RemoveAdjustsSize(t *testing.T) {
	c := New[[]byte](cacheentry.CacheTypeRaster, 1<<20)
	entry, err := c.Put("sid-1", []byte("x"), 42, cacheentry.ProfilingData{}, rasterCube(t))
	require.NoError(t, err)
	require.EqualValues(t, 42, c.CurrentSize())

	require.NoError(t, c.Remove(entry.Key))
	assert.EqualValues(t, 0, c.CurrentSize())

	_, err = c.Get(entry.Key)
	require.ErrorIs(t, err, cacheerrors.ErrNoSuchEntry)
}

func TestNodeCache_QueryMissOnUnknownSemanticID(t *testing.T) {
	c := New[[]byte](cacheentry.CacheTypeRaster, 1<<20)
	q := geom.QueryRectangle{EPSG: geom.EPSGWebMercator, X1: 0, Y1: 0, X2: 10, Y2: 10, TimeType: geom.TimeTypeUnix, T1: 0, T2: 1}
	res := c.Query("unknown", q)
	assert.True(t, res.IsMiss())
}

func TestNodeCache_WithClock(t *testing.T) {
	fixed := time.Unix(1000, 0)
	c := New[[]byte](cacheentry.CacheTypeRaster, 1<<20, WithClock[[]byte](func() time.Time { return fixed }))
	entry, err := c.Put("sid-1", []byte("x"), 1, cacheentry.ProfilingData{}, rasterCube(t))
	require.NoError(t, err)
	meta, ok := c.EntryMetadata(entry.Key)
	require.True(t, ok)
	assert.Equal(t, fixed, meta.LastAccess)
}
