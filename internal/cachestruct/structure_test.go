package cachestruct

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/geom"
)

func pixelCube(t *testing.T, x1, y1, x2, y2, t1, t2, scale float64) cacheentry.CacheCube {
	t.Helper()
	cube := geom.Cube3{
		X: geom.Interval{A: x1, B: x2},
		Y: geom.Interval{A: y1, B: y2},
		T: geom.Interval{A: t1, B: t2},
	}
	return cacheentry.CacheCube{
		QueryCube: geom.NewQueryCube(cube, geom.EPSGWebMercator, geom.TimeTypeUnix),
		Resolution: cacheentry.ResolutionInfo{
			ResType:        geom.ResolutionPixels,
			PixelScaleXRng: geom.Interval{A: scale, B: scale},
			PixelScaleYRng: geom.Interval{A: scale, B: scale},
			PixelScaleX:    scale,
			PixelScaleY:    scale,
		},
	}
}

func pixelQuery(x1, y1, x2, y2, t1, t2 float64, xres, yres uint32) geom.QueryRectangle {
	return geom.QueryRectangle{
		EPSG: geom.EPSGWebMercator, X1: x1, Y1: y1, X2: x2, Y2: y2,
		TimeType: geom.TimeTypeUnix, T1: t1, T2: t2,
		ResType: geom.ResolutionPixels, XRes: xres, YRes: yres,
	}
}

func TestQuery_MissOnEmptyStructure(t *testing.T) {
	s := New[uint64]()
	q := pixelQuery(0, 0, 45, 45, 100, 101, 256, 256)
	res := s.Query(q)
	assert.True(t, res.IsMiss())
	require.Len(t, res.Remainder, 1)
}

func TestQuery_FullHit(t *testing.T) {
	s := New[uint64]()
	bounds := pixelCube(t, 0, 0, 45, 45, 100, 101, 45.0/256)
	s.Put(1, cacheentry.CacheEntry{Bounds: bounds, SizeBytes: 100, LastAccess: time.Now()})

	q := pixelQuery(0, 0, 45, 45, 100, 101, 256, 256)
	res := s.Query(q)
	require.Len(t, res.Keys, 1)
	assert.Equal(t, uint64(1), res.Keys[0])
	assert.Empty(t, res.Remainder)
}

func TestQuery_PuzzleAcrossTwoTiles(t *testing.T) {
	s := New[uint64]()
	scale := 45.0 / 256
	a := pixelCube(t, 0, 0, 45, 45, 100, 101, scale)
	b := pixelCube(t, 45, 0, 90, 45, 100, 101, scale)
	s.Put(1, cacheentry.CacheEntry{Bounds: a, LastAccess: time.Now()})
	s.Put(2, cacheentry.CacheEntry{Bounds: b, LastAccess: time.Now()})

	q := pixelQuery(0, 0, 90, 45, 100, 101, 512, 256)
	res := s.Query(q)

	assert.ElementsMatch(t, []uint64{1, 2}, res.Keys)
	assert.Empty(t, res.Remainder)
}

func TestQuery_RemainderWithPixelSnap(t *testing.T) {
	s := New[uint64]()
	scale := 45.0 / 450 // 0.1
	a := pixelCube(t, 0, 0, 45, 500, 100, 101, scale)
	s.Put(1, cacheentry.CacheEntry{Bounds: a, LastAccess: time.Now()})

	q := pixelQuery(0, 0, 50, 500, 100, 101, 500, 5000)
	res := s.Query(q)

	require.Len(t, res.Keys, 1)
	require.Len(t, res.Remainder, 1)
	rem := res.Remainder[0]
	assert.InDelta(t, 45.0, rem.X.A, 1e-9)
	assert.InDelta(t, 50.0, rem.X.B, 1e-9)
}

func TestQuery_LowCoverageIsMiss(t *testing.T) {
	s := New[uint64]()
	scale := 1.0
	tiny := pixelCube(t, 0, 0, 1, 1, 100, 101, scale)
	s.Put(1, cacheentry.CacheEntry{Bounds: tiny, LastAccess: time.Now()})

	q := pixelQuery(0, 0, 100, 100, 100, 101, 100, 100)
	res := s.Query(q)
	assert.True(t, res.IsMiss())
}

func TestCacheAccounting_PutRemove(t *testing.T) {
	s := New[uint64]()
	s.Put(1, cacheentry.CacheEntry{SizeBytes: 10})
	s.Put(2, cacheentry.CacheEntry{SizeBytes: 20})
	assert.EqualValues(t, 30, s.Size())

	_, ok := s.Remove(1)
	require.True(t, ok)
	assert.EqualValues(t, 20, s.Size())
}
