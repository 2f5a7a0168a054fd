package indexcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/geom"
	"github.com/umr-dbs/cachemesh/internal/wire"
)

func rasterEntry(x1, y1, x2, y2 float64, size uint64) cacheentry.CacheEntry {
	cube := geom.NewQueryCube(geom.Cube3{
		X: geom.Interval{A: x1, B: x2}, Y: geom.Interval{A: y1, B: y2}, T: geom.Interval{A: 0, B: 1},
	}, geom.EPSGWebMercator, geom.TimeTypeUnix)
	return cacheentry.CacheEntry{
		Bounds: cacheentry.CacheCube{
			QueryCube: cube,
			Resolution: cacheentry.ResolutionInfo{
				ResType:        geom.ResolutionPixels,
				PixelScaleXRng: geom.Interval{A: 0, B: 100},
				PixelScaleYRng: geom.Interval{A: 0, B: 100},
			},
		},
		SizeBytes:   size,
		LastAccess:  time.Unix(1_700_000_000, 0),
		AccessCount: 1,
	}
}

func TestIndexCache_PutQueryFindsNode(t *testing.T) {
	c := New(cacheentry.CacheTypeRaster, CostLRU, CapacityStrategy{})
	c.Put("OP1 {SRC}", 1, 42, rasterEntry(0, 0, 10, 10, 100))

	result := c.Query("OP1 {SRC}", geom.QueryRectangle{
		EPSG: geom.EPSGWebMercator, X1: 0, Y1: 0, X2: 10, Y2: 10,
		TimeType: geom.TimeTypeUnix, T1: 0, T2: 1,
		ResType: geom.ResolutionPixels, XRes: 10, YRes: 10,
	})
	require.True(t, result.IsFullHit())
	assert.Equal(t, Key{NodeID: 1, EntryID: 42}, result.Keys[0])
}

func TestIndexCache_QueryMissOnUnknownSemanticID(t *testing.T) {
	c := New(cacheentry.CacheTypeRaster, CostLRU, CapacityStrategy{})
	result := c.Query("nope", geom.QueryRectangle{EPSG: geom.EPSGWebMercator, X2: 1, Y2: 1, T2: 1})
	assert.True(t, result.IsMiss())
}

func TestIndexCache_PurgeNode(t *testing.T) {
	c := New(cacheentry.CacheTypeRaster, CostLRU, CapacityStrategy{})
	c.Put("s", 1, 1, rasterEntry(0, 0, 10, 10, 100))
	c.Put("s", 2, 1, rasterEntry(0, 0, 10, 10, 100))
	c.PurgeNode(1)

	result := c.Query("s", geom.QueryRectangle{
		EPSG: geom.EPSGWebMercator, X1: 0, Y1: 0, X2: 10, Y2: 10,
		TimeType: geom.TimeTypeUnix, T1: 0, T2: 1,
		ResType: geom.ResolutionPixels, XRes: 10, YRes: 10,
	})
	require.Len(t, result.Keys, 1)
	assert.Equal(t, uint32(2), result.Keys[0].NodeID)
}

func TestCapacityStrategy_RequiresReorg(t *testing.T) {
	s := CapacityStrategy{}
	assert.True(t, s.RequiresReorg(map[uint32]NodeUsage{
		1: {NodeID: 1, UsedBytes: 90, CapacityBytes: 100},
		2: {NodeID: 2, UsedBytes: 10, CapacityBytes: 100},
	}))
	assert.False(t, s.RequiresReorg(map[uint32]NodeUsage{
		1: {NodeID: 1, UsedBytes: 55, CapacityBytes: 100},
		2: {NodeID: 2, UsedBytes: 45, CapacityBytes: 100},
	}))
}

func TestCapacityStrategy_PlanMovesFromOverflowToUnderflow(t *testing.T) {
	entries := []ScoredEntry{
		{Type: cacheentry.CacheTypeRaster, SemanticID: "s", Key: Key{NodeID: 1, EntryID: 1}, Entry: cacheentry.CacheEntry{SizeBytes: 50}, Score: 1},
		{Type: cacheentry.CacheTypeRaster, SemanticID: "s", Key: Key{NodeID: 1, EntryID: 2}, Entry: cacheentry.CacheEntry{SizeBytes: 30}, Score: 2},
	}
	usage := map[uint32]NodeUsage{
		1: {NodeID: 1, UsedBytes: 95, CapacityBytes: 100},
		2: {NodeID: 2, UsedBytes: 5, CapacityBytes: 100},
	}
	plan := CapacityStrategy{}.Plan(entries, usage)
	require.NotEmpty(t, plan.Moves)
	for _, m := range plan.Moves {
		assert.Equal(t, uint32(1), m.FromNodeID)
		assert.Equal(t, uint32(2), m.ToNodeID)
	}
}

func TestDEMAStrategy_AssignsNearestNode(t *testing.T) {
	s := NewDEMAStrategy()
	reqNear := wire.BaseRequest{Query: geom.QueryRectangle{X1: 0, Y1: 0, X2: 2, Y2: 2}}
	reqFar := wire.BaseRequest{Query: geom.QueryRectangle{X1: 100, Y1: 100, X2: 102, Y2: 102}}

	s.centers[1] = center{x: 1, y: 1}
	s.centers[2] = center{x: 101, y: 101}

	assert.Equal(t, uint32(1), s.NodeForJob(reqNear, []uint32{1, 2}))
	assert.Equal(t, uint32(2), s.NodeForJob(reqFar, []uint32{1, 2}))
}
