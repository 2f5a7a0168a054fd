package puzzle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/geom"
	"github.com/umr-dbs/cachemesh/internal/payload"
	"github.com/umr-dbs/cachemesh/internal/wire"
)

type fakeRasterStore struct {
	values map[uint64]payload.RasterData
}

func (f *fakeRasterStore) Get(key cacheentry.TypedNodeCacheKey) (*payload.RasterData, error) {
	v, ok := f.values[key.EntryID]
	if !ok {
		return nil, assert.AnError
	}
	return &v, nil
}

func (f *fakeRasterStore) Meta(key cacheentry.TypedNodeCacheKey) (cacheentry.CacheEntry, bool) {
	return cacheentry.CacheEntry{}, false
}

type fakeRasterEngine struct {
	raster payload.RasterData
}

func (f fakeRasterEngine) Compute(ctx context.Context, semanticID string, query geom.QueryRectangle, profiler *Profiler) (payload.RasterData, error) {
	return f.raster, nil
}

func TestExecutor_Run_PuzzlesLocalPieceAndRemainder(t *testing.T) {
	local := &fakeRasterStore{values: map[uint64]payload.RasterData{
		1: solidRaster(0, 0, 2, 2, 1),
	}}
	self := fakeSelfLocator{selfHost: "127.0.0.1", selfPort: 9000}
	retriever := NewRetriever[payload.RasterData](cacheentry.CacheTypeRaster, local, self, fakeRemoteFetcher{}, payload.DecodeRasterData)
	engine := fakeRasterEngine{raster: solidRaster(2, 0, 2, 2, 2)}
	ex := NewExecutor[payload.RasterData](retriever, engine, RasterAssembler{})

	req := wire.PuzzleRequest{
		BaseRequest: wire.BaseRequest{
			Type:       cacheentry.CacheTypeRaster,
			SemanticID: "sem",
			Query: geom.QueryRectangle{
				X1: 0, Y1: 0, X2: 4, Y2: 2, ResType: geom.ResolutionPixels, XRes: 4, YRes: 2,
			},
		},
		Parts: []wire.CacheRef{
			{Host: "127.0.0.1", Port: 9000, EntryID: 1, Bounds: cacheentry.CacheCube{
				QueryCube: geom.NewQueryCube(geom.Cube3{
					X: geom.Interval{A: 0, B: 2}, Y: geom.Interval{A: 0, B: 2}, T: geom.Interval{A: 0, B: 1},
				}, 0, 0),
			}},
		},
		Remainder: []geom.Cube3{
			{X: geom.Interval{A: 2, B: 4}, Y: geom.Interval{A: 0, B: 2}, T: geom.Interval{A: 0, B: 1}},
		},
	}

	var profiler Profiler
	out, _, err := ex.Run(context.Background(), req, &RasterRef{ScaleX: 1, ScaleY: 1}, &profiler)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), out.Width)
	assert.Equal(t, byte(1), out.Pixels[0])
	assert.Equal(t, byte(2), out.Pixels[2])
}

func TestExecutor_Run_NoPiecesFallsBackToFullCompute(t *testing.T) {
	local := &fakeRasterStore{values: map[uint64]payload.RasterData{}}
	self := fakeSelfLocator{selfHost: "127.0.0.1", selfPort: 9000}
	retriever := NewRetriever[payload.RasterData](cacheentry.CacheTypeRaster, local, self, fakeRemoteFetcher{}, payload.DecodeRasterData)
	want := solidRaster(0, 0, 2, 2, 9)
	engine := fakeRasterEngine{raster: want}
	ex := NewExecutor[payload.RasterData](retriever, engine, RasterAssembler{})

	req := wire.PuzzleRequest{
		BaseRequest: wire.BaseRequest{
			Type:       cacheentry.CacheTypeRaster,
			SemanticID: "sem",
			Query:      geom.QueryRectangle{X1: 0, Y1: 0, X2: 2, Y2: 2, ResType: geom.ResolutionPixels, XRes: 2, YRes: 2},
		},
	}

	var profiler Profiler
	out, _, err := ex.Run(context.Background(), req, &RasterRef{ScaleX: 1, ScaleY: 1}, &profiler)
	require.NoError(t, err)
	assert.Equal(t, want, out)
}

func TestExecutor_Run_ReturnsEnlargedBbox(t *testing.T) {
	local := &fakeRasterStore{values: map[uint64]payload.RasterData{
		1: solidRaster(0, 0, 2, 2, 1),
	}}
	self := fakeSelfLocator{selfHost: "127.0.0.1", selfPort: 9000}
	retriever := NewRetriever[payload.RasterData](cacheentry.CacheTypeRaster, local, self, fakeRemoteFetcher{}, payload.DecodeRasterData)
	engine := fakeRasterEngine{raster: solidRaster(0, 0, 2, 2, 2)}
	ex := NewExecutor[payload.RasterData](retriever, engine, RasterAssembler{})

	req := wire.PuzzleRequest{
		BaseRequest: wire.BaseRequest{
			Type:       cacheentry.CacheTypeRaster,
			SemanticID: "sem",
			Query:      geom.QueryRectangle{X1: 0, Y1: 0, X2: 2, Y2: 2, ResType: geom.ResolutionPixels, XRes: 2, YRes: 2},
		},
		Parts: []wire.CacheRef{
			{Host: "127.0.0.1", Port: 9000, EntryID: 1, Bounds: cacheentry.CacheCube{
				QueryCube: geom.NewQueryCube(geom.Cube3{
					X: geom.Interval{A: -2, B: 2}, Y: geom.Interval{A: 0, B: 2}, T: geom.Interval{A: 0, B: 1},
				}, 0, 0),
			}},
		},
	}

	var profiler Profiler
	_, bbox, err := ex.Run(context.Background(), req, &RasterRef{ScaleX: 1, ScaleY: 1}, &profiler)
	require.NoError(t, err)
	assert.Equal(t, -2.0, bbox.X.A, "bbox must reflect the piece's wider extent, not req.Query's narrower [0,2]")
}
