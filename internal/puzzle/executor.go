package puzzle

import (
	"context"

	"github.com/umr-dbs/cachemesh/internal/geom"
	"github.com/umr-dbs/cachemesh/internal/wire"
)

// ComputeEngine runs a remainder query end to end and returns the typed
// result, folding its own cost into profiler. Satisfied by the operator
// graph the compute side of a worker node runs its queries through.
type ComputeEngine[T any] interface {
	Compute(ctx context.Context, semanticID string, query geom.QueryRectangle, profiler *Profiler) (T, error)
}

// Assembler knows a value's spatial/temporal envelope and how to merge a
// set of values covering bbox into one result.
type Assembler[T any] interface {
	Bounds(v T) geom.Cube3
	Puzzle(bbox geom.Cube3, items []T) (T, error)
}

// Executor drives one PuzzleRequest for a single CacheType: fetch every
// named piece (local or remote), compute every remainder, enlarge the
// result bounds past the query where pieces allow it, and hand everything
// to the assembler.
type Executor[T any] struct {
	retriever *Retriever[T]
	engine    ComputeEngine[T]
	assembler Assembler[T]
}

// NewExecutor constructs an Executor.
func NewExecutor[T any](retriever *Retriever[T], engine ComputeEngine[T], assembler Assembler[T]) *Executor[T] {
	return &Executor[T]{retriever: retriever, engine: engine, assembler: assembler}
}

// RasterRef carries the pixel-grid parameters BuildRasterRemainders needs
// to snap remainder cubes onto the result's pixel grid. Only meaningful
// when req.Type's in-memory shape is payload.RasterData; zero value is
// ignored otherwise.
type RasterRef struct {
	OriginX, OriginY float64
	ScaleX, ScaleY   float64
}

// Run fetches req's parts, computes its remainder, and puzzles everything
// into one result covering the enlarged bounding box. The returned Cube3 is
// that actual enlarged bbox the result was assembled over — callers that
// persist or advertise the result's extent (e.g. a cache entry's bounds)
// must use it instead of req.Query, since bbox can legitimately be larger.
func (ex *Executor[T]) Run(ctx context.Context, req wire.PuzzleRequest, raster *RasterRef, profiler *Profiler) (T, geom.Cube3, error) {
	var zero T

	items := make([]T, 0, len(req.Parts)+len(req.Remainder))
	pieceCubes := make([]geom.Cube3, 0, len(req.Parts)+len(req.Remainder))

	for _, ref := range req.Parts {
		v, err := ex.retriever.Fetch(ctx, req.SemanticID, ref, profiler)
		if err != nil {
			return zero, geom.Cube3{}, err
		}
		items = append(items, v)
		pieceCubes = append(pieceCubes, ref.Bounds.Cube3)
	}

	var remainderQueries []geom.QueryRectangle
	if raster != nil {
		remainderQueries = BuildRasterRemainders(req.Query, req.Remainder, raster.OriginX, raster.OriginY, raster.ScaleX, raster.ScaleY)
	} else {
		remainderQueries = BuildNonRasterRemainders(req.Query, req.Remainder)
	}

	for _, rq := range remainderQueries {
		v, err := ex.engine.Compute(ctx, req.SemanticID, rq, profiler)
		if err != nil {
			return zero, geom.Cube3{}, err
		}
		items = append(items, v)
		pieceCubes = append(pieceCubes, rq.Cube())
	}

	if len(items) == 0 {
		v, err := ex.engine.Compute(ctx, req.SemanticID, req.Query, profiler)
		return v, req.Query.Cube(), err
	}

	bbox := EnlargeBounds(req.Query.Cube(), pieceCubes)
	result, err := ex.assembler.Puzzle(bbox, items)
	return result, bbox, err
}
