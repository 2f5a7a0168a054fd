package workerjob

import (
	"context"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/experiment"
	"github.com/umr-dbs/cachemesh/internal/geom"
	"github.com/umr-dbs/cachemesh/internal/payload"
	"github.com/umr-dbs/cachemesh/internal/puzzle"
)

// rasterCostPerByte approximates a freshly rendered tile's CPU cost for
// profiling, matching the proportional sizing experiment.estimateCost uses
// for the in-process harness.
const rasterCostPerByte = 1.0 / 50_000

// SyntheticEngine adapts an experiment.ComputeFunc into a
// puzzle.ComputeEngine[payload.RasterData], folding a size-proportional cost
// into the profiler the same way the in-process harness estimates one. It
// stands in for the real operator graph a worker node would otherwise run a
// remainder query through.
type SyntheticEngine struct {
	Fn experiment.ComputeFunc
}

// NewSyntheticEngine wraps fn as a ComputeEngine.
func NewSyntheticEngine(fn experiment.ComputeFunc) SyntheticEngine {
	return SyntheticEngine{Fn: fn}
}

// Compute implements puzzle.ComputeEngine[payload.RasterData].
func (s SyntheticEngine) Compute(ctx context.Context, semanticID string, query geom.QueryRectangle, profiler *puzzle.Profiler) (payload.RasterData, error) {
	if err := ctx.Err(); err != nil {
		return payload.RasterData{}, err
	}
	v := s.Fn(semanticID, query)
	profiler.AddPieceCost(cacheentry.ProfilingData{CPUCostMS: float64(len(v.Pixels)) * rasterCostPerByte})
	return v, nil
}
