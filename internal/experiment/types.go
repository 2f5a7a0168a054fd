// Package experiment drives configurable cache workloads against an
// in-process node/worker harness and records hit/miss/latency statistics
// per strategy, the Go analogue of the original project's standalone
// experiment binary.
package experiment

import (
	"fmt"
	"math/rand"

	"github.com/umr-dbs/cachemesh/internal/geom"
)

// QuerySpec describes one workload: the spatial/temporal universe a
// workload's queries are drawn from, and the pixel resolution they
// request. Mirrors the original's QuerySpec minus the GenericOperator
// workflow graph, which this rework has no analogue for.
type QuerySpec struct {
	Name        string
	EPSG        geom.EPSG
	Bounds      geom.Cube3
	XRes, YRes  uint32
	SemanticID  string
}

// QTriple names one query against one semantic id, the unit a workload
// feeds to the harness.
type QTriple struct {
	SemanticID string
	Query      geom.QueryRectangle
}

// RandomRectangle draws a uniformly random window of side extend*(bounds
// side) from within spec.Bounds, keeping the full configured time span.
func (s QuerySpec) RandomRectangle(rng *rand.Rand, extend float64) geom.QueryRectangle {
	width := (s.Bounds.X.B - s.Bounds.X.A) * extend
	height := (s.Bounds.Y.B - s.Bounds.Y.A) * extend
	x1 := s.Bounds.X.A + rng.Float64()*(s.Bounds.X.B-s.Bounds.X.A-width)
	y1 := s.Bounds.Y.A + rng.Float64()*(s.Bounds.Y.B-s.Bounds.Y.A-height)
	return s.rectangle(x1, y1, x1+width, y1+height)
}

// RandomRectanglePercent is RandomRectangle under another name: percent is
// the same fraction of the spec's full extent that RandomRectangle's extend
// already is.
func (s QuerySpec) RandomRectanglePercent(rng *rand.Rand, percent float64) geom.QueryRectangle {
	return s.RandomRectangle(rng, percent)
}

// DisjunctRectangles returns num non-overlapping windows, each
// extend*(bounds side) wide, laid out row by row from spec.Bounds' lower
// corner in a grid of round(1/extend) columns: the fixed tiling
// PuzzleExperiment warms once and then queries as a union every run.
func (s QuerySpec) DisjunctRectangles(num int, extend float64) []geom.QueryRectangle {
	width := (s.Bounds.X.B - s.Bounds.X.A) * extend
	height := (s.Bounds.Y.B - s.Bounds.Y.A) * extend
	out := make([]geom.QueryRectangle, 0, num)
	for i := 0; i < num; i++ {
		col := float64(i % int(1/extend+0.5))
		row := float64(i / int(1/extend+0.5))
		x1 := s.Bounds.X.A + col*width
		y1 := s.Bounds.Y.A + row*height
		out = append(out, s.rectangle(x1, y1, x1+width, y1+height))
	}
	return out
}

func (s QuerySpec) rectangle(x1, y1, x2, y2 float64) geom.QueryRectangle {
	return geom.QueryRectangle{
		EPSG: s.EPSG,
		X1:   x1, Y1: y1, X2: x2, Y2: y2,
		TimeType: geom.TimeTypeUnix,
		T1:       s.Bounds.T.A, T2: s.Bounds.T.B,
		ResType: geom.ResolutionPixels,
		XRes:    s.XRes, YRes: s.YRes,
	}
}

// String names a spec for progress output and result labeling.
func (s QuerySpec) String() string {
	return fmt.Sprintf("%s@%s", s.SemanticID, s.Name)
}
