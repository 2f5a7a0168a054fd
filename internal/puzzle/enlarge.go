package puzzle

import (
	"math"

	"github.com/umr-dbs/cachemesh/internal/geom"
)

// EnlargeBounds computes the envelope of every included piece, extended
// past the original query on any axis where a piece's edge touches (or
// crosses) the query's own edge — so a cached result can cover more than
// what was originally asked for. An axis with no piece touching its edge
// falls back to the query's own bound on that edge. Mirrors the index
// planner's enlarge step, run here on the worker against the pieces it
// actually received.
func EnlargeBounds(query geom.Cube3, items []geom.Cube3) geom.Cube3 {
	qDims := [3]geom.Interval{query.X, query.Y, query.T}

	left := [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	right := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}

	for _, it := range items {
		itDims := [3]geom.Interval{it.X, it.Y, it.T}
		for i := 0; i < 3; i++ {
			if itDims[i].A <= qDims[i].A && itDims[i].A > left[i] {
				left[i] = itDims[i].A
			}
			if itDims[i].B >= qDims[i].B && itDims[i].B < right[i] {
				right[i] = itDims[i].B
			}
		}
	}

	var out [3]geom.Interval
	for i := 0; i < 3; i++ {
		a, b := left[i], right[i]
		if math.IsInf(a, -1) {
			a = qDims[i].A
		}
		if math.IsInf(b, 1) {
			b = qDims[i].B
		}
		out[i] = geom.Interval{A: a, B: b}
	}
	return geom.Cube3{X: out[0], Y: out[1], T: out[2]}
}
