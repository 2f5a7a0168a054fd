package puzzle

import (
	"github.com/pkg/errors"

	"github.com/umr-dbs/cachemesh/internal/cacheerrors"
	"github.com/umr-dbs/cachemesh/internal/geom"
	"github.com/umr-dbs/cachemesh/internal/payload"
)

// FeatureAssembler puzzles point/line/polygon collections: for each piece,
// drop features that don't intersect the result bbox or overlap its time
// span, then concatenate what remains.
type FeatureAssembler struct{}

// Bounds computes a feature collection's spatial/temporal envelope by
// scanning its coordinates and per-feature time spans.
func (FeatureAssembler) Bounds(fc payload.FeatureCollection) geom.Cube3 {
	if len(fc.Coordinates) == 0 {
		return geom.Cube3{}
	}
	minX, maxX := fc.Coordinates[0][0], fc.Coordinates[0][0]
	minY, maxY := fc.Coordinates[0][1], fc.Coordinates[0][1]
	for _, c := range fc.Coordinates[1:] {
		minX, maxX = minF(minX, c[0]), maxF(maxX, c[0])
		minY, maxY = minF(minY, c[1]), maxF(maxY, c[1])
	}
	minT, maxT := fc.TimeStart[0], fc.TimeEnd[0]
	for i := 1; i < len(fc.TimeStart); i++ {
		minT = minF(minT, fc.TimeStart[i])
		maxT = maxF(maxT, fc.TimeEnd[i])
	}
	return geom.Cube3{X: geom.Interval{A: minX, B: maxX}, Y: geom.Interval{A: minY, B: maxY}, T: geom.Interval{A: minT, B: maxT}}
}

// Puzzle filters each piece's features to ones intersecting bbox (space
// and time) and concatenates what survives, folding every nested index
// vector with offset correction.
func (FeatureAssembler) Puzzle(bbox geom.Cube3, items []payload.FeatureCollection) (payload.FeatureCollection, error) {
	if len(items) == 0 {
		return payload.FeatureCollection{}, errors.Wrap(cacheerrors.ErrInvalidArgument, "no feature pieces to puzzle")
	}
	dst := payload.FeatureCollection{
		Kind:         items[0].Kind,
		NumericAttrs: map[string][]float64{},
		TextAttrs:    map[string][]string{},
	}
	for k := range items[0].NumericAttrs {
		dst.NumericAttrs[k] = []float64{}
	}
	for k := range items[0].TextAttrs {
		dst.TextAttrs[k] = []string{}
	}

	for _, src := range items {
		n := featureCount(src)
		for i := 0; i < n; i++ {
			lo, hi := src.StartFeature[i], src.StartFeature[i+1]
			if !featureIntersects(src.Coordinates[lo:hi], bbox) {
				continue
			}
			if src.TimeStart[i] > bbox.T.B || src.TimeEnd[i] < bbox.T.A {
				continue
			}
			appendFeature(&dst, src, i, lo, hi)
		}
	}
	return dst, nil
}

func appendFeature(dst *payload.FeatureCollection, src payload.FeatureCollection, i int, lo, hi uint32) {
	dst.Coordinates = append(dst.Coordinates, src.Coordinates[lo:hi]...)
	dst.TimeStart = append(dst.TimeStart, src.TimeStart[i])
	dst.TimeEnd = append(dst.TimeEnd, src.TimeEnd[i])
	for k, arr := range src.NumericAttrs {
		dst.NumericAttrs[k] = append(dst.NumericAttrs[k], arr[i])
	}
	for k, arr := range src.TextAttrs {
		dst.TextAttrs[k] = append(dst.TextAttrs[k], arr[i])
	}

	dst.StartFeature = appendIdxVec(dst.StartFeature, filterIdxVec(src.StartFeature, lo, hi))
	switch src.Kind {
	case payload.FeatureLines:
		dst.StartLine = appendIdxVec(dst.StartLine, filterIdxVec(src.StartLine, lo, hi))
	case payload.FeaturePolygons:
		dst.StartPolygon = appendIdxVec(dst.StartPolygon, filterIdxVec(src.StartPolygon, lo, hi))
		dst.StartRing = appendIdxVec(dst.StartRing, filterIdxVec(src.StartRing, lo, hi))
	}
}

// featureCount returns the number of features a StartFeature CSR vector
// describes (one fewer than its length, the trailing entry being the
// running-coordinate-count sentinel).
func featureCount(fc payload.FeatureCollection) int {
	if len(fc.StartFeature) == 0 {
		return 0
	}
	return len(fc.StartFeature) - 1
}

// filterIdxVec returns the entries of idx within [lo, hi], rebased to
// start at 0 — the 0-based CSR fragment covering exactly one feature's
// coordinate range, ready to fold into a running result via appendIdxVec.
func filterIdxVec(idx []uint32, lo, hi uint32) []uint32 {
	out := make([]uint32, 0, 4)
	for _, v := range idx {
		if v >= lo && v <= hi {
			out = append(out, v-lo)
		}
	}
	return out
}

// appendIdxVec folds a 0-based CSR fragment onto dst: dst's trailing
// sentinel is popped and every fragment value is shifted by it before
// being appended, so the two CSR vectors concatenate into one covering
// both coordinate runs without a seam.
func appendIdxVec(dst, src []uint32) []uint32 {
	if len(dst) == 0 {
		out := make([]uint32, len(src))
		copy(out, src)
		return out
	}
	ext := dst[len(dst)-1]
	dst = dst[:len(dst)-1]
	for _, v := range src {
		dst = append(dst, v+ext)
	}
	return dst
}

// featureIntersects approximates rectangle intersection by vertex
// containment: true if any of the feature's coordinates falls within
// bbox's spatial extent.
func featureIntersects(coords [][2]float64, bbox geom.Cube3) bool {
	for _, c := range coords {
		if c[0] >= bbox.X.A && c[0] <= bbox.X.B && c[1] >= bbox.Y.A && c[1] <= bbox.Y.B {
			return true
		}
	}
	return false
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
