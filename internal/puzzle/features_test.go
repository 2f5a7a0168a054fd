package puzzle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umr-dbs/cachemesh/internal/geom"
	"github.com/umr-dbs/cachemesh/internal/payload"
)

func TestAppendIdxVec_FoldsWithOffset(t *testing.T) {
	dst := []uint32{0, 2, 4}
	src := []uint32{0, 3}
	got := appendIdxVec(dst, src)
	assert.Equal(t, []uint32{0, 2, 4, 7}, got)
}

func TestAppendIdxVec_EmptyDst(t *testing.T) {
	got := appendIdxVec(nil, []uint32{0, 2})
	assert.Equal(t, []uint32{0, 2}, got)
}

func TestFilterIdxVec_RebasesToZero(t *testing.T) {
	idx := []uint32{0, 2, 4, 6}
	got := filterIdxVec(idx, 2, 6)
	assert.Equal(t, []uint32{0, 2, 4}, got)
}

func TestFeatureAssembler_Puzzle_FiltersByBoundsAndTime(t *testing.T) {
	fa := FeatureAssembler{}
	fc := payload.FeatureCollection{
		Kind:        payload.FeatureLines,
		Coordinates: [][2]float64{{0, 0}, {1, 1}, {100, 100}, {101, 101}},
		TimeStart:   []float64{0, 0},
		TimeEnd:     []float64{1, 1},
		NumericAttrs: map[string][]float64{
			"v": {10, 20},
		},
		StartFeature: []uint32{0, 2, 4},
		StartLine:    []uint32{0, 2, 4},
	}
	bbox := geom.Cube3{
		X: geom.Interval{A: 0, B: 10},
		Y: geom.Interval{A: 0, B: 10},
		T: geom.Interval{A: 0, B: 1},
	}
	out, err := fa.Puzzle(bbox, []payload.FeatureCollection{fc})
	require.NoError(t, err)
	assert.Equal(t, [][2]float64{{0, 0}, {1, 1}}, out.Coordinates)
	assert.Equal(t, []uint32{0, 2}, out.StartFeature)
	assert.Equal(t, []uint32{0, 2}, out.StartLine)
	assert.Equal(t, []float64{10}, out.NumericAttrs["v"])
}

func TestFeatureAssembler_Puzzle_ConcatenatesAcrossPieces(t *testing.T) {
	fa := FeatureAssembler{}
	mk := func(x float64) payload.FeatureCollection {
		return payload.FeatureCollection{
			Kind:         payload.FeaturePoints,
			Coordinates:  [][2]float64{{x, x}},
			TimeStart:    []float64{0},
			TimeEnd:      []float64{1},
			NumericAttrs: map[string][]float64{},
			TextAttrs:    map[string][]string{},
			StartFeature: []uint32{0, 1},
		}
	}
	bbox := geom.Cube3{
		X: geom.Interval{A: 0, B: 10},
		Y: geom.Interval{A: 0, B: 10},
		T: geom.Interval{A: 0, B: 1},
	}
	out, err := fa.Puzzle(bbox, []payload.FeatureCollection{mk(1), mk(2)})
	require.NoError(t, err)
	assert.Equal(t, [][2]float64{{1, 1}, {2, 2}}, out.Coordinates)
	assert.Equal(t, []uint32{0, 1, 2}, out.StartFeature)
}

func TestFeatureAssembler_Puzzle_NoItems(t *testing.T) {
	fa := FeatureAssembler{}
	_, err := fa.Puzzle(geom.Cube3{}, nil)
	assert.Error(t, err)
}

func TestFeatureAssembler_Bounds(t *testing.T) {
	fa := FeatureAssembler{}
	fc := payload.FeatureCollection{
		Coordinates: [][2]float64{{0, 5}, {10, -5}},
		TimeStart:   []float64{1, 2},
		TimeEnd:     []float64{3, 4},
	}
	b := fa.Bounds(fc)
	assert.Equal(t, 0.0, b.X.A)
	assert.Equal(t, 10.0, b.X.B)
	assert.Equal(t, -5.0, b.Y.A)
	assert.Equal(t, 5.0, b.Y.B)
	assert.Equal(t, 1.0, b.T.A)
	assert.Equal(t, 4.0, b.T.B)
}
