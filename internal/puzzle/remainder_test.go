package puzzle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/umr-dbs/cachemesh/internal/geom"
)

func TestSnapToGrid(t *testing.T) {
	x1, x2 := snapToGrid(12, 37, 0, 10)
	assert.Equal(t, 10.0, x1)
	assert.Equal(t, 40.0, x2)
}

func TestBuildRasterRemainders_DropsSubHalfPixel(t *testing.T) {
	q := geom.QueryRectangle{ResType: geom.ResolutionPixels}
	remainder := []geom.Cube3{
		{X: geom.Interval{A: 0, B: 2}, Y: geom.Interval{A: 0, B: 10}, T: geom.Interval{A: 0, B: 1}},
	}
	out := BuildRasterRemainders(q, remainder, 0, 0, 10, 10)
	assert.Empty(t, out, "a 2-unit-wide remainder under a 10-unit pixel scale is sub-half-pixel and dropped")
}

func TestBuildRasterRemainders_SnapsAndSizes(t *testing.T) {
	q := geom.QueryRectangle{EPSG: 4326}
	remainder := []geom.Cube3{
		{X: geom.Interval{A: 0, B: 30}, Y: geom.Interval{A: 0, B: 20}, T: geom.Interval{A: 5, B: 6}},
	}
	out := BuildRasterRemainders(q, remainder, 0, 0, 10, 10)
	if assert.Len(t, out, 1) {
		r := out[0]
		assert.Equal(t, geom.ResolutionPixels, r.ResType)
		assert.Equal(t, uint32(3), r.XRes)
		assert.Equal(t, uint32(2), r.YRes)
		assert.Equal(t, 5.0, r.T1)
		assert.Equal(t, 6.0, r.T2)
	}
}

func TestBuildNonRasterRemainders(t *testing.T) {
	q := geom.QueryRectangle{EPSG: 4326, TimeType: geom.TimeTypeUnix}
	remainder := []geom.Cube3{
		{X: geom.Interval{A: 1, B: 2}, Y: geom.Interval{A: 3, B: 4}, T: geom.Interval{A: 5, B: 6}},
	}
	out := BuildNonRasterRemainders(q, remainder)
	if assert.Len(t, out, 1) {
		assert.Equal(t, geom.ResolutionNone, out[0].ResType)
		assert.Equal(t, 1.0, out[0].X1)
		assert.Equal(t, 4.0, out[0].Y2)
	}
}
