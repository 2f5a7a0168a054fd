package puzzle

import (
	"math"

	"github.com/umr-dbs/cachemesh/internal/geom"
)

// BuildNonRasterRemainders turns each remainder cube into a QueryRectangle
// with no target resolution, covering the remainder's spatial and temporal
// extents untouched.
func BuildNonRasterRemainders(q geom.QueryRectangle, remainder []geom.Cube3) []geom.QueryRectangle {
	out := make([]geom.QueryRectangle, 0, len(remainder))
	for _, c := range remainder {
		out = append(out, geom.QueryRectangle{
			EPSG:     q.EPSG,
			X1:       c.X.A, Y1: c.Y.A, X2: c.X.B, Y2: c.Y.B,
			TimeType: q.TimeType,
			T1:       c.T.A, T2: c.T.B,
			ResType: geom.ResolutionNone,
		})
	}
	return out
}

// BuildRasterRemainders snaps each remainder cube to the reference raster's
// pixel grid (origin refX/refY, scale scaleX/scaleY) and turns it into a
// QueryRectangle with the matching target resolution. A remainder thinner
// than half a pixel on either axis is dropped — the reference piece already
// covers it up to rounding.
func BuildRasterRemainders(q geom.QueryRectangle, remainder []geom.Cube3, refX, refY, scaleX, scaleY float64) []geom.QueryRectangle {
	out := make([]geom.QueryRectangle, 0, len(remainder))
	for _, c := range remainder {
		if c.X.Distance() < scaleX/2 || c.Y.Distance() < scaleY/2 {
			continue
		}
		x1, x2 := snapToGrid(c.X.A, c.X.B, refX, scaleX)
		y1, y2 := snapToGrid(c.Y.A, c.Y.B, refY, scaleY)
		xres := uint32(math.Round((x2 - x1) / scaleX))
		yres := uint32(math.Round((y2 - y1) / scaleY))
		if xres == 0 || yres == 0 {
			continue
		}
		out = append(out, geom.QueryRectangle{
			EPSG:     q.EPSG,
			X1:       x1, Y1: y1, X2: x2, Y2: y2,
			TimeType: q.TimeType,
			T1:       c.T.A, T2: c.T.B,
			ResType: geom.ResolutionPixels,
			XRes:    xres, YRes: yres,
		})
	}
	return out
}

// snapToGrid snaps [v1, v2) to the grid anchored at ref with pixel width
// scale: v1' is the grid line at or below v1, v2' is the grid line at or
// above v2.
func snapToGrid(v1, v2, ref, scale float64) (float64, float64) {
	v1p := ref + math.Floor((v1-ref)/scale)*scale
	v2p := v1p + math.Ceil((v2-v1p)/scale)*scale
	return v1p, v2p
}
