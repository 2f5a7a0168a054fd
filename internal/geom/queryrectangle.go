package geom

import "math"

// ResolutionType discriminates whether a query carries a target pixel
// resolution (raster-like results) or none (feature collections, plots).
type ResolutionType uint8

const (
	ResolutionNone ResolutionType = iota
	ResolutionPixels
)

// QueryRectangle is the client-facing description of a spatial-temporal
// query, optionally carrying a target pixel resolution.
type QueryRectangle struct {
	EPSG           EPSG
	X1, Y1, X2, Y2 float64
	TimeType       TimeType
	T1, T2         float64
	ResType        ResolutionType
	XRes, YRes     uint32
}

// PixelScaleX returns the x pixel scale implied by the rectangle and target
// resolution. Only meaningful when ResType == ResolutionPixels.
func (q QueryRectangle) PixelScaleX() float64 {
	if q.XRes == 0 {
		return 0
	}
	return (q.X2 - q.X1) / float64(q.XRes)
}

// PixelScaleY returns the y pixel scale implied by the rectangle and target
// resolution. Only meaningful when ResType == ResolutionPixels.
func (q QueryRectangle) PixelScaleY() float64 {
	if q.YRes == 0 {
		return 0
	}
	return (q.Y2 - q.Y1) / float64(q.YRes)
}

// Cube returns the Cube3 spanned by the rectangle.
func (q QueryRectangle) Cube() Cube3 {
	return Cube3{
		X: Interval{A: q.X1, B: q.X2},
		Y: Interval{A: q.Y1, B: q.Y2},
		T: Interval{A: q.T1, B: q.T2},
	}
}

// Validate returns cacheerrors.ErrInvalidInterval if any of X1/X2, Y1/Y2, or
// T1/T2 is non-monotonic (a > b).
func (q QueryRectangle) Validate() error {
	return q.Cube().Validate()
}

// QueryCube returns the coordinate-space-tagged cube for planner comparisons.
func (q QueryRectangle) QueryCube() QueryCube {
	return NewQueryCube(q.Cube(), q.EPSG, q.TimeType)
}

// PixelScalesMatch reports whether two pixel scales are within the given
// relative tolerance of each other (used for the 1% resolution-coherence
// checks throughout the planner and scheduler).
func PixelScalesMatch(a, b, tolerance float64) bool {
	if a == 0 || b == 0 {
		return a == b
	}
	return math.Abs(a-b)/math.Max(math.Abs(a), math.Abs(b)) <= tolerance
}
