package geom

import (
	"github.com/pkg/errors"

	"github.com/umr-dbs/cachemesh/internal/cacheerrors"
)

// timeEpsilon is the fixed width substituted for a zero-width time
// dimension (a point in time) so volumes stay strictly positive.
const timeEpsilon = 0.25

// Cube3 is an axis-aligned box over (spatial x, spatial y, time).
type Cube3 struct {
	X, Y, T Interval
}

// NewCube3 constructs a Cube3 without validating it; see Validate.
func NewCube3(x, y, t Interval) Cube3 {
	return Cube3{X: x, Y: y, T: t}
}

// dim returns the i-th dimension (0=x, 1=y, 2=t) by value.
func (c Cube3) dim(i int) Interval {
	switch i {
	case 0:
		return c.X
	case 1:
		return c.Y
	default:
		return c.T
	}
}

// withDim returns a copy of c with dimension i replaced.
func (c Cube3) withDim(i int, v Interval) Cube3 {
	switch i {
	case 0:
		c.X = v
	case 1:
		c.Y = v
	default:
		c.T = v
	}
	return c
}

// Volume returns the product of interval widths; a zero-width time
// dimension is treated as timeEpsilon wide so volumes stay strictly
// positive (point-in-time queries still compare sensibly).
func (c Cube3) Volume() float64 {
	tWidth := c.T.Distance()
	if tWidth <= 0 {
		tWidth = timeEpsilon
	}
	return c.X.Distance() * c.Y.Distance() * tWidth
}

// Intersects reports whether c and other overlap on all three dimensions.
func (c Cube3) Intersects(other Cube3) bool {
	return c.X.Intersects(other.X) && c.Y.Intersects(other.Y) && c.T.Intersects(other.T)
}

// Intersect returns the overlapping box of c and other. Callers should check
// Intersects first; otherwise the result may have non-positive widths.
func (c Cube3) Intersect(other Cube3) Cube3 {
	return Cube3{
		X: c.X.Intersect(other.X),
		Y: c.Y.Intersect(other.Y),
		T: c.T.Intersect(other.T),
	}
}

// Contains reports whether other lies entirely within c on all three axes.
func (c Cube3) Contains(other Cube3) bool {
	return c.X.Contains(other.X) && c.Y.Contains(other.Y) && c.T.Contains(other.T)
}

// Combine returns the smallest enclosing cube of c and other.
func (c Cube3) Combine(other Cube3) Cube3 {
	return Cube3{
		X: c.X.Combine(other.X),
		Y: c.Y.Combine(other.Y),
		T: c.T.Combine(other.T),
	}
}

// DissectBy returns 0-6 axis-aligned cubes whose union equals c \ other.
// For each of the three dimensions it emits the "left slab" (if the
// remaining cube's lower bound is below other's) and the "right slab" (if
// the remaining cube's upper bound is above other's), clipping the
// dimension to the overlap before moving to the next one so the emitted
// pieces never overlap each other or other.
func (c Cube3) DissectBy(other Cube3) []Cube3 {
	if !c.Intersects(other) {
		return []Cube3{c}
	}

	var pieces []Cube3
	remaining := c

	for d := 0; d < 3; d++ {
		rd := remaining.dim(d)
		od := other.dim(d)

		if rd.A < od.A {
			piece := remaining.withDim(d, Interval{A: rd.A, B: od.A})
			pieces = append(pieces, piece)
		}
		if rd.B > od.B {
			piece := remaining.withDim(d, Interval{A: od.B, B: rd.B})
			pieces = append(pieces, piece)
		}

		// Clip this dimension to the overlap before processing the next
		// one, so later slabs are disjoint from the ones already emitted.
		overlap := rd.Intersect(od)
		remaining = remaining.withDim(d, overlap)
	}

	return pieces
}

// Validate returns cacheerrors.ErrInvalidInterval if a > b on any of the
// three dimensions.
func (c Cube3) Validate() error {
	if c.X.A > c.X.B {
		return errors.Wrapf(cacheerrors.ErrInvalidInterval, "x: a=%v > b=%v", c.X.A, c.X.B)
	}
	if c.Y.A > c.Y.B {
		return errors.Wrapf(cacheerrors.ErrInvalidInterval, "y: a=%v > b=%v", c.Y.A, c.Y.B)
	}
	if c.T.A > c.T.B {
		return errors.Wrapf(cacheerrors.ErrInvalidInterval, "t: a=%v > b=%v", c.T.A, c.T.B)
	}
	return nil
}
