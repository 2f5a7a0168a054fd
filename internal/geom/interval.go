// Package geom implements the axis-aligned geometry the cache planner runs
// on: one-dimensional intervals and the three-dimensional (x, y, t) cubes
// built from them.
package geom

import (
	"math"

	"github.com/pkg/errors"
	"github.com/umr-dbs/cachemesh/internal/cacheerrors"
)

// Interval is a closed range [A, B] over doubles.
type Interval struct {
	A, B float64
}

// NewInterval validates and constructs an Interval.
func NewInterval(a, b float64) (Interval, error) {
	if a > b {
		return Interval{}, errors.Wrapf(cacheerrors.ErrInvalidInterval, "a=%v > b=%v", a, b)
	}
	return Interval{A: a, B: b}, nil
}

// Distance returns the width of the interval, b - a.
func (i Interval) Distance() float64 {
	return i.B - i.A
}

// Contains reports whether other lies entirely within i.
func (i Interval) Contains(other Interval) bool {
	return i.A <= other.A && i.B >= other.B
}

// Intersects reports whether i and other overlap (touching at a single point
// is not considered an intersection, matching the original's half-open
// intersects() semantics used for cube dissection).
func (i Interval) Intersects(other Interval) bool {
	return i.A < other.B && other.A < i.B
}

// Intersect returns the overlapping sub-interval of i and other. Callers
// must check Intersects first; an empty/degenerate result is returned
// otherwise without error, mirroring how Cube3 filters on intersects().
func (i Interval) Intersect(other Interval) Interval {
	a := math.Max(i.A, other.A)
	b := math.Min(i.B, other.B)
	if a > b {
		return Interval{A: a, B: a}
	}
	return Interval{A: a, B: b}
}

// Combine returns the smallest interval enclosing both i and other (the
// axis-aligned hull).
func (i Interval) Combine(other Interval) Interval {
	return Interval{A: math.Min(i.A, other.A), B: math.Max(i.B, other.B)}
}
