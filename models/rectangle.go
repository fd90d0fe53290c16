package models

import (
	"math"

	"github.com/paulmach/orb"
)

// Rectangles are orb.Bound values in degrees: Min is the south west corner and
// Max the north east one.

// Intersection returns the overlapping part of a and b. The returned boolean
// is false when the rectangles do not overlap with a positive area.
func Intersection(a, b orb.Bound) (orb.Bound, bool) {
	west := math.Max(a.Left(), b.Left())
	east := math.Min(a.Right(), b.Right())
	south := math.Max(a.Bottom(), b.Bottom())
	north := math.Min(a.Top(), b.Top())

	if west >= east || south >= north {
		return orb.Bound{}, false
	}

	return orb.Bound{
		Min: orb.Point{west, south},
		Max: orb.Point{east, north},
	}, true
}

// Width returns the longitude span of a rectangle.
func Width(r orb.Bound) float64 {
	return r.Right() - r.Left()
}

// Height returns the latitude span of a rectangle.
func Height(r orb.Bound) float64 {
	return r.Top() - r.Bottom()
}

// ClosestPoint returns the point of r closest to p.
func ClosestPoint(r orb.Bound, p orb.Point) orb.Point {
	return orb.Point{
		math.Min(math.Max(p.Lon(), r.Left()), r.Right()),
		math.Min(math.Max(p.Lat(), r.Bottom()), r.Top()),
	}
}

// RelativeRectangle expresses inner in the unit coordinate space of outer:
// (0, 0) is the south west corner of outer and (1, 1) its north east corner.
func RelativeRectangle(outer, inner orb.Bound) orb.Bound {
	w := Width(outer)
	h := Height(outer)

	return orb.Bound{
		Min: orb.Point{(inner.Left() - outer.Left()) / w, (inner.Bottom() - outer.Bottom()) / h},
		Max: orb.Point{(inner.Right() - outer.Left()) / w, (inner.Top() - outer.Bottom()) / h},
	}
}
