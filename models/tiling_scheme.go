package models

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// TilingScheme describes how a rectangular region is split into tiles at each
// level. Tile y indexes start at the north edge.
type TilingScheme interface {
	// Returns the region covered by the scheme.
	Rectangle() orb.Bound

	// Returns the number of tiles along the x axis at the given level.
	NumberOfXTilesAtLevel(level int) int

	// Returns the number of tiles along the y axis at the given level.
	NumberOfYTilesAtLevel(level int) int

	// Returns the region covered by the tile at x, y and level.
	TileXYToRectangle(x, y, level int) orb.Bound

	// Returns the indexes of the tile that contains the given position. ok is
	// false when the position is outside of the scheme rectangle.
	PositionToTileXY(p orb.Point, level int) (x, y int, ok bool)
}

// GeographicTilingScheme splits the whole globe in equal-angle tiles, with two
// tiles at level zero.
type GeographicTilingScheme struct {
	// Defaults to 2.
	NumberOfLevelZeroTilesX int

	// Defaults to 1.
	NumberOfLevelZeroTilesY int

	// The region split into tiles. Defaults to the whole globe.
	Region orb.Bound
}

func (s GeographicTilingScheme) Rectangle() orb.Bound {
	if s.Region != (orb.Bound{}) {
		return s.Region
	}
	return orb.Bound{
		Min: orb.Point{-180, -90},
		Max: orb.Point{180, 90},
	}
}

func (s GeographicTilingScheme) NumberOfXTilesAtLevel(level int) int {
	n := s.NumberOfLevelZeroTilesX
	if n <= 0 {
		n = 2
	}
	return n << level
}

func (s GeographicTilingScheme) NumberOfYTilesAtLevel(level int) int {
	n := s.NumberOfLevelZeroTilesY
	if n <= 0 {
		n = 1
	}
	return n << level
}

func (s GeographicTilingScheme) TileXYToRectangle(x, y, level int) orb.Bound {
	rect := s.Rectangle()
	w := Width(rect) / float64(s.NumberOfXTilesAtLevel(level))
	h := Height(rect) / float64(s.NumberOfYTilesAtLevel(level))

	west := rect.Left() + float64(x)*w
	north := rect.Top() - float64(y)*h

	return orb.Bound{
		Min: orb.Point{west, north - h},
		Max: orb.Point{west + w, north},
	}
}

func (s GeographicTilingScheme) PositionToTileXY(p orb.Point, level int) (int, int, bool) {
	rect := s.Rectangle()
	if !rect.Contains(p) {
		return 0, 0, false
	}

	xTiles := s.NumberOfXTilesAtLevel(level)
	yTiles := s.NumberOfYTilesAtLevel(level)

	x := int((p.Lon() - rect.Left()) / Width(rect) * float64(xTiles))
	y := int((rect.Top() - p.Lat()) / Height(rect) * float64(yTiles))
	return clampIndex(x, xTiles), clampIndex(y, yTiles), true
}

// WebMercatorTilingScheme is the z/x/y scheme used by most web imagery
// servers, with a single tile at level zero.
type WebMercatorTilingScheme struct{}

func (s WebMercatorTilingScheme) Rectangle() orb.Bound {
	return maptile.New(0, 0, 0).Bound()
}

func (s WebMercatorTilingScheme) NumberOfXTilesAtLevel(level int) int {
	return 1 << level
}

func (s WebMercatorTilingScheme) NumberOfYTilesAtLevel(level int) int {
	return 1 << level
}

func (s WebMercatorTilingScheme) TileXYToRectangle(x, y, level int) orb.Bound {
	return maptile.New(uint32(x), uint32(y), maptile.Zoom(level)).Bound()
}

func (s WebMercatorTilingScheme) PositionToTileXY(p orb.Point, level int) (int, int, bool) {
	if !s.Rectangle().Contains(p) {
		return 0, 0, false
	}

	t := maptile.At(p, maptile.Zoom(level))
	n := 1 << level
	return clampIndex(int(t.X), n), clampIndex(int(t.Y), n), true
}

// LevelForWidth returns the coarsest level of the scheme whose tiles are not
// wider than the given longitude span.
func LevelForWidth(s TilingScheme, width float64, maxLevel int) int {
	for level := 0; level < maxLevel; level++ {
		if Width(s.TileXYToRectangle(0, 0, level)) <= width*(1+1e-9) {
			return level
		}
	}
	return maxLevel
}

const ellipsoidMaximumRadius = 6378137.0

// LevelMaximumGeometricError returns the geometric error in meters tolerated
// for terrain tiles of the given level.
func LevelMaximumGeometricError(s TilingScheme, level int) float64 {
	levelZero := ellipsoidMaximumRadius * 2 * math.Pi * 0.25 /
		(65 * float64(s.NumberOfXTilesAtLevel(0)))
	return levelZero / float64(int64(1)<<level)
}

func clampIndex(v, n int) int {
	if v < 0 {
		return 0
	}
	if v >= n {
		return n - 1
	}
	return v
}
