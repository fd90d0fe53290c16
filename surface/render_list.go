package surface

import (
	"github.com/aukilabs/surface/models"
	"github.com/paulmach/orb"
)

// RenderTile is a tile selected for rendering.
type RenderTile struct {
	*models.Tile

	// The region to draw. It is the tile rectangle, or the part of it
	// standing for a descendant that failed to load.
	Extent orb.Bound

	// Reports whether the tile is drawn in place of a descendant.
	Substitute bool
}

// TextureCount returns the number of imagery textures bound to draw the tile.
func (t RenderTile) TextureCount() int {
	count := 0
	for _, ti := range t.Imagery {
		if ti.Ready != nil && ti.Layer().Show() {
			count++
		}
	}
	return count
}

// RenderList is the output of a frame: the selected tiles grouped by the
// number of imagery textures they need.
type RenderList struct {
	tiles  []RenderTile
	groups [][]RenderTile
}

// Len returns the number of selected tiles.
func (l *RenderList) Len() int {
	return len(l.tiles)
}

// Tiles returns the selected tiles in traversal order.
func (l *RenderList) Tiles() []RenderTile {
	return l.tiles
}

// TilesByTextureCount returns the selected tiles grouped by texture count:
// the group at index n holds the tiles drawn with n imagery textures.
func (l *RenderList) TilesByTextureCount() [][]RenderTile {
	return l.groups
}

// Contains reports whether the tile with the given key is selected, either for
// itself or as a substitute.
func (l *RenderList) Contains(key models.TileKey) bool {
	for _, t := range l.tiles {
		if t.Key == key {
			return true
		}
	}
	return false
}

func (l *RenderList) reset() {
	clear(l.tiles)
	l.tiles = l.tiles[:0]
}

func (l *RenderList) add(t *models.Tile, extent orb.Bound, substitute bool) {
	l.tiles = append(l.tiles, RenderTile{
		Tile:       t,
		Extent:     extent,
		Substitute: substitute,
	})
}

// regroup selects the raster drawn by every attachment of the selected tiles
// and groups the tiles by texture count.
func (l *RenderList) regroup(fallback bool) {
	for i := range l.groups {
		clear(l.groups[i])
		l.groups[i] = l.groups[i][:0]
	}

	for _, t := range l.tiles {
		for _, ti := range t.Imagery {
			useReadyImagery(ti, t.Rectangle, fallback)
		}

		count := t.TextureCount()
		for len(l.groups) <= count {
			l.groups = append(l.groups, nil)
		}
		l.groups[count] = append(l.groups[count], t)
	}

	for len(l.groups) > 0 && len(l.groups[len(l.groups)-1]) == 0 {
		l.groups = l.groups[:len(l.groups)-1]
	}
}

func useReadyImagery(ti *models.TileImagery, rect orb.Bound, fallback bool) {
	if ti.Loading.State == models.ImageryStateReady {
		ti.UseReady(ti.Loading, rect)
		return
	}

	if fallback {
		if ancestor, ok := ti.Loading.NearestReadyAncestor(); ok {
			ti.UseReady(ancestor, rect)
			return
		}
	}
	ti.UseReady(nil, rect)
}
