package surface

import (
	"sort"

	"github.com/aukilabs/surface/models"
	"github.com/paulmach/orb"
)

// AttachmentManager keeps the imagery attachments of terrain tiles in sync
// with an imagery layer collection.
//
// The attachments of a tile are always ordered like the layers of the
// collection: every attachment of a layer precedes the attachments of the
// layers above it.
type AttachmentManager struct {
	layers *models.ImageryLayerCollection
	queue  *LoadQueue
}

// AttachLayer creates the attachments covering the given tile with rasters of
// the given layer, and inserts them at the position matching the layer index
// in the collection. It does nothing when the tile already has attachments
// from the layer, when the layer is not in the collection, or when the layer
// has no imagery over the tile. It returns the number of created
// attachments.
func (m *AttachmentManager) AttachLayer(t *models.Tile, l *models.ImageryLayer) int {
	if t.HasLayer(l) {
		return 0
	}

	index := m.layers.IndexOf(l)
	if index < 0 {
		return 0
	}

	attachments := m.createAttachments(t, l)
	if len(attachments) == 0 {
		return 0
	}

	indexes := m.layerIndexes()
	t.Imagery = insertAttachments(t.Imagery, attachments, insertPosition(t.Imagery, indexes, index))
	return len(attachments)
}

// DetachLayer removes the attachments of the given layer from the given tile
// and releases their rasters. It returns the number of removed attachments.
func (m *AttachmentManager) DetachLayer(t *models.Tile, l *models.ImageryLayer) int {
	return m.detach(t, func(ti *models.TileImagery) bool {
		return ti.Layer() == l
	})
}

// DetachAll removes every attachment of the given tile.
func (m *AttachmentManager) DetachAll(t *models.Tile) int {
	return m.detach(t, func(ti *models.TileImagery) bool {
		return true
	})
}

// DetachImagery removes the attachments of the given tile that use the given
// raster.
func (m *AttachmentManager) DetachImagery(t *models.Tile, img *models.Imagery) int {
	return m.detach(t, func(ti *models.TileImagery) bool {
		return ti.Loading == img
	})
}

// ReorderLayer moves the attachments of the given layer so that they sit at
// the position matching newIndex, the index of the layer in the collection.
// Attachments are moved, never recreated.
func (m *AttachmentManager) ReorderLayer(t *models.Tile, l *models.ImageryLayer, newIndex int) {
	var moved []*models.TileImagery
	kept := t.Imagery[:0]

	for _, ti := range t.Imagery {
		if ti.Layer() == l {
			moved = append(moved, ti)
		} else {
			kept = append(kept, ti)
		}
	}
	if len(moved) == 0 {
		return
	}

	indexes := m.layerIndexes()
	indexes[l] = newIndex
	t.Imagery = insertAttachments(kept, moved, insertPosition(kept, indexes, newIndex))
}

// ResyncAll makes the attachments of the given tiles mirror the layer
// collection: attachments of removed layers are detached, missing layers are
// attached and out of order attachments are sorted.
func (m *AttachmentManager) ResyncAll(tiles []*models.Tile) {
	indexes := m.layerIndexes()
	layers := m.layers.Layers()

	for _, t := range tiles {
		m.detach(t, func(ti *models.TileImagery) bool {
			_, ok := indexes[ti.Layer()]
			return !ok
		})

		for _, l := range layers {
			m.AttachLayer(t, l)
		}

		less := func(i, j int) bool {
			return indexes[t.Imagery[i].Layer()] < indexes[t.Imagery[j].Layer()]
		}
		if !sort.SliceIsSorted(t.Imagery, less) {
			sort.SliceStable(t.Imagery, less)
		}
	}
}

// IsOrdered reports whether the attachments of the given tile are ordered
// like the layer collection.
func (m *AttachmentManager) IsOrdered(t *models.Tile) bool {
	indexes := m.layerIndexes()

	last := -1
	for _, ti := range t.Imagery {
		index, ok := indexes[ti.Layer()]
		if !ok || index < last {
			return false
		}
		last = index
	}
	return true
}

func (m *AttachmentManager) createAttachments(t *models.Tile, l *models.ImageryLayer) []*models.TileImagery {
	rect, ok := models.Intersection(t.Rectangle, l.ValidRectangle())
	if !ok {
		return nil
	}

	scheme := l.Provider.TilingScheme()
	level := models.LevelForWidth(scheme, models.Width(t.Rectangle), l.Provider.MaximumLevel())

	// The corners are moved inwards so that rasters only touching the
	// rectangle edges are left out.
	epsX := models.Width(rect) * 1e-6
	epsY := models.Height(rect) * 1e-6

	west, north, ok := scheme.PositionToTileXY(orb.Point{rect.Left() + epsX, rect.Top() - epsY}, level)
	if !ok {
		return nil
	}
	east, south, ok := scheme.PositionToTileXY(orb.Point{rect.Right() - epsX, rect.Bottom() + epsY}, level)
	if !ok {
		return nil
	}

	var attachments []*models.TileImagery
	for y := north; y <= south; y++ {
		for x := west; x <= east; x++ {
			key := models.TileKey{X: x, Y: y, Level: level}
			if l.IsInvalid(key) {
				continue
			}

			clipped, ok := models.Intersection(scheme.TileXYToRectangle(x, y, level), rect)
			if !ok {
				continue
			}

			attachments = append(attachments, models.NewTileImagery(
				l.Imagery(key),
				models.RelativeRectangle(t.Rectangle, clipped),
			))
		}
	}
	return attachments
}

func (m *AttachmentManager) detach(t *models.Tile, match func(*models.TileImagery) bool) int {
	removed := 0
	kept := t.Imagery[:0]

	for _, ti := range t.Imagery {
		if !match(ti) {
			kept = append(kept, ti)
			continue
		}

		img := ti.Loading
		ti.Release()
		if img.References() == 0 {
			m.queue.cancelImagery(img)
		}
		removed++
	}

	clear(t.Imagery[len(kept):])
	t.Imagery = kept
	return removed
}

func (m *AttachmentManager) layerIndexes() map[*models.ImageryLayer]int {
	layers := m.layers.Layers()
	indexes := make(map[*models.ImageryLayer]int, len(layers))
	for i, l := range layers {
		indexes[l] = i
	}
	return indexes
}

// insertPosition returns the position right after the last attachment whose
// layer is below the given index.
func insertPosition(attachments []*models.TileImagery, indexes map[*models.ImageryLayer]int, index int) int {
	pos := 0
	for i, ti := range attachments {
		if layerIndex, ok := indexes[ti.Layer()]; ok && layerIndex < index {
			pos = i + 1
		}
	}
	return pos
}

func insertAttachments(attachments, inserted []*models.TileImagery, pos int) []*models.TileImagery {
	merged := make([]*models.TileImagery, 0, len(attachments)+len(inserted))
	merged = append(merged, attachments[:pos]...)
	merged = append(merged, inserted...)
	return append(merged, attachments[pos:]...)
}
