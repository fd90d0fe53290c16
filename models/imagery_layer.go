package models

import (
	"github.com/google/uuid"
	"github.com/paulmach/orb"
)

// ImageryLayer is an imagery provider placed in an imagery layer collection.
type ImageryLayer struct {
	ID       string
	Provider ImageryProvider

	// Restricts the region where the layer is shown. A zero rectangle means
	// the whole provider region.
	Rectangle orb.Bound

	show  bool
	alpha float64

	imagery map[TileKey]*Imagery
	invalid map[TileKey]struct{}
}

// NewImageryLayer creates a visible and opaque layer over the given provider.
func NewImageryLayer(p ImageryProvider) *ImageryLayer {
	return &ImageryLayer{
		ID:       uuid.NewString(),
		Provider: p,
		show:     true,
		alpha:    1,
		imagery:  make(map[TileKey]*Imagery),
		invalid:  make(map[TileKey]struct{}),
	}
}

// Show reports whether the layer is rendered.
func (l *ImageryLayer) Show() bool {
	return l.show
}

// Alpha returns the layer opacity, between 0 and 1.
func (l *ImageryLayer) Alpha() float64 {
	return l.alpha
}

// ValidRectangle returns the region where the layer has imagery. The result is
// a zero rectangle when the layer covers nothing. A zero provider rectangle
// means the whole tiling scheme.
func (l *ImageryLayer) ValidRectangle() orb.Bound {
	rect := l.Provider.TilingScheme().Rectangle()
	if pr := l.Provider.Rectangle(); pr != (orb.Bound{}) {
		r, ok := Intersection(rect, pr)
		if !ok {
			return orb.Bound{}
		}
		rect = r
	}
	if l.Rectangle == (orb.Bound{}) {
		return rect
	}
	if r, ok := Intersection(rect, l.Rectangle); ok {
		return r
	}
	return orb.Bound{}
}

// Imagery returns the cached raster with the given key, creating it and its
// ancestors when needed. Callers are responsible for referencing it.
func (l *ImageryLayer) Imagery(key TileKey) *Imagery {
	if img, ok := l.imagery[key]; ok {
		return img
	}

	img := &Imagery{
		Layer:     l,
		Key:       key,
		Rectangle: l.Provider.TilingScheme().TileXYToRectangle(key.X, key.Y, key.Level),
	}
	if _, ok := l.invalid[key]; ok {
		img.State = ImageryStateInvalid
	}
	if parentKey, ok := key.Parent(); ok {
		img.Parent = l.Imagery(parentKey)
		img.Parent.AddReference()
	}

	l.imagery[key] = img
	instrumentImageryCreated()
	return img
}

// CachedImagery returns the raster with the given key if it is alive.
func (l *ImageryLayer) CachedImagery(key TileKey) (*Imagery, bool) {
	img, ok := l.imagery[key]
	return img, ok
}

// ImageryCount returns the number of rasters alive in the layer cache.
func (l *ImageryLayer) ImageryCount() int {
	return len(l.imagery)
}

// MarkInvalid records that the raster with the given key will never be served
// by the provider.
func (l *ImageryLayer) MarkInvalid(key TileKey) {
	l.invalid[key] = struct{}{}
	if img, ok := l.imagery[key]; ok {
		img.State = ImageryStateInvalid
		img.Image = nil
	}
}

// IsInvalid reports whether the raster with the given key was marked invalid.
func (l *ImageryLayer) IsInvalid(key TileKey) bool {
	_, ok := l.invalid[key]
	return ok
}

func (l *ImageryLayer) removeImagery(img *Imagery) {
	if cached, ok := l.imagery[img.Key]; ok && cached == img {
		delete(l.imagery, img.Key)
		instrumentImageryRemoved()
	}
}
