package models

import "github.com/paulmach/orb"

// TileImagery attaches an imagery raster to a terrain tile.
type TileImagery struct {
	// The raster covering the tile at the level picked for it.
	Loading *Imagery

	// The raster to render. It is either Loading or one of its ancestors
	// while Loading is not ready. Ancestors are kept alive by the parent
	// chain of Loading and are not referenced again here.
	Ready *Imagery

	// The part of the terrain tile covered by Loading, in the unit space of
	// the tile.
	TextureCoordinateRectangle orb.Bound

	// Translation (x, y) and scale (x, y) mapping the tile onto the Ready
	// raster.
	TextureTranslationAndScale [4]float64
}

// NewTileImagery creates an attachment holding a reference on the given
// raster.
func NewTileImagery(img *Imagery, textureCoordinates orb.Bound) *TileImagery {
	img.AddReference()

	return &TileImagery{
		Loading:                    img,
		TextureCoordinateRectangle: textureCoordinates,
	}
}

// Layer returns the imagery layer the attachment belongs to.
func (ti *TileImagery) Layer() *ImageryLayer {
	return ti.Loading.Layer
}

// Done reports whether the attached raster reached a terminal state.
func (ti *TileImagery) Done() bool {
	return ti.Loading.Done()
}

// UseReady selects the raster to render on the given tile and computes the
// texture mapping.
func (ti *TileImagery) UseReady(img *Imagery, tile orb.Bound) {
	ti.Ready = img
	if img == nil {
		ti.TextureTranslationAndScale = [4]float64{}
		return
	}

	ir := img.Rectangle
	ti.TextureTranslationAndScale = [4]float64{
		(tile.Left() - ir.Left()) / Width(ir),
		(tile.Bottom() - ir.Bottom()) / Height(ir),
		Width(tile) / Width(ir),
		Height(tile) / Height(ir),
	}
}

// Release drops the attachment reference on its raster.
func (ti *TileImagery) Release() {
	ti.Ready = nil
	ti.Loading.ReleaseReference()
}
