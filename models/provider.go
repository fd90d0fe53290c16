package models

import (
	"context"
	"image"
	"math"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/paulmach/orb"
)

// TerrainProvider is the interface that describes a source of terrain tiles.
type TerrainProvider interface {
	// Returns the tiling scheme of the terrain tiles.
	TilingScheme() TilingScheme

	// Requests the geometry of a tile. It is called from its own goroutine
	// and must return when the context is canceled.
	//
	// Returning an error typed ErrTypeOutOfRegion marks the tile as never
	// available. Any other error is considered a transient failure.
	RequestTileGeometry(ctx context.Context, x, y, level int) (*TerrainData, error)
}

// ImageryProvider is the interface that describes a source of imagery tiles
// draped over the terrain.
type ImageryProvider interface {
	// Returns the tiling scheme of the imagery tiles.
	TilingScheme() TilingScheme

	// Returns the region where the provider has imagery.
	Rectangle() orb.Bound

	// Returns the finest level served by the provider.
	MaximumLevel() int

	// Requests the raster of an imagery tile. Same rules as
	// TerrainProvider.RequestTileGeometry apply.
	RequestImage(ctx context.Context, x, y, level int) (image.Image, error)
}

// TerrainData is a heightmap as received from a terrain provider.
type TerrainData struct {
	Width   int
	Height  int
	Heights []float32
}

// Mesh is the decoded terrain geometry of a tile.
type Mesh struct {
	Rectangle     orb.Bound
	Width         int
	Height        int
	Positions     []orb.Point
	Heights       []float32
	MinimumHeight float64
	MaximumHeight float64
}

// CreateMesh decodes the heightmap into a regular grid covering the given
// rectangle.
func (d *TerrainData) CreateMesh(rect orb.Bound) (*Mesh, error) {
	if d.Width < 2 || d.Height < 2 {
		return nil, errors.New("heightmap is too small").
			WithType(ErrTypeTileLoadFailure).
			WithTag("width", d.Width).
			WithTag("height", d.Height)
	}
	if len(d.Heights) != d.Width*d.Height {
		return nil, errors.New("heightmap size mismatch").
			WithType(ErrTypeTileLoadFailure).
			WithTag("expected", d.Width*d.Height).
			WithTag("got", len(d.Heights))
	}

	m := &Mesh{
		Rectangle:     rect,
		Width:         d.Width,
		Height:        d.Height,
		Positions:     make([]orb.Point, 0, len(d.Heights)),
		Heights:       d.Heights,
		MinimumHeight: math.Inf(1),
		MaximumHeight: math.Inf(-1),
	}

	stepX := Width(rect) / float64(d.Width-1)
	stepY := Height(rect) / float64(d.Height-1)

	for row := 0; row < d.Height; row++ {
		for col := 0; col < d.Width; col++ {
			h := float64(d.Heights[row*d.Width+col])
			m.MinimumHeight = math.Min(m.MinimumHeight, h)
			m.MaximumHeight = math.Max(m.MaximumHeight, h)
			m.Positions = append(m.Positions, orb.Point{
				rect.Left() + float64(col)*stepX,
				rect.Top() - float64(row)*stepY,
			})
		}
	}
	return m, nil
}

// VertexCount returns the number of vertices of the mesh.
func (m *Mesh) VertexCount() int {
	return len(m.Positions)
}

// Camera describes the viewer used to compute screen-space errors.
type Camera struct {
	// Longitude and latitude, in degrees.
	Position orb.Point

	// Height above the ellipsoid, in meters.
	Height float64

	// Vertical field of view, in radians.
	FieldOfViewY float64

	ViewportWidth  int
	ViewportHeight int
}

// FrameState is the per-frame input of a surface update.
type FrameState struct {
	Camera Camera

	// The region visible from the camera. A zero rectangle means the whole
	// globe is visible.
	ViewRectangle orb.Bound
}

// IsVisible reports whether the given rectangle is in view.
func (f FrameState) IsVisible(rect orb.Bound) bool {
	if f.ViewRectangle == (orb.Bound{}) {
		return true
	}
	_, ok := Intersection(f.ViewRectangle, rect)
	return ok
}
