package providers

import (
	"context"

	"github.com/aukilabs/surface/models"
)

const defaultHeightmapSize = 16

// EllipsoidTerrainProvider serves flat terrain: every tile is a heightmap of
// zeros laid on the ellipsoid.
type EllipsoidTerrainProvider struct {
	// Defaults to the geographic scheme with two tiles at level zero.
	Scheme models.TilingScheme

	// The number of samples along each side of a tile. Defaults to 16.
	HeightmapSize int
}

func (p *EllipsoidTerrainProvider) TilingScheme() models.TilingScheme {
	if p.Scheme == nil {
		return models.GeographicTilingScheme{}
	}
	return p.Scheme
}

func (p *EllipsoidTerrainProvider) RequestTileGeometry(ctx context.Context, x, y, level int) (*models.TerrainData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scheme := p.TilingScheme()
	if level < 0 ||
		x < 0 || x >= scheme.NumberOfXTilesAtLevel(level) ||
		y < 0 || y >= scheme.NumberOfYTilesAtLevel(level) {
		return nil, models.ErrOutOfRegion
	}

	size := p.HeightmapSize
	if size < 2 {
		size = defaultHeightmapSize
	}

	return &models.TerrainData{
		Width:   size,
		Height:  size,
		Heights: make([]float32, size*size),
	}, nil
}
