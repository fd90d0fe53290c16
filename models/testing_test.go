package models

import (
	"context"
	"image"

	"github.com/paulmach/orb"
)

var unitRectangle = orb.Bound{Max: orb.Point{1, 1}}

type testImageryProvider struct {
	scheme    TilingScheme
	rectangle orb.Bound
}

func newTestImageryProvider() testImageryProvider {
	scheme := GeographicTilingScheme{}

	return testImageryProvider{
		scheme:    scheme,
		rectangle: scheme.Rectangle(),
	}
}

func (p testImageryProvider) TilingScheme() TilingScheme {
	return p.scheme
}

func (p testImageryProvider) Rectangle() orb.Bound {
	return p.rectangle
}

func (p testImageryProvider) MaximumLevel() int {
	return 18
}

func (p testImageryProvider) RequestImage(ctx context.Context, x, y, level int) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 1, 1)), nil
}
