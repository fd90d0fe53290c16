package models

import "github.com/aukilabs/go-tooling/pkg/errors"

const (
	// ErrTypeConfiguration is the type of errors returned when a surface is
	// constructed without one of its required collaborators.
	ErrTypeConfiguration = "configuration_error"

	// ErrTypeTileLoadFailure is the type of errors returned by providers when
	// a request is rejected. Tiles failing this way are retried.
	ErrTypeTileLoadFailure = "tile_load_failure"

	// ErrTypeOutOfRegion is the type of errors returned by providers for tiles
	// outside of their valid extent. Such tiles are never retried.
	ErrTypeOutOfRegion = "out_of_region"

	ErrTypeInvalidTransition = "invalid_tile_state_transition"
	ErrTypeLayerNotFound     = "layer_not_found"
)

// ErrOutOfRegion is returned by providers when the requested tile is outside
// of their valid region.
var ErrOutOfRegion = errors.New("tile is outside of the provider region").
	WithType(ErrTypeOutOfRegion)

// IsOutOfRegion reports whether the given error means the requested tile will
// never be served by the provider.
func IsOutOfRegion(err error) bool {
	return errors.IsType(err, ErrTypeOutOfRegion)
}
