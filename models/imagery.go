package models

import (
	"fmt"
	"image"

	"github.com/paulmach/orb"
)

// ImageryState is the load state of an imagery raster.
type ImageryState int

const (
	ImageryStateUnloaded ImageryState = iota
	ImageryStateLoading
	ImageryStateReady
	ImageryStateFailed

	// The raster is outside of the provider valid region and will never be
	// loaded.
	ImageryStateInvalid
)

func (s ImageryState) String() string {
	switch s {
	case ImageryStateUnloaded:
		return "unloaded"
	case ImageryStateLoading:
		return "loading"
	case ImageryStateReady:
		return "ready"
	case ImageryStateFailed:
		return "failed"
	case ImageryStateInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("imagery_state(%d)", int(s))
	}
}

// Imagery is a raster tile of an imagery layer. Rasters are shared by every
// terrain tile they cover and live as long as one of them references it.
type Imagery struct {
	Layer     *ImageryLayer
	Key       TileKey
	Rectangle orb.Bound
	State     ImageryState
	Image     image.Image

	// The raster covering this one at the previous level, used while this
	// one is not ready.
	Parent *Imagery

	FailedAttempts int

	// The frame from which a failed raster may be requested again. Negative
	// when the raster must not be retried.
	RetryFrame int64

	refCount int
}

// AddReference registers a new holder of the raster.
func (i *Imagery) AddReference() {
	i.refCount++
}

// ReleaseReference unregisters a holder of the raster. The raster is evicted
// from its layer cache when the last reference is released.
func (i *Imagery) ReleaseReference() int {
	i.refCount--
	if i.refCount > 0 {
		return i.refCount
	}

	i.Layer.removeImagery(i)
	i.Image = nil
	if i.Parent != nil {
		i.Parent.ReleaseReference()
		i.Parent = nil
	}
	return 0
}

// References returns the number of holders of the raster.
func (i *Imagery) References() int {
	return i.refCount
}

// Done reports whether the raster reached a terminal state.
func (i *Imagery) Done() bool {
	switch i.State {
	case ImageryStateReady, ImageryStateFailed, ImageryStateInvalid:
		return true
	default:
		return false
	}
}

// NearestReadyAncestor returns the closest coarser raster that is ready.
func (i *Imagery) NearestReadyAncestor() (*Imagery, bool) {
	for p := i.Parent; p != nil; p = p.Parent {
		if p.State == ImageryStateReady {
			return p, true
		}
	}
	return nil, false
}
