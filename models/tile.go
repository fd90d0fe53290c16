package models

import (
	"fmt"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/paulmach/orb"
)

// TileState is the load state of a tile terrain.
type TileState int

const (
	TileStateUnloaded TileState = iota
	TileStateLoading
	TileStateReceived
	TileStateTransformed
	TileStateReady
	TileStateFailed
)

func (s TileState) String() string {
	switch s {
	case TileStateUnloaded:
		return "unloaded"
	case TileStateLoading:
		return "loading"
	case TileStateReceived:
		return "received"
	case TileStateTransformed:
		return "transformed"
	case TileStateReady:
		return "ready"
	case TileStateFailed:
		return "failed"
	default:
		return fmt.Sprintf("tile_state(%d)", int(s))
	}
}

var tileStateTransitions = map[TileState][]TileState{
	TileStateUnloaded:    {TileStateLoading},
	TileStateLoading:     {TileStateReceived, TileStateFailed},
	TileStateReceived:    {TileStateTransformed, TileStateFailed},
	TileStateTransformed: {TileStateReady, TileStateFailed},
	TileStateReady:       {},
	TileStateFailed:      {TileStateLoading},
}

// TileKey identifies a tile within a tiling scheme.
type TileKey struct {
	X     int
	Y     int
	Level int
}

func (k TileKey) String() string {
	return fmt.Sprintf("%d/%d/%d", k.Level, k.X, k.Y)
}

// Parent returns the key of the tile that contains this one at the previous
// level. ok is false for level zero tiles.
func (k TileKey) Parent() (key TileKey, ok bool) {
	if k.Level == 0 {
		return TileKey{}, false
	}
	return TileKey{X: k.X / 2, Y: k.Y / 2, Level: k.Level - 1}, true
}

// Child returns the key of the child tile in the given quadrant.
func (k TileKey) Child(q Quadrant) TileKey {
	child := TileKey{X: k.X * 2, Y: k.Y * 2, Level: k.Level + 1}
	if q == QuadrantNorthEast || q == QuadrantSouthEast {
		child.X++
	}
	if q == QuadrantSouthWest || q == QuadrantSouthEast {
		child.Y++
	}
	return child
}

// IsAncestorOf reports whether k contains the other key at a finer level.
func (k TileKey) IsAncestorOf(other TileKey) bool {
	if other.Level <= k.Level {
		return false
	}
	shift := other.Level - k.Level
	return other.X>>shift == k.X && other.Y>>shift == k.Y
}

// Quadrant designates one of the four children of a tile.
type Quadrant int

const (
	QuadrantNorthWest Quadrant = iota
	QuadrantNorthEast
	QuadrantSouthWest
	QuadrantSouthEast
)

// Quadrants lists the quadrants in traversal order.
var Quadrants = [4]Quadrant{
	QuadrantNorthWest,
	QuadrantNorthEast,
	QuadrantSouthWest,
	QuadrantSouthEast,
}

// Tile is a node of the terrain quadtree.
//
// Tiles are owned by a TileStore and reference their relatives by key only.
type Tile struct {
	Key       TileKey
	Rectangle orb.Bound

	// The terrain load state.
	State TileState

	// The received terrain data, set in the received state.
	Data *TerrainData

	// The decoded terrain geometry, set once transformed.
	Mesh *Mesh

	// The imagery attachments, ordered like the imagery layer collection.
	Imagery []*TileImagery

	// The number of failed terrain requests since the last success.
	FailedAttempts int

	// The frame from which a failed tile may be requested again.
	RetryFrame int64

	// Incremented each time the tile is invalidated. Pending requests issued
	// for a previous generation are discarded.
	Generation uint32

	lastVisitedFrame  int64
	lastRenderedFrame int64
	lastError         error
}

// Transition moves the tile to the given load state.
func (t *Tile) Transition(to TileState) error {
	for _, s := range tileStateTransitions[t.State] {
		if s == to {
			t.State = to
			return nil
		}
	}

	return errors.New("invalid tile state transition").
		WithType(ErrTypeInvalidTransition).
		WithTag("tile", t.Key.String()).
		WithTag("from", t.State.String()).
		WithTag("to", to.String())
}

// Fail moves the tile to the failed state and records the error.
func (t *Tile) Fail(err error) {
	t.State = TileStateFailed
	t.FailedAttempts++
	t.lastError = err
}

// LastError returns the error of the last failed request.
func (t *Tile) LastError() error {
	return t.lastError
}

// IsRenderable reports whether the tile terrain can be rendered.
func (t *Tile) IsRenderable() bool {
	return t.State == TileStateReady
}

// Visit marks the tile as reached by the traversal of the given frame.
func (t *Tile) Visit(frame int64) {
	t.lastVisitedFrame = frame
}

// LastVisitedFrame returns the last frame in which the traversal reached the
// tile.
func (t *Tile) LastVisitedFrame() int64 {
	return t.lastVisitedFrame
}

// MarkRendered flags the tile as selected for rendering in the given frame.
func (t *Tile) MarkRendered(frame int64) {
	t.lastRenderedFrame = frame
}

// IsRendered reports whether the tile was selected for rendering in the given
// frame.
func (t *Tile) IsRendered(frame int64) bool {
	return t.lastRenderedFrame == frame && frame != 0
}

// HasLayer reports whether the tile has at least one attachment from the given
// layer.
func (t *Tile) HasLayer(l *ImageryLayer) bool {
	for _, ti := range t.Imagery {
		if ti.Layer() == l {
			return true
		}
	}
	return false
}

// ImageryDone reports whether every attachment reached a terminal state.
func (t *Tile) ImageryDone() bool {
	for _, ti := range t.Imagery {
		if !ti.Done() {
			return false
		}
	}
	return true
}
