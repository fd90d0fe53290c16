package surface

import (
	"math"

	"github.com/aukilabs/surface/models"
	"github.com/paulmach/orb/geo"
)

const (
	defaultViewportHeight = 1080
	defaultFieldOfViewY   = math.Pi / 3
)

// selectTiles walks the quadtree from the visible level zero tiles and fills
// the render list.
func (s *Surface) selectTiles(fs models.FrameState) {
	s.render.reset()
	s.enqueued = 0

	for _, root := range s.store.Roots() {
		if !fs.IsVisible(root.Rectangle) {
			continue
		}

		sse := s.screenSpaceError(root, fs)
		s.touch(root, sse)
		if root.IsRenderable() {
			s.visit(root, sse, fs)
		}
	}
}

// visit decides whether a ready tile is rendered or refined into its
// children.
func (s *Surface) visit(t *models.Tile, sse float64, fs models.FrameState) {
	if sse <= s.opts.MaximumScreenSpaceError || t.Key.Level >= s.opts.MaximumLevel {
		s.renderTile(t, t, false)
		return
	}

	type child struct {
		tile *models.Tile
		sse  float64
	}

	var children []child
	loaded := true
	renderable := false

	scheme := s.store.TilingScheme()
	for _, q := range models.Quadrants {
		key := t.Key.Child(q)
		if !fs.IsVisible(scheme.TileXYToRectangle(key.X, key.Y, key.Level)) {
			continue
		}

		c := s.store.GetOrCreateChild(t, q)
		childSSE := s.screenSpaceError(c, fs)
		s.touch(c, childSSE)
		children = append(children, child{tile: c, sse: childSSE})

		switch c.State {
		case models.TileStateReady:
			renderable = true
		case models.TileStateFailed:
		default:
			loaded = false
		}
	}

	// The tile stays on screen until its children can replace it.
	if !loaded || !renderable {
		s.renderTile(t, t, false)
		return
	}

	for _, c := range children {
		if c.tile.IsRenderable() {
			s.visit(c.tile, c.sse, fs)
		} else {
			s.substitute(c.tile)
		}
	}
}

// substitute renders the nearest ready ancestor of a failed tile over the
// tile extent.
func (s *Surface) substitute(t *models.Tile) {
	ancestor, ok := s.store.NearestRenderableAncestor(t)
	if !ok {
		return
	}
	s.renderTile(ancestor, t, true)
}

func (s *Surface) renderTile(t *models.Tile, extent *models.Tile, substitute bool) {
	t.MarkRendered(s.frame)
	s.render.add(t, extent.Rectangle, substitute)
}

// touch marks a tile as visited, attaches the layers it misses and enqueues
// its pending loads.
func (s *Surface) touch(t *models.Tile, sse float64) {
	t.Visit(s.frame)

	for _, l := range s.layers.Layers() {
		s.attachments.AttachLayer(t, l)
	}

	if s.needsTerrain(t) {
		s.queue.Enqueue(Entry{
			Key:        t.Key,
			Kind:       LoadTerrain,
			Importance: sse,
		})
		s.enqueued++
	}

	if s.needsImagery(t) {
		s.queue.Enqueue(Entry{
			Key:        t.Key,
			Kind:       LoadImagery,
			Importance: sse,
		})
		s.enqueued++
	}
}

func (s *Surface) needsTerrain(t *models.Tile) bool {
	switch t.State {
	case models.TileStateReady:
		return false
	case models.TileStateFailed:
		return models.ShouldRetry(t.RetryFrame, s.frame)
	default:
		return true
	}
}

func (s *Surface) needsImagery(t *models.Tile) bool {
	for _, ti := range t.Imagery {
		switch ti.Loading.State {
		case models.ImageryStateUnloaded, models.ImageryStateLoading:
			return true
		case models.ImageryStateFailed:
			if models.ShouldRetry(ti.Loading.RetryFrame, s.frame) {
				return true
			}
		}
	}
	return false
}

// screenSpaceError returns the number of pixels the geometric error of a tile
// spans on screen.
func (s *Surface) screenSpaceError(t *models.Tile, fs models.FrameState) float64 {
	cam := fs.Camera

	viewportHeight := float64(cam.ViewportHeight)
	if viewportHeight <= 0 {
		viewportHeight = defaultViewportHeight
	}

	fov := cam.FieldOfViewY
	if fov <= 0 {
		fov = defaultFieldOfViewY
	}

	ground := geo.Distance(cam.Position, models.ClosestPoint(t.Rectangle, cam.Position))
	distance := math.Max(math.Hypot(ground, cam.Height), 1)

	geometricError := models.LevelMaximumGeometricError(s.store.TilingScheme(), t.Key.Level)
	return geometricError * viewportHeight / (distance * 2 * math.Tan(fov/2))
}
