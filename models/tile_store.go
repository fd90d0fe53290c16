package models

import (
	"sort"
)

// TileStore is the terrain quadtree. Tiles are kept in an arena indexed by
// their key and relatives are resolved through key arithmetic, so tiles never
// point at each other.
type TileStore struct {
	scheme   TilingScheme
	tiles    map[TileKey]*Tile
	roots    []*Tile
	onRemove func(*Tile)
}

// NewTileStore creates a quadtree with the level zero tiles of the given
// scheme.
func NewTileStore(scheme TilingScheme) *TileStore {
	s := &TileStore{
		scheme: scheme,
		tiles:  make(map[TileKey]*Tile),
	}

	for y := 0; y < scheme.NumberOfYTilesAtLevel(0); y++ {
		for x := 0; x < scheme.NumberOfXTilesAtLevel(0); x++ {
			s.roots = append(s.roots, s.create(TileKey{X: x, Y: y}))
		}
	}
	return s
}

// OnRemove registers a function called for every tile removed from the store,
// before it is forgotten.
func (s *TileStore) OnRemove(f func(*Tile)) {
	s.onRemove = f
}

// TilingScheme returns the scheme the store is built on.
func (s *TileStore) TilingScheme() TilingScheme {
	return s.scheme
}

// Roots returns the level zero tiles.
func (s *TileStore) Roots() []*Tile {
	return s.roots
}

// Len returns the number of tiles in the store.
func (s *TileStore) Len() int {
	return len(s.tiles)
}

// Get returns the tile with the given key.
func (s *TileStore) Get(key TileKey) (*Tile, bool) {
	t, ok := s.tiles[key]
	return t, ok
}

// Parent returns the parent of the given tile.
func (s *TileStore) Parent(t *Tile) (*Tile, bool) {
	key, ok := t.Key.Parent()
	if !ok {
		return nil, false
	}
	return s.Get(key)
}

// Child returns the child of the given tile in the given quadrant, if it was
// created.
func (s *TileStore) Child(t *Tile, q Quadrant) (*Tile, bool) {
	return s.Get(t.Key.Child(q))
}

// GetOrCreateChild returns the child of the given tile in the given quadrant,
// creating it when needed.
func (s *TileStore) GetOrCreateChild(t *Tile, q Quadrant) *Tile {
	key := t.Key.Child(q)
	if child, ok := s.tiles[key]; ok {
		return child
	}
	return s.create(key)
}

// Children returns the four children of the given tile, creating them when
// needed.
func (s *TileStore) Children(t *Tile) [4]*Tile {
	var children [4]*Tile
	for i, q := range Quadrants {
		children[i] = s.GetOrCreateChild(t, q)
	}
	return children
}

// NearestRenderableAncestor returns the closest ancestor of the given tile
// whose terrain is ready.
func (s *TileStore) NearestRenderableAncestor(t *Tile) (*Tile, bool) {
	for p, ok := s.Parent(t); ok; p, ok = s.Parent(p) {
		if p.IsRenderable() {
			return p, true
		}
	}
	return nil, false
}

// MarkRenderable completes the load of a transformed tile. The raw terrain
// data is released since the mesh now holds everything needed to render.
func (s *TileStore) MarkRenderable(t *Tile) error {
	if err := t.Transition(TileStateReady); err != nil {
		return err
	}

	t.Data = nil
	t.FailedAttempts = 0
	t.lastError = nil
	return nil
}

// Invalidate drops the terrain of the given tile so that it is loaded again.
// Its descendants are superseded and removed from the store.
func (s *TileStore) Invalidate(t *Tile) {
	s.removeDescendants(t)

	t.State = TileStateUnloaded
	t.Data = nil
	t.Mesh = nil
	t.FailedAttempts = 0
	t.RetryFrame = 0
	t.lastError = nil
	t.Generation++
}

// Remove destroys the given tile and its descendants. Level zero tiles are
// never removed.
func (s *TileStore) Remove(t *Tile) {
	if t.Key.Level == 0 {
		return
	}
	if _, ok := s.tiles[t.Key]; !ok {
		return
	}

	s.removeDescendants(t)
	s.remove(t)
}

// Tiles returns all the tiles of the store, coarsest first.
func (s *TileStore) Tiles() []*Tile {
	tiles := make([]*Tile, 0, len(s.tiles))
	for _, t := range s.tiles {
		tiles = append(tiles, t)
	}

	sort.Slice(tiles, func(i, j int) bool {
		a, b := tiles[i].Key, tiles[j].Key
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
	return tiles
}

func (s *TileStore) create(key TileKey) *Tile {
	t := &Tile{
		Key:       key,
		Rectangle: s.scheme.TileXYToRectangle(key.X, key.Y, key.Level),
	}
	s.tiles[key] = t
	return t
}

func (s *TileStore) removeDescendants(t *Tile) {
	for _, q := range Quadrants {
		child, ok := s.Child(t, q)
		if !ok {
			continue
		}
		s.removeDescendants(child)
		s.remove(child)
	}
}

func (s *TileStore) remove(t *Tile) {
	if s.onRemove != nil {
		s.onRemove(t)
	}
	delete(s.tiles, t.Key)
}
