package models

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
)

func loadTile(t *testing.T, s *TileStore, tile *Tile) {
	require.NoError(t, tile.Transition(TileStateLoading))
	require.NoError(t, tile.Transition(TileStateReceived))
	require.NoError(t, tile.Transition(TileStateTransformed))
	require.NoError(t, s.MarkRenderable(tile))
}

func TestNewTileStore(t *testing.T) {
	s := NewTileStore(GeographicTilingScheme{})
	require.Len(t, s.Roots(), 2)
	require.Equal(t, 2, s.Len())

	west, ok := s.Get(TileKey{X: 0})
	require.True(t, ok)
	require.Equal(t, orb.Bound{
		Min: orb.Point{-180, -90},
		Max: orb.Point{0, 90},
	}, west.Rectangle)
}

func TestTileStoreGetOrCreateChild(t *testing.T) {
	s := NewTileStore(GeographicTilingScheme{})
	root := s.Roots()[0]

	nw := s.GetOrCreateChild(root, QuadrantNorthWest)
	require.Equal(t, TileKey{X: 0, Y: 0, Level: 1}, nw.Key)
	require.Same(t, nw, s.GetOrCreateChild(root, QuadrantNorthWest))
	require.Equal(t, 3, s.Len())

	parent, ok := s.Parent(nw)
	require.True(t, ok)
	require.Same(t, root, parent)

	children := s.Children(root)
	require.Equal(t, 6, s.Len())

	var area float64
	for _, c := range children {
		require.True(t, root.Rectangle.Contains(c.Rectangle.Min))
		require.True(t, root.Rectangle.Contains(c.Rectangle.Max))
		area += Width(c.Rectangle) * Height(c.Rectangle)
	}
	require.Equal(t, Width(root.Rectangle)*Height(root.Rectangle), area)
}

func TestTileStoreMarkRenderable(t *testing.T) {
	t.Run("transformed tile", func(t *testing.T) {
		s := NewTileStore(GeographicTilingScheme{})
		tile := s.Roots()[0]
		tile.Data = &TerrainData{}

		loadTile(t, s, tile)
		require.Equal(t, TileStateReady, tile.State)
		require.Nil(t, tile.Data)
	})

	t.Run("loading tile", func(t *testing.T) {
		s := NewTileStore(GeographicTilingScheme{})
		tile := s.Roots()[0]

		require.NoError(t, tile.Transition(TileStateLoading))
		require.Error(t, s.MarkRenderable(tile))
		require.Equal(t, TileStateLoading, tile.State)
	})
}

func TestTileStoreNearestRenderableAncestor(t *testing.T) {
	s := NewTileStore(GeographicTilingScheme{})
	root := s.Roots()[1]
	child := s.GetOrCreateChild(root, QuadrantSouthEast)
	grandChild := s.GetOrCreateChild(child, QuadrantNorthWest)

	_, ok := s.NearestRenderableAncestor(grandChild)
	require.False(t, ok)

	loadTile(t, s, root)
	ancestor, ok := s.NearestRenderableAncestor(grandChild)
	require.True(t, ok)
	require.Same(t, root, ancestor)

	loadTile(t, s, child)
	ancestor, ok = s.NearestRenderableAncestor(grandChild)
	require.True(t, ok)
	require.Same(t, child, ancestor)
}

func TestTileStoreInvalidate(t *testing.T) {
	s := NewTileStore(GeographicTilingScheme{})
	root := s.Roots()[0]
	loadTile(t, s, root)
	child := s.GetOrCreateChild(root, QuadrantNorthEast)
	s.GetOrCreateChild(child, QuadrantSouthWest)

	var removed []TileKey
	s.OnRemove(func(t *Tile) {
		removed = append(removed, t.Key)
	})

	s.Invalidate(root)
	require.Equal(t, TileStateUnloaded, root.State)
	require.Nil(t, root.Mesh)
	require.Equal(t, uint32(1), root.Generation)
	require.Len(t, removed, 2)
	require.Equal(t, 2, s.Len())

	_, ok := s.Get(child.Key)
	require.False(t, ok)
}

func TestTileStoreRemove(t *testing.T) {
	s := NewTileStore(GeographicTilingScheme{})
	root := s.Roots()[0]
	child := s.GetOrCreateChild(root, QuadrantNorthEast)
	s.Children(child)

	removed := 0
	s.OnRemove(func(t *Tile) {
		removed++
	})

	s.Remove(root)
	require.Equal(t, 0, removed)

	s.Remove(child)
	require.Equal(t, 5, removed)
	require.Equal(t, 2, s.Len())

	s.Remove(child)
	require.Equal(t, 5, removed)
}

func TestTileStoreTiles(t *testing.T) {
	s := NewTileStore(GeographicTilingScheme{})
	s.Children(s.Roots()[1])
	s.Children(s.Roots()[0])

	tiles := s.Tiles()
	require.Len(t, tiles, 10)
	require.Equal(t, TileKey{X: 0}, tiles[0].Key)
	require.Equal(t, TileKey{X: 1}, tiles[1].Key)
	require.Equal(t, TileKey{X: 0, Y: 0, Level: 1}, tiles[2].Key)
	require.Equal(t, TileKey{X: 3, Y: 1, Level: 1}, tiles[9].Key)
}
