package models

import (
	"testing"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestTileKey(t *testing.T) {
	t.Run("parent", func(t *testing.T) {
		parent, ok := TileKey{X: 5, Y: 3, Level: 3}.Parent()
		require.True(t, ok)
		require.Equal(t, TileKey{X: 2, Y: 1, Level: 2}, parent)

		_, ok = TileKey{X: 1}.Parent()
		require.False(t, ok)
	})

	t.Run("children", func(t *testing.T) {
		k := TileKey{X: 1, Y: 0, Level: 1}
		require.Equal(t, TileKey{X: 2, Y: 0, Level: 2}, k.Child(QuadrantNorthWest))
		require.Equal(t, TileKey{X: 3, Y: 0, Level: 2}, k.Child(QuadrantNorthEast))
		require.Equal(t, TileKey{X: 2, Y: 1, Level: 2}, k.Child(QuadrantSouthWest))
		require.Equal(t, TileKey{X: 3, Y: 1, Level: 2}, k.Child(QuadrantSouthEast))

		for _, q := range Quadrants {
			parent, ok := k.Child(q).Parent()
			require.True(t, ok)
			require.Equal(t, k, parent)
		}
	})

	t.Run("ancestor", func(t *testing.T) {
		k := TileKey{X: 1, Y: 0, Level: 1}
		require.True(t, k.IsAncestorOf(TileKey{X: 7, Y: 2, Level: 3}))
		require.False(t, k.IsAncestorOf(TileKey{X: 1, Y: 2, Level: 3}))
		require.False(t, k.IsAncestorOf(k))
	})

	t.Run("string", func(t *testing.T) {
		require.Equal(t, "3/5/2", TileKey{X: 5, Y: 2, Level: 3}.String())
	})
}

func TestTileTransition(t *testing.T) {
	t.Run("full load", func(t *testing.T) {
		var tile Tile

		require.NoError(t, tile.Transition(TileStateLoading))
		require.NoError(t, tile.Transition(TileStateReceived))
		require.NoError(t, tile.Transition(TileStateTransformed))
		require.NoError(t, tile.Transition(TileStateReady))
		require.True(t, tile.IsRenderable())
	})

	t.Run("failed tile is requested again", func(t *testing.T) {
		var tile Tile

		require.NoError(t, tile.Transition(TileStateLoading))
		tile.Fail(errors.New("timeout"))
		require.Equal(t, TileStateFailed, tile.State)
		require.Equal(t, 1, tile.FailedAttempts)
		require.Error(t, tile.LastError())

		require.NoError(t, tile.Transition(TileStateLoading))
	})

	t.Run("skipping a state is rejected", func(t *testing.T) {
		var tile Tile

		err := tile.Transition(TileStateReady)
		require.Error(t, err)
		require.Equal(t, ErrTypeInvalidTransition, errors.Type(err))
		require.Equal(t, TileStateUnloaded, tile.State)
	})

	t.Run("ready tile cannot go back", func(t *testing.T) {
		tile := Tile{State: TileStateReady}

		for _, s := range []TileState{
			TileStateUnloaded,
			TileStateLoading,
			TileStateReceived,
			TileStateTransformed,
			TileStateFailed,
		} {
			require.Error(t, tile.Transition(s))
		}
	})
}

func TestTileRendered(t *testing.T) {
	var tile Tile
	require.False(t, tile.IsRendered(0))

	tile.MarkRendered(3)
	require.True(t, tile.IsRendered(3))
	require.False(t, tile.IsRendered(4))
}

func TestTileLayers(t *testing.T) {
	l1 := NewImageryLayer(newTestImageryProvider())
	l2 := NewImageryLayer(newTestImageryProvider())

	tile := Tile{
		Imagery: []*TileImagery{
			NewTileImagery(l1.Imagery(TileKey{}), unitRectangle),
		},
	}
	require.True(t, tile.HasLayer(l1))
	require.False(t, tile.HasLayer(l2))
	require.False(t, tile.ImageryDone())

	tile.Imagery[0].Loading.State = ImageryStateFailed
	require.True(t, tile.ImageryDone())
}
