package surface

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/surface/featureflag"
	"github.com/aukilabs/surface/models"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("without terrain provider", func(t *testing.T) {
		s, err := New(Options{
			ImageryLayers: models.NewImageryLayerCollection(),
		})
		require.Error(t, err)
		require.Nil(t, s)
		require.Equal(t, models.ErrTypeConfiguration, errors.Type(err))
	})

	t.Run("without imagery layers", func(t *testing.T) {
		s, err := New(Options{
			TerrainProvider: &fakeTerrainProvider{},
		})
		require.Error(t, err)
		require.Nil(t, s)
		require.Equal(t, models.ErrTypeConfiguration, errors.Type(err))
	})

	t.Run("with defaults", func(t *testing.T) {
		s, err := New(Options{
			TerrainProvider: &fakeTerrainProvider{},
			ImageryLayers:   models.NewImageryLayerCollection(),
		})
		require.NoError(t, err)
		defer s.Close()

		require.Equal(t, 2, s.Tiles().Len())
		require.Equal(t, models.DefaultRetryPolicy, s.opts.RetryPolicy)
		require.False(t, s.Converged())
	})
}

func TestSurfaceUpdate(t *testing.T) {
	layers := models.NewImageryLayerCollection()
	l1 := layers.AddImageryProvider(newFakeImageryProvider())

	s := newTestSurface(t, Options{ImageryLayers: layers})
	updateUntilConverged(t, s, testFrame)

	require.True(t, s.LoadQueue().Empty())
	require.NotZero(t, s.RenderList().Len())

	for _, rt := range s.RenderList().Tiles() {
		require.Equal(t, models.TileStateReady, rt.State)
		require.Equal(t, 2, rt.Key.Level)
		require.False(t, rt.Substitute)
		require.True(t, rt.IsRendered(s.FrameNumber()))
		require.Equal(t, rt.Rectangle, rt.Extent)

		attachments := layerAttachments(rt.Tile, l1)
		require.Len(t, attachments, 1)
		require.Equal(t, models.ImageryStateReady, attachments[0].Loading.State)
		require.Same(t, attachments[0].Loading, attachments[0].Ready)
		require.Equal(t, [4]float64{0, 0, 1, 1}, attachments[0].TextureTranslationAndScale)
	}

	groups := s.RenderList().TilesByTextureCount()
	require.Len(t, groups, 2)
	require.Empty(t, groups[0])
	require.Len(t, groups[1], s.RenderList().Len())

	stats := s.Stats()
	require.True(t, stats.Converged)
	require.Equal(t, s.RenderList().Len(), stats.RenderedTiles)
	require.Equal(t, 1, stats.Layers)
}

func TestSurfaceViewRectangle(t *testing.T) {
	s := newTestSurface(t, Options{})

	fs := testFrame
	fs.ViewRectangle = orb.Bound{Min: orb.Point{0, -90}, Max: orb.Point{180, 90}}
	updateUntilConverged(t, s, fs)

	for _, rt := range s.RenderList().Tiles() {
		require.GreaterOrEqual(t, rt.Rectangle.Left(), float64(0))
	}

	west, ok := s.Tiles().Get(models.TileKey{X: 0})
	require.True(t, ok)
	require.Equal(t, models.TileStateUnloaded, west.State)
}

func TestSurfaceRemoveLayer(t *testing.T) {
	layers := models.NewImageryLayerCollection()
	l1 := layers.AddImageryProvider(newFakeImageryProvider())

	s := newTestSurface(t, Options{ImageryLayers: layers})
	updateUntilConverged(t, s, testFrame)

	for _, rt := range s.RenderList().Tiles() {
		require.NotEmpty(t, rt.Imagery)
	}

	require.True(t, layers.Remove(l1))
	for _, tile := range s.Tiles().Tiles() {
		require.Empty(t, tile.Imagery)
	}
	require.Zero(t, l1.ImageryCount())

	updateUntilConverged(t, s, testFrame)
	for _, rt := range s.RenderList().Tiles() {
		require.Empty(t, rt.Imagery)
		require.Zero(t, rt.TextureCount())
	}
}

func TestSurfaceRemoveLayerWhileLoading(t *testing.T) {
	p := newFakeImageryProvider()
	p.blockedLevel = 0
	p.release = make(chan struct{})
	defer close(p.release)

	layers := models.NewImageryLayerCollection()
	l1 := layers.AddImageryProvider(p)

	s := newTestSurface(t, Options{ImageryLayers: layers})
	s.Update(testFrame)
	inflight := s.LoadQueue().Inflight()
	require.GreaterOrEqual(t, inflight, 2)

	require.True(t, layers.Remove(l1))
	require.Equal(t, inflight-2, s.LoadQueue().Inflight())
	require.Zero(t, l1.ImageryCount())

	updateUntilConverged(t, s, testFrame)
	for _, tile := range s.Tiles().Tiles() {
		require.Empty(t, tile.Imagery)
	}
}

func TestSurfaceAddLayer(t *testing.T) {
	layers := models.NewImageryLayerCollection()
	l1 := layers.AddImageryProvider(newFakeImageryProvider())

	s := newTestSurface(t, Options{ImageryLayers: layers})
	updateUntilConverged(t, s, testFrame)

	l2 := layers.AddImageryProvider(newFakeImageryProvider())
	require.False(t, s.Converged())
	for _, tile := range s.Tiles().Tiles() {
		require.NotEmpty(t, layerAttachments(tile, l2))
	}
	requireLayerOrder(t, s, l1, l2)

	updateUntilConverged(t, s, testFrame)
	for _, rt := range s.RenderList().Tiles() {
		attachments := layerAttachments(rt.Tile, l2)
		require.NotEmpty(t, attachments)
		for _, ti := range attachments {
			require.Equal(t, models.ImageryStateReady, ti.Loading.State)
		}
		require.Equal(t, 2, rt.TextureCount())
	}
	requireLayerOrder(t, s, l1, l2)
}

func TestSurfaceAddLayerAt(t *testing.T) {
	layers := models.NewImageryLayerCollection()
	l1 := layers.AddImageryProvider(newFakeImageryProvider())
	l2 := layers.AddImageryProvider(newFakeImageryProvider())

	s := newTestSurface(t, Options{ImageryLayers: layers})
	updateUntilConverged(t, s, testFrame)

	l3 := models.NewImageryLayer(newFakeImageryProvider())
	require.NoError(t, layers.AddAt(l3, 1))
	requireLayerOrder(t, s, l1, l3, l2)

	updateUntilConverged(t, s, testFrame)
	requireLayerOrder(t, s, l1, l3, l2)
}

func TestSurfaceRaiseLayerToTop(t *testing.T) {
	layers := models.NewImageryLayerCollection()
	l1 := layers.AddImageryProvider(newFakeImageryProvider())
	l2 := layers.AddImageryProvider(newFakeImageryProvider())

	s := newTestSurface(t, Options{ImageryLayers: layers})
	updateUntilConverged(t, s, testFrame)
	requireLayerOrder(t, s, l1, l2)

	before := make(map[models.TileKey][]*models.TileImagery)
	rasters := make(map[*models.TileImagery]*models.Imagery)
	for _, tile := range s.Tiles().Tiles() {
		before[tile.Key] = append([]*models.TileImagery(nil), tile.Imagery...)
		for _, ti := range tile.Imagery {
			rasters[ti] = ti.Loading
		}
	}

	require.NoError(t, layers.RaiseToTop(l1))
	requireLayerOrder(t, s, l2, l1)

	updateUntilConverged(t, s, testFrame)
	requireLayerOrder(t, s, l2, l1)

	for _, tile := range s.Tiles().Tiles() {
		require.ElementsMatch(t, before[tile.Key], tile.Imagery)
		for _, ti := range tile.Imagery {
			require.Same(t, rasters[ti], ti.Loading)
		}
	}
}

func TestSurfaceLayerOrderInvariant(t *testing.T) {
	layers := models.NewImageryLayerCollection()
	layers.AddImageryProvider(newFakeImageryProvider())

	s := newTestSurface(t, Options{ImageryLayers: layers})
	updateUntilConverged(t, s, testFrame)

	r := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		all := layers.Layers()
		var l *models.ImageryLayer
		if len(all) > 0 {
			l = all[r.Intn(len(all))]
		}

		switch op := r.Intn(7); {
		case op == 0 || l == nil:
			p := newFakeImageryProvider()
			if r.Intn(2) == 0 {
				p.rectangle = orb.Bound{Min: orb.Point{-30, -20}, Max: orb.Point{60, 45}}
			}
			layers.AddImageryProvider(p)
		case op == 1:
			layers.Remove(l)
		case op == 2:
			require.NoError(t, layers.Raise(l))
		case op == 3:
			require.NoError(t, layers.Lower(l))
		case op == 4:
			require.NoError(t, layers.RaiseToTop(l))
		case op == 5:
			require.NoError(t, layers.LowerToBottom(l))
		default:
			s.Update(testFrame)
		}

		requireLayerOrder(t, s, layers.Layers()...)
		for _, tile := range s.Tiles().Tiles() {
			require.True(t, s.Attachments().IsOrdered(tile))
		}
	}

	updateUntilConverged(t, s, testFrame)
	requireLayerOrder(t, s, layers.Layers()...)

	for _, rt := range s.RenderList().Tiles() {
		for _, l := range layers.Layers() {
			if _, ok := models.Intersection(rt.Rectangle, l.ValidRectangle()); ok {
				require.NotEmpty(t, layerAttachments(rt.Tile, l))
			}
		}
	}
}

func TestSurfaceMissedLayerEvents(t *testing.T) {
	layers := models.NewImageryLayerCollection()
	l1 := layers.AddImageryProvider(newFakeImageryProvider())
	l2 := layers.AddImageryProvider(newFakeImageryProvider())

	s := newTestSurface(t, Options{ImageryLayers: layers})
	updateUntilConverged(t, s, testFrame)

	s.stopObserving()
	require.NoError(t, layers.RaiseToTop(l1))
	layers.Remove(l2)
	l3 := layers.AddImageryProvider(newFakeImageryProvider())

	s.Update(testFrame)
	requireLayerOrder(t, s, l1, l3)
	for _, tile := range s.Tiles().Tiles() {
		require.Empty(t, layerAttachments(tile, l2))
	}
	require.Zero(t, l2.ImageryCount())
}

func TestSurfaceShowLayer(t *testing.T) {
	layers := models.NewImageryLayerCollection()
	l1 := layers.AddImageryProvider(newFakeImageryProvider())

	s := newTestSurface(t, Options{ImageryLayers: layers})
	updateUntilConverged(t, s, testFrame)

	require.NoError(t, layers.SetShow(l1, false))
	groups := s.RenderList().TilesByTextureCount()
	require.Len(t, groups, 1)
	require.Len(t, groups[0], s.RenderList().Len())

	for _, tile := range s.Tiles().Tiles() {
		require.NotEmpty(t, layerAttachments(tile, l1))
	}
}

func TestSurfaceOutOfRegionImagery(t *testing.T) {
	p := newFakeImageryProvider()
	p.fail = func(key models.TileKey, attempt int) error {
		if key.X == 0 {
			return models.ErrOutOfRegion
		}
		return nil
	}

	layers := models.NewImageryLayerCollection()
	l1 := layers.AddImageryProvider(p)

	s := newTestSurface(t, Options{ImageryLayers: layers})
	updateUntilConverged(t, s, testFrame)
	for i := 0; i < 20; i++ {
		s.Update(testFrame)
	}

	invalid := 0
	for level := 0; level <= 2; level++ {
		for y := 0; y < 1<<level; y++ {
			key := models.TileKey{X: 0, Y: y, Level: level}
			if n := p.Requests(key); n > 0 {
				require.Equal(t, 1, n, "raster %s requested again", key)
				require.True(t, l1.IsInvalid(key))
				invalid++
			}
		}
	}
	require.NotZero(t, invalid)

	for _, tile := range s.Tiles().Tiles() {
		for _, ti := range layerAttachments(tile, l1) {
			require.NotEqual(t, 0, ti.Loading.Key.X)
			require.NotEqual(t, models.ImageryStateInvalid, ti.Loading.State)
		}
	}

	east, ok := s.Tiles().Get(models.TileKey{X: 1})
	require.True(t, ok)
	require.NotEmpty(t, layerAttachments(east, l1))
}

func TestSurfaceImageryOutsideLayerRectangle(t *testing.T) {
	p := newFakeImageryProvider()
	p.rectangle = orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{90, 90}}

	layers := models.NewImageryLayerCollection()
	l1 := layers.AddImageryProvider(p)

	s := newTestSurface(t, Options{ImageryLayers: layers})
	updateUntilConverged(t, s, testFrame)

	for _, rt := range s.RenderList().Tiles() {
		_, intersects := models.Intersection(rt.Rectangle, p.rectangle)
		require.Equal(t, intersects, len(layerAttachments(rt.Tile, l1)) > 0, "tile %s", rt.Key)
	}
}

func TestSurfaceImageryRetry(t *testing.T) {
	p := newFakeImageryProvider()
	p.fail = func(key models.TileKey, attempt int) error {
		if key.Level == 2 && attempt < 3 {
			return errors.New("server unavailable").WithType(models.ErrTypeTileLoadFailure)
		}
		return nil
	}

	layers := models.NewImageryLayerCollection()
	l1 := layers.AddImageryProvider(p)

	s := newTestSurface(t, Options{
		ImageryLayers: layers,
		RetryPolicy: models.RetryPolicy{
			MaxAttempts:     5,
			BaseDelayFrames: 1,
			MaxDelayFrames:  2,
		},
	})

	updateUntil(t, s, testFrame, func() bool {
		for _, rt := range s.RenderList().Tiles() {
			if rt.Key.Level != 2 {
				return false
			}
			for _, ti := range layerAttachments(rt.Tile, l1) {
				if ti.Loading.State != models.ImageryStateReady {
					return false
				}
			}
		}
		return s.RenderList().Len() > 0
	})

	for _, rt := range s.RenderList().Tiles() {
		require.Equal(t, 2, rt.Key.Level)
		for _, ti := range layerAttachments(rt.Tile, l1) {
			require.Equal(t, 3, p.Requests(ti.Loading.Key))
		}
	}
}

func TestSurfaceImageryFallback(t *testing.T) {
	run := func(t *testing.T, flags []string) (*Surface, *models.ImageryLayer) {
		p := newFakeImageryProvider()
		p.blockedLevel = 2
		p.release = make(chan struct{})
		t.Cleanup(func() { close(p.release) })

		layers := models.NewImageryLayerCollection()
		l1 := layers.AddImageryProvider(p)

		s := newTestSurface(t, Options{
			ImageryLayers: layers,
			FeatureFlags:  featureflag.New(flags),
		})

		updateUntil(t, s, testFrame, func() bool {
			if s.RenderList().Len() == 0 {
				return false
			}
			for _, rt := range s.RenderList().Tiles() {
				if rt.Key.Level != 2 {
					return false
				}
				for _, ti := range layerAttachments(rt.Tile, l1) {
					if ti.Loading.Parent.State != models.ImageryStateReady {
						return false
					}
				}
			}
			return true
		})
		return s, l1
	}

	t.Run("coarser raster is drawn while loading", func(t *testing.T) {
		s, l1 := run(t, nil)

		for _, rt := range s.RenderList().Tiles() {
			ti := layerAttachments(rt.Tile, l1)[0]
			require.NotEqual(t, models.ImageryStateReady, ti.Loading.State)
			require.Same(t, ti.Loading.Parent, ti.Ready)
			require.Equal(t, 0.5, ti.TextureTranslationAndScale[2])
			require.Equal(t, 0.5, ti.TextureTranslationAndScale[3])
			require.Equal(t, 1, rt.TextureCount())
		}
	})

	t.Run("fallback disabled", func(t *testing.T) {
		s, l1 := run(t, []string{string(featureflag.FlagDisableImageryFallback)})

		for _, rt := range s.RenderList().Tiles() {
			ti := layerAttachments(rt.Tile, l1)[0]
			require.Nil(t, ti.Ready)
			require.Zero(t, rt.TextureCount())
		}
	})
}

func TestSurfaceTerrainFailure(t *testing.T) {
	failed := models.TileKey{X: 0, Y: 0, Level: 2}

	t.Run("ancestor is substituted", func(t *testing.T) {
		terrain := &fakeTerrainProvider{
			fail: func(key models.TileKey, attempt int) error {
				if key == failed {
					return errors.New("bad gateway").WithType(models.ErrTypeTileLoadFailure)
				}
				return nil
			},
		}

		s := newTestSurface(t, Options{
			TerrainProvider: terrain,
			RetryPolicy:     models.RetryPolicy{MaxAttempts: 1},
		})
		updateUntilConverged(t, s, testFrame)
		for i := 0; i < 10; i++ {
			s.Update(testFrame)
		}

		tile, ok := s.Tiles().Get(failed)
		require.True(t, ok)
		require.Equal(t, models.TileStateFailed, tile.State)
		require.Error(t, tile.LastError())
		require.Equal(t, int64(-1), tile.RetryFrame)
		require.Equal(t, 1, terrain.Requests(failed))

		var substitutes int
		for _, rt := range s.RenderList().Tiles() {
			require.NotEqual(t, failed, rt.Key)
			if rt.Substitute {
				substitutes++
				require.Equal(t, models.TileKey{X: 0, Y: 0, Level: 1}, rt.Key)
				require.Equal(t, tile.Rectangle, rt.Extent)
			}
		}
		require.Equal(t, 1, substitutes)
	})

	t.Run("failed tile is retried", func(t *testing.T) {
		terrain := &fakeTerrainProvider{
			fail: func(key models.TileKey, attempt int) error {
				if key == failed && attempt < 3 {
					return errors.New("bad gateway").WithType(models.ErrTypeTileLoadFailure)
				}
				return nil
			},
		}

		s := newTestSurface(t, Options{
			TerrainProvider: terrain,
			RetryPolicy: models.RetryPolicy{
				MaxAttempts:     5,
				BaseDelayFrames: 1,
				MaxDelayFrames:  2,
			},
		})

		updateUntil(t, s, testFrame, func() bool {
			return s.RenderList().Contains(failed)
		})

		tile, _ := s.Tiles().Get(failed)
		require.Equal(t, models.TileStateReady, tile.State)
		require.Equal(t, 3, terrain.Requests(failed))
		require.Zero(t, tile.FailedAttempts)
	})

	t.Run("retry disabled", func(t *testing.T) {
		terrain := &fakeTerrainProvider{
			fail: func(key models.TileKey, attempt int) error {
				if key == failed && attempt == 1 {
					return errors.New("bad gateway").WithType(models.ErrTypeTileLoadFailure)
				}
				return nil
			},
		}

		s := newTestSurface(t, Options{
			TerrainProvider: terrain,
			FeatureFlags:    featureflag.New([]string{string(featureflag.FlagDisableTerrainRetry)}),
		})
		updateUntilConverged(t, s, testFrame)
		for i := 0; i < 10; i++ {
			s.Update(testFrame)
		}

		tile, _ := s.Tiles().Get(failed)
		require.Equal(t, models.TileStateFailed, tile.State)
		require.Equal(t, 1, terrain.Requests(failed))
	})

	t.Run("out of region tile is not retried", func(t *testing.T) {
		terrain := &fakeTerrainProvider{
			fail: func(key models.TileKey, attempt int) error {
				if key == failed {
					return models.ErrOutOfRegion
				}
				return nil
			},
		}

		s := newTestSurface(t, Options{TerrainProvider: terrain})
		updateUntilConverged(t, s, testFrame)
		for i := 0; i < 10; i++ {
			s.Update(testFrame)
		}

		tile, _ := s.Tiles().Get(failed)
		require.Equal(t, models.TileStateFailed, tile.State)
		require.Equal(t, 1, terrain.Requests(failed))
	})
}

func TestSurfaceInvalidate(t *testing.T) {
	terrain := &fakeTerrainProvider{}
	s := newTestSurface(t, Options{TerrainProvider: terrain})
	updateUntilConverged(t, s, testFrame)

	root, _ := s.Tiles().Get(models.TileKey{X: 1})
	s.Invalidate(root)
	require.Equal(t, models.TileStateUnloaded, root.State)
	require.False(t, s.Converged())

	_, ok := s.Tiles().Get(models.TileKey{X: 2, Y: 0, Level: 1})
	require.False(t, ok)

	updateUntilConverged(t, s, testFrame)
	require.Equal(t, models.TileStateReady, root.State)
	require.Equal(t, 2, terrain.Requests(root.Key))
}

func TestSurfaceEviction(t *testing.T) {
	eastOnly := testFrame
	eastOnly.ViewRectangle = orb.Bound{Min: orb.Point{0, -90}, Max: orb.Point{180, 90}}

	isWestern := func(key models.TileKey) bool {
		return key.X < 1<<key.Level
	}

	t.Run("tiles that are not visited are evicted", func(t *testing.T) {
		layers := models.NewImageryLayerCollection()
		l1 := layers.AddImageryProvider(newFakeImageryProvider())

		s := newTestSurface(t, Options{
			ImageryLayers:   layers,
			TileCacheFrames: 2,
		})
		updateUntilConverged(t, s, testFrame)
		rasters := l1.ImageryCount()

		for i := 0; i < 4; i++ {
			s.Update(eastOnly)
		}

		_, ok := s.Tiles().Get(models.TileKey{X: 0})
		require.True(t, ok)
		for _, tile := range s.Tiles().Tiles() {
			if tile.Key.Level > 0 {
				require.False(t, isWestern(tile.Key), "tile %s", tile.Key)
			}
		}
		require.Less(t, l1.ImageryCount(), rasters)
	})

	t.Run("least recently visited tiles are evicted", func(t *testing.T) {
		s := newTestSurface(t, Options{
			TileCacheSize:   10,
			TileCacheFrames: 1000,
		})
		updateUntilConverged(t, s, testFrame)

		kept := 0
		for _, tile := range s.Tiles().Tiles() {
			if tile.Key.Level == 0 || !isWestern(tile.Key) {
				kept++
			}
		}
		require.Greater(t, s.Tiles().Len(), kept)

		s.Update(eastOnly)
		require.Equal(t, kept, s.Tiles().Len())
		for _, tile := range s.Tiles().Tiles() {
			if tile.Key.Level > 0 {
				require.False(t, isWestern(tile.Key), "tile %s", tile.Key)
			}
		}
	})

	t.Run("tiles outside a steady view are not churned", func(t *testing.T) {
		s := newTestSurface(t, Options{
			MaximumLevel:    3,
			TileCacheFrames: 5,
		})

		fs := testFrame
		fs.ViewRectangle = orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{20, 20}}
		updateUntilConverged(t, s, fs)
		for i := 0; i < 10; i++ {
			s.Update(fs)
		}
		count := s.Tiles().Len()

		var mutex sync.Mutex
		var b strings.Builder
		logs.SetInlineEncoder()
		logs.SetLevel(logs.DebugLevel)
		logs.SetLogger(func(e logs.Entry) {
			mutex.Lock()
			defer mutex.Unlock()
			fmt.Fprint(&b, e)
		})
		defer logs.SetLogger(func(e logs.Entry) {})

		for i := 0; i < 20; i++ {
			s.Update(fs)
		}

		mutex.Lock()
		defer mutex.Unlock()
		require.NotContains(t, b.String(), "tiles evicted")
		require.Equal(t, count, s.Tiles().Len())

		for _, tile := range s.Tiles().Tiles() {
			if tile.Key.Level == 0 {
				continue
			}
			_, ok := models.Intersection(tile.Rectangle, fs.ViewRectangle)
			require.True(t, ok, "tile %s", tile.Key)
		}
	})

	t.Run("eviction disabled", func(t *testing.T) {
		s := newTestSurface(t, Options{
			TileCacheFrames: 2,
			FeatureFlags:    featureflag.New([]string{string(featureflag.FlagDisableTileEviction)}),
		})
		updateUntilConverged(t, s, testFrame)
		count := s.Tiles().Len()

		for i := 0; i < 4; i++ {
			s.Update(eastOnly)
		}
		require.Equal(t, count, s.Tiles().Len())
	})
}
