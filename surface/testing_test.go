package surface

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/aukilabs/surface/models"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
)

var testFrame = models.FrameState{
	Camera: models.Camera{
		Position: orb.Point{10, 10},
		Height:   1e6,
	},
}

type requestCounter struct {
	mutex    sync.Mutex
	requests map[models.TileKey]int
}

func (c *requestCounter) count(key models.TileKey) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.requests == nil {
		c.requests = make(map[models.TileKey]int)
	}
	c.requests[key]++
	return c.requests[key]
}

func (c *requestCounter) Requests(key models.TileKey) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.requests[key]
}

type fakeTerrainProvider struct {
	requestCounter

	// Returns the error of the nth request of a tile, if any.
	fail func(key models.TileKey, attempt int) error

	// Blocks the requests until closed, when set.
	release chan struct{}
}

func (p *fakeTerrainProvider) TilingScheme() models.TilingScheme {
	return models.GeographicTilingScheme{}
}

func (p *fakeTerrainProvider) RequestTileGeometry(ctx context.Context, x, y, level int) (*models.TerrainData, error) {
	key := models.TileKey{X: x, Y: y, Level: level}
	attempt := p.count(key)

	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if p.fail != nil {
		if err := p.fail(key, attempt); err != nil {
			return nil, err
		}
	}

	return &models.TerrainData{
		Width:   2,
		Height:  2,
		Heights: []float32{0, 1, 2, 3},
	}, nil
}

type fakeImageryProvider struct {
	requestCounter

	rectangle orb.Bound
	fail      func(key models.TileKey, attempt int) error

	// Blocks the requests of the given level until closed, when set.
	blockedLevel int
	release      chan struct{}
}

func newFakeImageryProvider() *fakeImageryProvider {
	return &fakeImageryProvider{
		rectangle:    models.GeographicTilingScheme{}.Rectangle(),
		blockedLevel: -1,
	}
}

func (p *fakeImageryProvider) TilingScheme() models.TilingScheme {
	return models.GeographicTilingScheme{}
}

func (p *fakeImageryProvider) Rectangle() orb.Bound {
	return p.rectangle
}

func (p *fakeImageryProvider) MaximumLevel() int {
	return 18
}

func (p *fakeImageryProvider) RequestImage(ctx context.Context, x, y, level int) (image.Image, error) {
	key := models.TileKey{X: x, Y: y, Level: level}
	attempt := p.count(key)

	if p.release != nil && level == p.blockedLevel {
		select {
		case <-p.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if p.fail != nil {
		if err := p.fail(key, attempt); err != nil {
			return nil, err
		}
	}
	return image.NewRGBA(image.Rect(0, 0, 4, 4)), nil
}

func newTestSurface(t *testing.T, opts Options) *Surface {
	if opts.TerrainProvider == nil {
		opts.TerrainProvider = &fakeTerrainProvider{}
	}
	if opts.ImageryLayers == nil {
		opts.ImageryLayers = models.NewImageryLayerCollection()
	}
	if opts.MaximumLevel == 0 {
		opts.MaximumLevel = 2
	}

	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func updateUntil(t *testing.T, s *Surface, fs models.FrameState, done func() bool) {
	deadline := time.Now().Add(5 * time.Second)

	for {
		s.Update(fs)
		if done() {
			return
		}

		require.True(t, time.Now().Before(deadline), "condition not reached after %d frames", s.FrameNumber())
		time.Sleep(time.Millisecond)
	}
}

func updateUntilConverged(t *testing.T, s *Surface, fs models.FrameState) {
	updateUntil(t, s, fs, s.Converged)
}

func layerAttachments(t *models.Tile, l *models.ImageryLayer) []*models.TileImagery {
	var attachments []*models.TileImagery
	for _, ti := range t.Imagery {
		if ti.Layer() == l {
			attachments = append(attachments, ti)
		}
	}
	return attachments
}

// requireLayerOrder checks that the attachments of every tile follow the
// given layer order.
func requireLayerOrder(t *testing.T, s *Surface, layers ...*models.ImageryLayer) {
	for _, tile := range s.Tiles().Tiles() {
		index := 0
		for _, ti := range tile.Imagery {
			for index < len(layers) && ti.Layer() != layers[index] {
				index++
			}
			require.Less(t, index, len(layers), "tile %s has attachments out of order", tile.Key)
		}
	}
}
