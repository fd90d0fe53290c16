package surface

import (
	"sort"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/surface/featureflag"
	"github.com/aukilabs/surface/models"
)

const (
	defaultMaximumScreenSpaceError = 2
	defaultMaximumLevel            = 20
	defaultLoadBudget              = 16
	defaultMaxInflightRequests     = 64
	defaultTileCacheSize           = 100
	defaultTileCacheFrames         = 300
)

// Options configures a surface.
type Options struct {
	// The source of terrain tiles. Required.
	TerrainProvider models.TerrainProvider

	// The imagery layers draped over the terrain. Required.
	ImageryLayers *models.ImageryLayerCollection

	// The screen-space error, in pixels, under which a tile is detailed
	// enough to be rendered.
	MaximumScreenSpaceError float64

	// The finest terrain level the traversal refines to.
	MaximumLevel int

	// The number of provider requests issued per frame.
	LoadBudget int

	// The number of provider requests that can wait for a result at the
	// same time.
	MaxInflightRequests int

	// The time after which a provider request is canceled. Zero means no
	// timeout.
	RequestTimeout time.Duration

	// The number of tiles kept in memory when they are not visited anymore.
	TileCacheSize int

	// The number of frames after which a tile that is not visited anymore is
	// removed.
	TileCacheFrames int64

	// How failed requests are retried.
	RetryPolicy models.RetryPolicy

	FeatureFlags featureflag.FeatureFlag
}

func (o *Options) setDefaults() {
	if o.MaximumScreenSpaceError <= 0 {
		o.MaximumScreenSpaceError = defaultMaximumScreenSpaceError
	}
	if o.MaximumLevel <= 0 {
		o.MaximumLevel = defaultMaximumLevel
	}
	if o.LoadBudget <= 0 {
		o.LoadBudget = defaultLoadBudget
	}
	if o.MaxInflightRequests <= 0 {
		o.MaxInflightRequests = defaultMaxInflightRequests
	}
	if o.TileCacheSize <= 0 {
		o.TileCacheSize = defaultTileCacheSize
	}
	if o.TileCacheFrames <= 0 {
		o.TileCacheFrames = defaultTileCacheFrames
	}
	if o.RetryPolicy == (models.RetryPolicy{}) {
		o.RetryPolicy = models.DefaultRetryPolicy
	}
	if o.FeatureFlags == nil {
		o.FeatureFlags = featureflag.New(nil)
	}
}

// Stats summarizes the state of a surface.
type Stats struct {
	Frame            int64 `json:"frame"`
	Tiles            int   `json:"tiles"`
	RenderedTiles    int   `json:"rendered_tiles"`
	QueuedEntries    int   `json:"queued_entries"`
	InflightRequests int   `json:"inflight_requests"`
	Layers           int   `json:"layers"`
	Converged        bool  `json:"converged"`
}

// Surface manages the terrain tiles of a globe and their imagery. It is
// updated once per frame and produces the list of tiles to render.
//
// A surface is not safe for concurrent use. It must be updated, and its
// imagery layer collection mutated, from a single goroutine.
type Surface struct {
	opts        Options
	layers      *models.ImageryLayerCollection
	store       *models.TileStore
	queue       *LoadQueue
	attachments *AttachmentManager
	render      RenderList

	frame         int64
	lastSeq       uint32
	enqueued      int
	converged     bool
	stopObserving func()
}

// New creates a surface. It returns an error typed
// models.ErrTypeConfiguration when the terrain provider or the imagery layer
// collection is missing.
func New(opts Options) (*Surface, error) {
	if opts.TerrainProvider == nil {
		return nil, errors.New("terrain provider is required").
			WithType(models.ErrTypeConfiguration)
	}
	if opts.ImageryLayers == nil {
		return nil, errors.New("imagery layer collection is required").
			WithType(models.ErrTypeConfiguration)
	}
	opts.setDefaults()

	s := &Surface{
		opts:    opts,
		layers:  opts.ImageryLayers,
		store:   models.NewTileStore(opts.TerrainProvider.TilingScheme()),
		lastSeq: opts.ImageryLayers.Seq(),
	}

	s.queue = newLoadQueue(loadQueueOptions{
		Store:               s.store,
		TerrainProvider:     opts.TerrainProvider,
		RetryPolicy:         opts.RetryPolicy,
		DisableTerrainRetry: opts.FeatureFlags.IsSet(featureflag.FlagDisableTerrainRetry),
		MaxInflight:         opts.MaxInflightRequests,
		RequestTimeout:      opts.RequestTimeout,
		OnImageryInvalid:    s.removeInvalidImagery,
	})

	s.attachments = &AttachmentManager{
		layers: s.layers,
		queue:  s.queue,
	}

	s.store.OnRemove(func(t *models.Tile) {
		s.attachments.DetachAll(t)
		s.queue.cancelTerrain(t.Key)
	})

	s.stopObserving = s.layers.Observe(s)
	return s, nil
}

// Update runs a frame: it applies the completed provider requests, selects
// the tiles to render for the given frame state, issues the requests for the
// tiles that miss data and evicts the tiles that are not needed anymore.
func (s *Surface) Update(fs models.FrameState) {
	start := time.Now()

	s.frame++
	s.queue.beginFrame(s.frame)
	s.queue.Poll()
	s.syncLayers()

	s.selectTiles(fs)
	s.queue.Drain(s.opts.LoadBudget)

	s.opts.FeatureFlags.IfNotSet(featureflag.FlagDisableTileEviction, s.evict)
	s.render.regroup(!s.opts.FeatureFlags.IsSet(featureflag.FlagDisableImageryFallback))
	s.converged = s.enqueued == 0

	instrumentFrame(start, s.store.Len(), s.render.Len(), s.queue.Len())
}

// OnLayerEvent reconciles the tile attachments with a change of the imagery
// layer collection. It is called by the collection.
func (s *Surface) OnLayerEvent(e models.LayerEvent) {
	if e.Seq <= s.lastSeq {
		return
	}

	if e.Seq == s.lastSeq+1 {
		s.reconcile(e)
		s.lastSeq = e.Seq
	} else {
		s.syncLayers()
	}

	s.converged = false
	s.render.regroup(!s.opts.FeatureFlags.IsSet(featureflag.FlagDisableImageryFallback))
}

// Invalidate drops the terrain of the given tile so that it is loaded again.
// The descendants of the tile are removed.
func (s *Surface) Invalidate(t *models.Tile) {
	s.queue.cancelTerrain(t.Key)
	s.store.Invalidate(t)
	s.converged = false
}

// RenderList returns the tiles selected by the last update.
func (s *Surface) RenderList() *RenderList {
	return &s.render
}

// LoadQueue returns the queue of tiles waiting for data.
func (s *Surface) LoadQueue() *LoadQueue {
	return s.queue
}

// Tiles returns the terrain quadtree.
func (s *Surface) Tiles() *models.TileStore {
	return s.store
}

// Attachments returns the manager of the tile imagery attachments.
func (s *Surface) Attachments() *AttachmentManager {
	return s.attachments
}

// ImageryLayers returns the imagery layer collection.
func (s *Surface) ImageryLayers() *models.ImageryLayerCollection {
	return s.layers
}

// FrameNumber returns the number of the last updated frame.
func (s *Surface) FrameNumber() int64 {
	return s.frame
}

// Converged reports whether the last update found nothing left to load for
// the visible tiles and no request is in flight.
func (s *Surface) Converged() bool {
	return s.converged && s.queue.Empty()
}

// Stats returns a summary of the surface state.
func (s *Surface) Stats() Stats {
	return Stats{
		Frame:            s.frame,
		Tiles:            s.store.Len(),
		RenderedTiles:    s.render.Len(),
		QueuedEntries:    s.queue.Len(),
		InflightRequests: s.queue.Inflight(),
		Layers:           s.layers.Len(),
		Converged:        s.Converged(),
	}
}

// Close stops observing the imagery layers and cancels the requests in
// flight.
func (s *Surface) Close() {
	s.stopObserving()
	s.queue.Close()
}

// syncLayers applies the layer events that were not observed. A single missed
// event is reconciled like an observed one. Anything else triggers a full
// resynchronization.
func (s *Surface) syncLayers() {
	seq := s.layers.Seq()
	if seq == s.lastSeq {
		return
	}

	events, ok := s.layers.Events(s.lastSeq)
	if ok && len(events) == 1 {
		s.reconcile(events[0])
	} else {
		s.attachments.ResyncAll(s.store.Tiles())
		instrumentLayerReconciliation("resync")

		logs.WithTag("from_seq", s.lastSeq).
			WithTag("to_seq", seq).
			Info("imagery layers resynchronized")
	}
	s.lastSeq = seq
}

func (s *Surface) reconcile(e models.LayerEvent) {
	tiles := s.store.Tiles()

	switch e.Type {
	case models.LayerAdded:
		for _, t := range tiles {
			s.attachments.AttachLayer(t, e.Layer)
		}

	case models.LayerRemoved:
		for _, t := range tiles {
			s.attachments.DetachLayer(t, e.Layer)
		}

	case models.LayerMoved:
		for _, t := range tiles {
			s.attachments.ReorderLayer(t, e.Layer, e.Index)
		}
	}

	instrumentLayerReconciliation(e.Type.String())

	logs.WithTag("layer_id", e.Layer.ID).
		WithTag("event", e.Type.String()).
		WithTag("index", e.Index).
		WithTag("seq", e.Seq).
		WithTag("tiles", len(tiles)).
		Debug("imagery layers reconciled")
}

func (s *Surface) removeInvalidImagery(img *models.Imagery) {
	for _, t := range s.store.Tiles() {
		s.attachments.DetachImagery(t, img)
	}
}

// evict removes the tiles that were not visited for more than the configured
// number of frames, then the least recently visited ones until the cache
// size is honored. Level zero tiles are never evicted.
func (s *Surface) evict() {
	var candidates []*models.Tile
	for _, t := range s.store.Tiles() {
		if t.Key.Level > 0 && t.LastVisitedFrame() != s.frame {
			candidates = append(candidates, t)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].LastVisitedFrame() < candidates[j].LastVisitedFrame()
	})

	before := s.store.Len()
	for _, t := range candidates {
		if _, ok := s.store.Get(t.Key); !ok {
			continue
		}

		expired := s.frame-t.LastVisitedFrame() > s.opts.TileCacheFrames
		if !expired && s.store.Len() <= s.opts.TileCacheSize {
			break
		}
		s.store.Remove(t)
	}

	if evicted := before - s.store.Len(); evicted > 0 {
		instrumentEviction(evicted)
		logs.WithTag("frame", s.frame).
			WithTag("evicted", evicted).
			WithTag("tiles", s.store.Len()).
			Debug("tiles evicted")
	}
}
