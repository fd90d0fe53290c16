package surface

import (
	"context"
	"fmt"
	"image"
	"sort"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/surface/models"
)

// LoadKind is the kind of data a tile waits for.
type LoadKind int

const (
	LoadTerrain LoadKind = iota
	LoadImagery
)

func (k LoadKind) String() string {
	switch k {
	case LoadTerrain:
		return "terrain"
	case LoadImagery:
		return "imagery"
	default:
		return fmt.Sprintf("load_kind(%d)", int(k))
	}
}

// Entry is a tile waiting for its terrain or for the rasters of its imagery
// attachments.
type Entry struct {
	Key  models.TileKey
	Kind LoadKind

	// The screen-space error of the tile. Among tiles of the same level, the
	// most important ones are loaded first.
	Importance float64
}

type entryKey struct {
	key  models.TileKey
	kind LoadKind
}

type queuedEntry struct {
	Entry

	seq   uint64
	frame int64
}

type request struct {
	ticket     uint32
	kind       LoadKind
	key        models.TileKey
	generation uint32
	imagery    *models.Imagery
	cancel     context.CancelFunc

	// Set when the tile or the raster the request was issued for is gone.
	// The result is dropped when it arrives.
	dead bool
}

type result struct {
	ticket  uint32
	terrain *models.TerrainData
	image   image.Image
	err     error
}

type loadQueueOptions struct {
	Store               *models.TileStore
	TerrainProvider     models.TerrainProvider
	RetryPolicy         models.RetryPolicy
	DisableTerrainRetry bool
	MaxInflight         int
	RequestTimeout      time.Duration

	// Called when a provider reports that a raster is out of its region.
	OnImageryInvalid func(*models.Imagery)
}

// LoadQueue is the set of tiles waiting for data, ordered by priority. It
// issues provider requests and applies their results on the frame goroutine.
//
// Provider requests run in their own goroutines and report to a channel that
// is only read by Poll, so every tile and raster mutation happens on the
// goroutine that updates the surface.
type LoadQueue struct {
	opts loadQueueOptions

	ctx    context.Context
	cancel context.CancelFunc

	frame   int64
	seq     uint64
	entries map[entryKey]*queuedEntry

	tickets         models.SequentialIDGenerator
	requests        map[uint32]*request
	terrainRequests map[models.TileKey]*request
	imageryRequests map[*models.Imagery]*request
	results         chan result
	live            int
}

func newLoadQueue(opts loadQueueOptions) *LoadQueue {
	ctx, cancel := context.WithCancel(context.Background())

	return &LoadQueue{
		opts:            opts,
		ctx:             ctx,
		cancel:          cancel,
		entries:         make(map[entryKey]*queuedEntry),
		requests:        make(map[uint32]*request),
		terrainRequests: make(map[models.TileKey]*request),
		imageryRequests: make(map[*models.Imagery]*request),
		results:         make(chan result, opts.MaxInflight),
	}
}

// Enqueue adds an entry to the queue. Enqueuing an entry that is already
// pending refreshes its importance and keeps its position among entries of
// equal priority.
func (q *LoadQueue) Enqueue(e Entry) {
	k := entryKey{key: e.Key, kind: e.Kind}
	if qe, ok := q.entries[k]; ok {
		qe.Importance = e.Importance
		qe.frame = q.frame
		return
	}

	q.seq++
	q.entries[k] = &queuedEntry{
		Entry: e,
		seq:   q.seq,
		frame: q.frame,
	}
}

// Len returns the number of pending entries.
func (q *LoadQueue) Len() int {
	return len(q.entries)
}

// Inflight returns the number of provider requests whose result is still
// awaited.
func (q *LoadQueue) Inflight() int {
	return q.live
}

// Empty reports whether no entry is pending and no request is in flight.
func (q *LoadQueue) Empty() bool {
	return len(q.entries) == 0 && q.live == 0
}

// Entries returns the pending entries, by priority.
func (q *LoadQueue) Entries() []Entry {
	sorted := q.sorted()
	entries := make([]Entry, len(sorted))
	for i, qe := range sorted {
		entries[i] = qe.Entry
	}
	return entries
}

// Drain walks the pending entries by priority and moves their tiles forward
// in their load state machine. At most budget provider requests are issued,
// and never more than the configured number of requests in flight. It returns
// the number of issued requests.
//
// Entries that were not enqueued again since the last frame began are
// dropped, as well as entries whose load resolved.
func (q *LoadQueue) Drain(budget int) int {
	issued := 0
	issue := func() bool {
		if issued >= budget || len(q.requests) >= q.opts.MaxInflight {
			return false
		}
		issued++
		return true
	}

	for _, qe := range q.sorted() {
		k := entryKey{key: qe.Key, kind: qe.Kind}

		tile, ok := q.opts.Store.Get(qe.Key)
		if !ok || qe.frame < q.frame {
			delete(q.entries, k)
			continue
		}

		var done bool
		switch qe.Kind {
		case LoadTerrain:
			done = q.processTerrain(tile, issue)
		case LoadImagery:
			done = q.processImagery(tile, issue)
		}

		if done {
			delete(q.entries, k)
		}
	}
	return issued
}

// Poll applies the results of the provider requests that completed since the
// last call. It never blocks and returns the number of applied results.
func (q *LoadQueue) Poll() int {
	applied := 0

	for {
		select {
		case r := <-q.results:
			if q.complete(r) {
				applied++
			}

		default:
			return applied
		}
	}
}

// Close cancels the requests in flight. Their results are never applied.
func (q *LoadQueue) Close() {
	q.cancel()
	for _, req := range q.requests {
		q.kill(req)
	}
}

func (q *LoadQueue) beginFrame(frame int64) {
	q.frame = frame
}

func (q *LoadQueue) sorted() []*queuedEntry {
	entries := make([]*queuedEntry, 0, len(q.entries))
	for _, qe := range q.entries {
		entries = append(entries, qe)
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Key.Level != b.Key.Level {
			return a.Key.Level < b.Key.Level
		}
		if a.Importance != b.Importance {
			return a.Importance > b.Importance
		}
		return a.seq < b.seq
	})
	return entries
}

func (q *LoadQueue) processTerrain(tile *models.Tile, issue func() bool) bool {
	switch tile.State {
	case models.TileStateUnloaded:
		if issue() {
			q.requestTerrain(tile)
		}
		return false

	case models.TileStateFailed:
		if !models.ShouldRetry(tile.RetryFrame, q.frame) {
			return true
		}
		if issue() {
			q.requestTerrain(tile)
		}
		return false

	case models.TileStateLoading:
		return false

	case models.TileStateReceived:
		mesh, err := tile.Data.CreateMesh(tile.Rectangle)
		if err != nil {
			q.failTerrain(tile, err)
			return true
		}

		tile.Mesh = mesh
		if err := tile.Transition(models.TileStateTransformed); err != nil {
			logs.Warn(err)
			return true
		}
		fallthrough

	case models.TileStateTransformed:
		if err := q.opts.Store.MarkRenderable(tile); err != nil {
			logs.Warn(err)
		}
		return true

	default:
		return true
	}
}

func (q *LoadQueue) processImagery(tile *models.Tile, issue func() bool) bool {
	done := true

	for _, ti := range tile.Imagery {
		img := ti.Loading

		switch img.State {
		case models.ImageryStateUnloaded:
			done = false
			if issue() {
				q.requestImagery(img)
			}

		case models.ImageryStateFailed:
			if !models.ShouldRetry(img.RetryFrame, q.frame) {
				continue
			}
			done = false
			if issue() {
				q.requestImagery(img)
			}

		case models.ImageryStateLoading:
			done = false
		}
	}
	return done
}

func (q *LoadQueue) requestTerrain(tile *models.Tile) {
	if err := tile.Transition(models.TileStateLoading); err != nil {
		logs.Warn(err)
		return
	}

	req := q.newRequest(LoadTerrain)
	req.key = tile.Key
	req.generation = tile.Generation
	q.terrainRequests[tile.Key] = req

	ctx := q.requestContext(req)
	provider := q.opts.TerrainProvider
	key := tile.Key

	go func() {
		data, err := provider.RequestTileGeometry(ctx, key.X, key.Y, key.Level)
		q.send(result{
			ticket:  req.ticket,
			terrain: data,
			err:     err,
		})
	}()

	logs.WithTag("tile", key.String()).
		WithTag("ticket", req.ticket).
		Debug("terrain requested")
}

func (q *LoadQueue) requestImagery(img *models.Imagery) {
	if _, ok := q.imageryRequests[img]; ok {
		return
	}

	img.State = models.ImageryStateLoading

	req := q.newRequest(LoadImagery)
	req.key = img.Key
	req.imagery = img
	q.imageryRequests[img] = req

	ctx := q.requestContext(req)
	provider := img.Layer.Provider
	key := img.Key

	go func() {
		raster, err := provider.RequestImage(ctx, key.X, key.Y, key.Level)
		q.send(result{
			ticket: req.ticket,
			image:  raster,
			err:    err,
		})
	}()

	logs.WithTag("layer_id", img.Layer.ID).
		WithTag("imagery", key.String()).
		WithTag("ticket", req.ticket).
		Debug("imagery requested")
}

func (q *LoadQueue) newRequest(kind LoadKind) *request {
	req := &request{
		ticket: q.tickets.New(),
		kind:   kind,
	}
	q.requests[req.ticket] = req
	q.live++
	instrumentRequest(kind)
	return req
}

func (q *LoadQueue) requestContext(req *request) context.Context {
	var ctx context.Context
	if q.opts.RequestTimeout > 0 {
		ctx, req.cancel = context.WithTimeout(q.ctx, q.opts.RequestTimeout)
	} else {
		ctx, req.cancel = context.WithCancel(q.ctx)
	}
	return ctx
}

func (q *LoadQueue) send(r result) {
	select {
	case q.results <- r:
	case <-q.ctx.Done():
	}
}

func (q *LoadQueue) complete(r result) bool {
	req, ok := q.requests[r.ticket]
	if !ok {
		return false
	}

	delete(q.requests, r.ticket)
	q.tickets.Reuse(r.ticket)
	req.cancel()

	if req.dead {
		logs.WithTag("kind", req.kind.String()).
			WithTag("key", req.key.String()).
			WithTag("ticket", req.ticket).
			Debug("dropping result of a canceled request")
		return false
	}

	q.live--
	instrumentRequestCompletion(req.kind, r.err)

	switch req.kind {
	case LoadTerrain:
		if q.terrainRequests[req.key] == req {
			delete(q.terrainRequests, req.key)
		}
		return q.completeTerrain(req, r)

	case LoadImagery:
		delete(q.imageryRequests, req.imagery)
		q.completeImagery(req, r)
		return true

	default:
		return false
	}
}

func (q *LoadQueue) completeTerrain(req *request, r result) bool {
	tile, ok := q.opts.Store.Get(req.key)
	if !ok || tile.Generation != req.generation || tile.State != models.TileStateLoading {
		return false
	}

	if r.err == nil && r.terrain == nil {
		r.err = errors.New("terrain provider returned no data").
			WithType(models.ErrTypeTileLoadFailure)
	}
	if r.err != nil {
		q.failTerrain(tile, r.err)
		return true
	}

	tile.Data = r.terrain
	if err := tile.Transition(models.TileStateReceived); err != nil {
		logs.Warn(err)
	}
	return true
}

func (q *LoadQueue) completeImagery(req *request, r result) {
	img := req.imagery
	if img.References() == 0 {
		return
	}

	if r.err == nil && r.image == nil {
		r.err = errors.New("imagery provider returned no image").
			WithType(models.ErrTypeTileLoadFailure)
	}

	switch {
	case r.err == nil:
		img.State = models.ImageryStateReady
		img.Image = r.image
		img.FailedAttempts = 0

	case models.IsOutOfRegion(r.err):
		logs.WithTag("layer_id", img.Layer.ID).
			WithTag("imagery", img.Key.String()).
			Debug("imagery is out of the provider region")

		img.Layer.MarkInvalid(img.Key)
		if q.opts.OnImageryInvalid != nil {
			q.opts.OnImageryInvalid(img)
		}

	default:
		img.State = models.ImageryStateFailed
		img.FailedAttempts++
		img.RetryFrame = q.opts.RetryPolicy.NextFrame(q.frame, img.FailedAttempts)

		logs.WithTag("layer_id", img.Layer.ID).
			WithTag("imagery", img.Key.String()).
			WithTag("attempts", img.FailedAttempts).
			WithTag("retry_frame", img.RetryFrame).
			Warn(errors.New("imagery request failed").Wrap(r.err))
	}
}

func (q *LoadQueue) failTerrain(tile *models.Tile, err error) {
	tile.Data = nil
	tile.Fail(err)

	if models.IsOutOfRegion(err) || q.opts.DisableTerrainRetry {
		tile.RetryFrame = -1
	} else {
		tile.RetryFrame = q.opts.RetryPolicy.NextFrame(q.frame, tile.FailedAttempts)
	}

	logs.WithTag("tile", tile.Key.String()).
		WithTag("attempts", tile.FailedAttempts).
		WithTag("retry_frame", tile.RetryFrame).
		Warn(errors.New("terrain request failed").Wrap(err))
}

// cancelTerrain drops the pending terrain load of the tile with the given key.
func (q *LoadQueue) cancelTerrain(key models.TileKey) {
	delete(q.entries, entryKey{key: key, kind: LoadTerrain})
	delete(q.entries, entryKey{key: key, kind: LoadImagery})

	if req, ok := q.terrainRequests[key]; ok {
		delete(q.terrainRequests, key)
		q.kill(req)
	}
}

// cancelImagery drops the pending request of a raster that is not referenced
// anymore.
func (q *LoadQueue) cancelImagery(img *models.Imagery) {
	if req, ok := q.imageryRequests[img]; ok {
		delete(q.imageryRequests, img)
		q.kill(req)
		if img.State == models.ImageryStateLoading {
			img.State = models.ImageryStateUnloaded
		}
	}
}

func (q *LoadQueue) kill(req *request) {
	if req.dead {
		return
	}

	req.dead = true
	req.cancel()
	q.live--
	instrumentRequestCompletion(req.kind, nil)
}
