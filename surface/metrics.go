package surface

import (
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	kindLabel    = "kind"
	errTypeLabel = "error_type"
	eventLabel   = "event"
)

var (
	surfaceTiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "surface_tiles",
		Help: "The number of tiles in the quadtree.",
	})

	surfaceRenderedTiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "surface_rendered_tiles",
		Help: "The number of tiles selected for rendering in the last frame.",
	})

	surfaceLoadQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "surface_load_queue_length",
		Help: "The number of pending load queue entries.",
	})

	surfaceInflightRequests = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "surface_inflight_requests",
		Help: "The number of provider requests waiting for a result.",
	}, []string{kindLabel})

	surfaceTileRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surface_tile_requests_total",
		Help: "The number of requests issued to terrain and imagery providers.",
	}, []string{kindLabel})

	surfaceTileLoadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surface_tile_load_failures_total",
		Help: "The number of failed terrain and imagery requests.",
	}, []string{kindLabel, errTypeLabel})

	surfaceFrameDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "surface_frame_duration_seconds",
		Help:    "The time spent updating the surface for a frame.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
	})

	surfaceLayerReconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surface_layer_reconciliations_total",
		Help: "The number of reconciliation passes triggered by imagery layer changes.",
	}, []string{eventLabel})

	surfaceEvictedTiles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "surface_evicted_tiles_total",
		Help: "The number of tiles removed from the tile cache.",
	})
)

func instrumentRequest(kind LoadKind) {
	surfaceTileRequests.
		With(prometheus.Labels{kindLabel: kind.String()}).
		Inc()

	surfaceInflightRequests.
		With(prometheus.Labels{kindLabel: kind.String()}).
		Inc()
}

func instrumentRequestCompletion(kind LoadKind, err error) {
	surfaceInflightRequests.
		With(prometheus.Labels{kindLabel: kind.String()}).
		Dec()

	if err == nil {
		return
	}

	errType := errors.Type(err)
	if errType == "" {
		errType = "unknown"
	}

	surfaceTileLoadFailures.
		With(prometheus.Labels{
			kindLabel:    kind.String(),
			errTypeLabel: errType,
		}).
		Inc()
}

func instrumentFrame(start time.Time, tiles, rendered, queued int) {
	surfaceFrameDuration.Observe(time.Since(start).Seconds())
	surfaceTiles.Set(float64(tiles))
	surfaceRenderedTiles.Set(float64(rendered))
	surfaceLoadQueueLength.Set(float64(queued))
}

func instrumentLayerReconciliation(event string) {
	surfaceLayerReconciliations.
		With(prometheus.Labels{eventLabel: event}).
		Inc()
}

func instrumentEviction(count int) {
	surfaceEvictedTiles.Add(float64(count))
}
