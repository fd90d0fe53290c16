package models

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	layerEventLabel = "event"
)

var (
	imageryCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imagery_cache_size",
		Help: "The number of rasters alive in imagery layer caches.",
	})

	imageryCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imagery_cache_misses_total",
		Help: "The total number of rasters created in imagery layer caches.",
	})

	imageryLayerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagery_layer_events_total",
		Help: "The total number of changes applied to imagery layer collections.",
	}, []string{layerEventLabel})
)

func instrumentImageryCreated() {
	imageryCacheSize.Inc()
	imageryCacheMisses.Inc()
}

func instrumentImageryRemoved() {
	imageryCacheSize.Dec()
}

func instrumentLayerEvent(t LayerEventType) {
	imageryLayerEvents.
		With(prometheus.Labels{layerEventLabel: t.String()}).
		Inc()
}
