package websocket

import (
	"context"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/websocket"
)

const (
	errTypeLabel        = "error_type"
	msgTypeLabel        = "msg_type"
	publicEndpointLabel = "public_endpoint"
	resultLabel         = "result"
)

var (
	streamViewers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "surface_stream_viewers",
		Help: "The number of viewers connected to the surface stream.",
	}, []string{publicEndpointLabel})

	streamReceivedMsgs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surface_stream_received_msgs_total",
		Help: "The number of messages received from viewers.",
	}, []string{publicEndpointLabel, msgTypeLabel})

	streamReceivedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surface_stream_received_bytes_total",
		Help: "The number of bytes received from viewers.",
	}, []string{publicEndpointLabel, msgTypeLabel})

	streamSentMsgs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surface_stream_sent_msgs_total",
		Help: "The number of messages sent to viewers.",
	}, []string{publicEndpointLabel, msgTypeLabel})

	streamSentBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surface_stream_sent_bytes_total",
		Help: "The number of bytes sent to viewers.",
	}, []string{publicEndpointLabel, msgTypeLabel})

	streamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surface_stream_errors_total",
		Help: "The errors that occurred while exchanging messages with viewers.",
	}, []string{publicEndpointLabel, msgTypeLabel, errTypeLabel})

	streamCameraUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surface_stream_camera_updates_total",
		Help: "The number of camera moves requested by viewers.",
	}, []string{publicEndpointLabel, resultLabel})

	streamMsgDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "surface_stream_msg_duration_seconds",
		Help:    "The time to handle a viewer message, including the wait for the frame loop.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{publicEndpointLabel, msgTypeLabel})
)

// HandlerWithMetrics wraps the given handler with prometheus metrics.
func HandlerWithMetrics(h Handler, publicEndpoint string) Handler {
	return &handlerWithMetrics{
		Handler:        h,
		publicEndpoint: publicEndpoint,
	}
}

type handlerWithMetrics struct {
	Handler

	publicEndpoint string
}

func (h *handlerWithMetrics) labels(msgType string) prometheus.Labels {
	return prometheus.Labels{
		publicEndpointLabel: h.publicEndpoint,
		msgTypeLabel:        msgType,
	}
}

func (h *handlerWithMetrics) countError(msgType string, err error) {
	errType := errors.Type(err)
	if errType == "" {
		errType = "unknown"
	}

	labels := h.labels(msgType)
	labels[errTypeLabel] = errType
	streamErrors.With(labels).Inc()
}

func (h *handlerWithMetrics) HandleConnect(conn *websocket.Conn) {
	streamViewers.WithLabelValues(h.publicEndpoint).Inc()
	h.Handler.HandleConnect(conn)
}

func (h *handlerWithMetrics) HandleDisconnect(err error) {
	streamViewers.WithLabelValues(h.publicEndpoint).Dec()
	h.Handler.HandleDisconnect(err)
}

func (h *handlerWithMetrics) HandlePing(ctx context.Context, respond ResponseSender, msg Msg) error {
	return h.observe(string(MsgTypePing), func() error {
		return h.Handler.HandlePing(ctx, respond, msg)
	})
}

func (h *handlerWithMetrics) HandleCamera(ctx context.Context, respond ResponseSender, msg Msg) error {
	err := h.observe(string(MsgTypeCamera), func() error {
		return h.Handler.HandleCamera(ctx, respond, msg)
	})

	result := "ok"
	if err != nil {
		result = "error"
	}
	streamCameraUpdates.WithLabelValues(h.publicEndpoint, result).Inc()
	return err
}

func (h *handlerWithMetrics) SendStats(ctx context.Context, respond ResponseSender) error {
	return h.observe(string(MsgTypeStats), func() error {
		return h.Handler.SendStats(ctx, respond)
	})
}

func (h *handlerWithMetrics) Receiver() Receiver {
	receive := h.Handler.Receiver()

	return func() (Msg, int, error) {
		msg, n, err := receive()
		msgType := msg.TypeString()

		if err != nil {
			h.countError(msgType, err)
		} else {
			streamReceivedMsgs.With(h.labels(msgType)).Inc()
		}
		if n != 0 {
			streamReceivedBytes.With(h.labels(msgType)).Add(float64(n))
		}
		return msg, n, err
	}
}

func (h *handlerWithMetrics) Sender() Sender {
	send := h.Handler.Sender()

	return func(msg Msg) (int, error) {
		msgType := msg.TypeString()

		n, err := send(msg)
		if err != nil {
			h.countError(msgType, err)
		}
		if n != 0 {
			streamSentMsgs.With(h.labels(msgType)).Inc()
			streamSentBytes.With(h.labels(msgType)).Add(float64(n))
		}
		return n, err
	}
}

func (h *handlerWithMetrics) observe(msgType string, f func() error) error {
	start := time.Now()
	err := f()
	streamMsgDuration.With(h.labels(msgType)).Observe(time.Since(start).Seconds())

	if err != nil {
		h.countError(msgType, err)
	}
	return err
}
