package websocket

import (
	"context"
	goerrors "errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"golang.org/x/net/websocket"
)

// Directions counted in viewer summaries.
const (
	inbound  = "in"
	outbound = "out"
)

// HandlerWithLogs wraps the given handler with logs. Exchanged messages are
// counted and summarized every summaryInterval.
func HandlerWithLogs(h Handler, summaryInterval time.Duration) Handler {
	ctx, cancel := context.WithCancel(context.Background())

	handler := &handlerWithLogs{
		Handler:            h,
		summaryInterval:    summaryInterval,
		closeSummaryWorker: cancel,
		counters: map[string]map[string]int{
			inbound:  make(map[string]int),
			outbound: make(map[string]int),
		},
	}

	go handler.startSummaryWorker(ctx)
	return handler
}

type handlerWithLogs struct {
	Handler

	summaryInterval    time.Duration
	closeSummaryWorker func()

	mutex       sync.Mutex
	connectedAt time.Time
	counters    map[string]map[string]int
	lastCamera  CameraRequest
}

func (h *handlerWithLogs) HandleConnect(conn *websocket.Conn) {
	h.Handler.HandleConnect(conn)

	h.mutex.Lock()
	h.connectedAt = time.Now()
	h.mutex.Unlock()

	req := conn.Request()
	logs.WithClientID(h.GetClientID()).
		WithTag("http_headers", struct {
			UserAgent     string `json:"user_agent,omitempty"`
			XForwardedFor string `json:"x_forwarded_for,omitempty"`
		}{
			UserAgent:     req.UserAgent(),
			XForwardedFor: req.Header.Get("X-Forwarded-For"),
		}).
		Info("viewer connected")
}

func (h *handlerWithLogs) HandleDisconnect(err error) {
	h.Handler.HandleDisconnect(err)

	h.mutex.Lock()
	duration := time.Since(h.connectedAt)
	h.mutex.Unlock()

	entry := logs.WithClientID(h.GetClientID()).WithTag("duration", duration)
	if err != nil && !goerrors.Is(err, io.EOF) && !goerrors.Is(err, context.Canceled) {
		entry = entry.WithTag("reason", err.Error())
	}
	entry.Info("viewer disconnected")
}

func (h *handlerWithLogs) HandleCamera(ctx context.Context, respond ResponseSender, msg Msg) error {
	err := h.Handler.HandleCamera(ctx, respond, msg)

	var req CameraRequest
	if err != nil || msg.DataTo(&req) != nil {
		return err
	}
	if _, err := req.camera(); err != nil {
		return nil
	}

	h.mutex.Lock()
	h.lastCamera = req
	h.mutex.Unlock()

	logs.WithClientID(h.GetClientID()).
		WithTag("longitude", req.Longitude).
		WithTag("latitude", req.Latitude).
		WithTag("height", req.Height).
		Debug("viewer moved the camera")
	return nil
}

func (h *handlerWithLogs) Receiver() Receiver {
	receive := h.Handler.Receiver()

	return func() (Msg, int, error) {
		msg, n, err := receive()

		switch {
		case err == nil:
			h.count(inbound, msg.TypeString())

		case !goerrors.Is(err, io.EOF) && !goerrors.Is(err, net.ErrClosed):
			logs.WithClientID(h.GetClientID()).Warn(errors.New("receiving viewer message failed").Wrap(err))
		}
		return msg, n, err
	}
}

func (h *handlerWithLogs) Sender() Sender {
	send := h.Handler.Sender()

	return func(msg Msg) (int, error) {
		n, err := send(msg)

		switch {
		case err == nil:
			h.count(outbound, msg.TypeString())

		case !goerrors.Is(err, net.ErrClosed):
			logs.WithClientID(h.GetClientID()).
				WithTag("msg_type", msg.TypeString()).
				Warn(errors.New("sending viewer message failed").Wrap(err))
		}
		return n, err
	}
}

func (h *handlerWithLogs) Close() {
	h.Handler.Close()
	h.closeSummaryWorker()
	h.logSummary()
}

func (h *handlerWithLogs) startSummaryWorker(ctx context.Context) {
	ticker := time.NewTicker(h.summaryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			h.logSummary()
		}
	}
}

func (h *handlerWithLogs) count(direction, msgType string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.counters[direction][msgType]++
}

func (h *handlerWithLogs) logSummary() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if len(h.counters[inbound]) == 0 && len(h.counters[outbound]) == 0 {
		return
	}

	entry := logs.WithClientID(h.GetClientID()).
		WithTag("time_interval", h.summaryInterval).
		WithTag("camera", h.lastCamera)

	for direction, counter := range h.counters {
		if len(counter) == 0 {
			continue
		}

		summary := make(map[string]int, len(counter))
		for msgType, n := range counter {
			summary[msgType] = n
			delete(counter, msgType)
		}
		entry = entry.WithTag(direction, summary)
	}

	entry.Info("viewer message summary")
}
