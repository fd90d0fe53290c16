package websocket

import (
	"context"
	"math"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/surface/models"
	"github.com/aukilabs/surface/surface"
	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

const (
	defaultStatsInterval = time.Second
	defaultIdleTimeout   = time.Minute * 5
)

// StreamHandler streams the surface summary to a viewer and lets it move the
// camera.
type StreamHandler struct {
	// Returns the summary of the surface. It is called from the connection
	// goroutine.
	Stats func(ctx context.Context) (surface.Stats, error)

	// Moves the camera. It is called from the connection goroutine.
	SetCamera func(ctx context.Context, c models.Camera) error

	ClientStatsInterval time.Duration
	ClientIdleTimeout   time.Duration

	conn     *websocket.Conn
	clientID string
}

// StatsResponse is the data of a stats message.
type StatsResponse struct {
	surface.Stats
}

func (h *StreamHandler) HandleConnect(conn *websocket.Conn) {
	h.conn = conn
	h.clientID = uuid.NewString()
}

func (h *StreamHandler) HandlePing(ctx context.Context, respond ResponseSender, msg Msg) error {
	return respond.Send(MsgTypePong, msg.RequestID, nil)
}

func (h *StreamHandler) HandleCamera(ctx context.Context, respond ResponseSender, msg Msg) error {
	var req CameraRequest
	if err := msg.DataTo(&req); err != nil {
		return respond.Send(MsgTypeError, msg.RequestID, ErrorResponse{
			Code:    errors.Type(err),
			Message: err.Error(),
		})
	}

	camera, err := req.camera()
	if err != nil {
		return respond.Send(MsgTypeError, msg.RequestID, ErrorResponse{
			Code:    errors.Type(err),
			Message: err.Error(),
		})
	}

	if h.SetCamera == nil {
		return errors.New("camera is not settable")
	}
	if err := h.SetCamera(ctx, camera); err != nil {
		return errors.New("setting camera failed").Wrap(err)
	}

	return h.sendStats(ctx, respond, msg.RequestID)
}

func (r CameraRequest) camera() (models.Camera, error) {
	if math.Abs(r.Longitude) > 180 || math.Abs(r.Latitude) > 90 {
		return models.Camera{}, errors.New("camera position is out of range").
			WithType(ErrTypeMsgDecoding).
			WithTag("longitude", r.Longitude).
			WithTag("latitude", r.Latitude)
	}
	if r.Height <= 0 {
		return models.Camera{}, errors.New("camera height must be positive").
			WithType(ErrTypeMsgDecoding).
			WithTag("height", r.Height)
	}

	return models.Camera{
		Position:       orb.Point{r.Longitude, r.Latitude},
		Height:         r.Height,
		FieldOfViewY:   r.FieldOfViewY,
		ViewportWidth:  r.ViewportWidth,
		ViewportHeight: r.ViewportHeight,
	}, nil
}

func (h *StreamHandler) HandleDisconnect(err error) {
}

func (h *StreamHandler) SendStats(ctx context.Context, respond ResponseSender) error {
	return h.sendStats(ctx, respond, 0)
}

func (h *StreamHandler) sendStats(ctx context.Context, respond ResponseSender, requestID uint32) error {
	if h.Stats == nil {
		return nil
	}

	stats, err := h.Stats(ctx)
	if err != nil {
		return errors.New("getting stats failed").Wrap(err)
	}
	return respond.Send(MsgTypeStats, requestID, StatsResponse{Stats: stats})
}

func (h *StreamHandler) Receiver() Receiver {
	return func() (Msg, int, error) {
		var data []byte
		if err := websocket.Message.Receive(h.conn, &data); err != nil {
			return Msg{}, 0, err
		}

		var msg Msg
		if err := json.Unmarshal(data, &msg); err != nil {
			return Msg{}, len(data), errors.New("decoding message failed").
				WithType(ErrTypeMsgDecoding).
				Wrap(err)
		}
		return msg, len(data), nil
	}
}

func (h *StreamHandler) Sender() Sender {
	return func(msg Msg) (int, error) {
		data, err := json.Marshal(msg)
		if err != nil {
			return 0, errors.New("encoding message failed").
				WithType(ErrTypeMsgEncoding).
				Wrap(err)
		}

		if err := websocket.Message.Send(h.conn, string(data)); err != nil {
			return 0, err
		}
		return len(data), nil
	}
}

func (h *StreamHandler) Close() {
}

func (h *StreamHandler) StatsInterval() time.Duration {
	if h.ClientStatsInterval <= 0 {
		return defaultStatsInterval
	}
	return h.ClientStatsInterval
}

func (h *StreamHandler) IdleTimeout() time.Duration {
	if h.ClientIdleTimeout <= 0 {
		return defaultIdleTimeout
	}
	return h.ClientIdleTimeout
}

func (h *StreamHandler) GetClientID() string {
	return h.clientID
}
