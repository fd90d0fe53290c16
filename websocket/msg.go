package websocket

import (
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/segmentio/encoding/json"
)

// MsgType is the type of a message exchanged with a viewer.
type MsgType string

const (
	MsgTypePing   MsgType = "ping"
	MsgTypePong   MsgType = "pong"
	MsgTypeCamera MsgType = "camera"
	MsgTypeStats  MsgType = "stats"
	MsgTypeError  MsgType = "error"
)

// Msg is a JSON message exchanged with a viewer.
type Msg struct {
	Type      MsgType         `json:"type"`
	RequestID uint32          `json:"request_id,omitempty"`
	Time      time.Time       `json:"time"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMsg creates a message with the given data encoded as JSON.
func NewMsg(msgType MsgType, requestID uint32, data any) (Msg, error) {
	msg := Msg{
		Type:      msgType,
		RequestID: requestID,
		Time:      time.Now(),
	}

	if data == nil {
		return msg, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Msg{}, errors.New("encoding message data failed").
			WithType(ErrTypeMsgEncoding).
			WithTag("msg_type", msgType).
			Wrap(err)
	}
	msg.Data = raw
	return msg, nil
}

// DataTo decodes the message data into v.
func (m Msg) DataTo(v any) error {
	if len(m.Data) == 0 {
		return errors.New("message has no data").
			WithType(ErrTypeMsgDecoding).
			WithTag("msg_type", m.Type)
	}

	if err := json.Unmarshal(m.Data, v); err != nil {
		return errors.New("decoding message data failed").
			WithType(ErrTypeMsgDecoding).
			WithTag("msg_type", m.Type).
			Wrap(err)
	}
	return nil
}

// TypeString returns the message type as a string, suited for metric labels.
func (m Msg) TypeString() string {
	if m.Type == "" {
		return "unknown"
	}
	return string(m.Type)
}

// ErrorResponse is the data of the messages sent when a viewer request is
// rejected.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CameraRequest is the data of a camera message.
type CameraRequest struct {
	Longitude      float64 `json:"longitude"`
	Latitude       float64 `json:"latitude"`
	Height         float64 `json:"height"`
	FieldOfViewY   float64 `json:"fov_y,omitempty"`
	ViewportWidth  int     `json:"viewport_width,omitempty"`
	ViewportHeight int     `json:"viewport_height,omitempty"`
}

const (
	ErrTypeMsgEncoding = "msg_encoding_error"
	ErrTypeMsgDecoding = "msg_decoding_error"
)

// Receiver receives a message and returns the number of bytes read.
type Receiver func() (Msg, int, error)

// Sender sends a message and returns the number of bytes written.
type Sender func(Msg) (int, error)

// ResponseSender sends messages to the connected viewer.
type ResponseSender interface {
	// Encodes data and queues it to be sent.
	Send(msgType MsgType, requestID uint32, data any) error

	// Queues a message to be sent.
	SendMsg(msg Msg)
}
