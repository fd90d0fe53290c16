package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

// NewTestingEnv creates a testing environment to unit test viewer handlers. It
// returns a connected client and a function that closes the environment.
func NewTestingEnv(t *testing.T, newHandler func() Handler) (*TestClient, func()) {
	var mutex sync.Mutex
	logger := t.Log

	logs.Encoder = func(v any) ([]byte, error) {
		return json.MarshalIndent(v, "", "  ")
	}

	logs.SetLogger(func(e logs.Entry) {
		mutex.Lock()
		defer mutex.Unlock()

		if logger != nil {
			logger(e)
		}
	})

	errors.Encoder = json.Marshal

	client, close := newTestingEnv(t, newHandler)
	return client, func() {
		mutex.Lock()
		defer mutex.Unlock()
		logger = nil
		close()
	}
}

func newTestingEnv(t *testing.T, newHandler func() Handler) (*TestClient, func()) {
	server := httptest.NewServer(websocket.Server{
		Handshake: func(c *websocket.Config, r *http.Request) error {
			return nil
		},
		Handler: func(conn *websocket.Conn) {
			defer conn.Close()

			handler := newHandler()
			defer handler.Close()

			Handle(context.Background(), conn, handler)
		},
	})

	config, err := websocket.NewConfig(
		strings.ReplaceAll(server.URL, "http://", "ws://"),
		"http://localhost",
	)
	if err != nil {
		t.Fatalf("error initializing web socket: %s", err)
	}
	config.Header.Set("User-Agent", "ted")
	config.Header.Set("X-Forwarded-For", "192.0.0.0")

	conn, err := websocket.DialConfig(config)
	if err != nil {
		t.Fatalf("error dialing web socket: %s", err)
	}

	return &TestClient{Conn: conn}, func() {
		conn.Close()
		server.Close()
	}
}

// TestClient is a viewer connected to a testing environment.
type TestClient struct {
	Conn *websocket.Conn
}

// Send sends a message with the given data.
func (c *TestClient) Send(msgType MsgType, requestID uint32, data any) error {
	msg, err := NewMsg(msgType, requestID, data)
	if err != nil {
		return err
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return websocket.Message.Send(c.Conn, string(b))
}

// Receive waits for a message of the given type, skipping the others.
func (c *TestClient) Receive(msgType MsgType, timeout time.Duration) (Msg, error) {
	deadline := time.Now().Add(timeout)
	if err := c.Conn.SetReadDeadline(deadline); err != nil {
		return Msg{}, err
	}
	defer c.Conn.SetReadDeadline(time.Time{})

	for {
		var data []byte
		if err := websocket.Message.Receive(c.Conn, &data); err != nil {
			return Msg{}, err
		}

		var msg Msg
		if err := json.Unmarshal(data, &msg); err != nil {
			return Msg{}, err
		}
		if msg.Type == msgType {
			return msg, nil
		}
	}
}
