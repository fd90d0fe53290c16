package smoketest

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	swebsocket "github.com/aukilabs/surface/websocket"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

const (
	ErrTypeSmokeTest = "smoke_test_failure"

	defaultTimeout = time.Second * 10
	streamPath     = "/stream"
	pingRequestID  = 1
)

// Request is the body of a smoke test request.
type Request struct {
	// The surface server to test. Defaults to the local endpoint.
	Endpoint string        `json:"endpoint,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

// Results describes the outcome of a smoke test.
type Results struct {
	FromEndpoint    string  `json:"from_endpoint"`
	ToEndpoint      string  `json:"to_endpoint"`
	LatencyMilliSec float64 `json:"latency_ms"`
	Frame           int64   `json:"frame"`
	RenderedTiles   int     `json:"rendered_tiles"`
	Error           string  `json:"error,omitempty"`
}

type Options struct {
	Endpoint  string
	UserAgent string

	// Called with the outcome of each smoke test. Defaults to logging it.
	SendResult func(context.Context, Results) error
}

// HandleSmokeTest returns a handler that starts a smoke test against the
// stream endpoint of a surface server. The test runs in the background and
// the handler responds immediately.
func HandleSmokeTest(ctx context.Context, opts Options) http.HandlerFunc {
	if opts.SendResult == nil {
		opts.SendResult = logResult
	}

	return func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
		if err != nil {
			logs.Warn(errors.New("reading body failed").Wrap(err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		var req Request
		if len(b) != 0 {
			if err := json.Unmarshal(b, &req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		}
		if req.Endpoint == "" {
			req.Endpoint = opts.Endpoint
		}

		go func() {
			res, err := Run(ctx, opts.Endpoint, req, opts.UserAgent)
			if err != nil {
				logs.Warn(err)
			}

			if err := opts.SendResult(ctx, res); err != nil {
				logs.WithTag("from_endpoint", opts.Endpoint).
					WithTag("to_endpoint", req.Endpoint).
					Warn(errors.New("sending smoke test result failed").Wrap(err))
			}
		}()

		w.WriteHeader(http.StatusOK)
	}
}

// Run connects to the stream endpoint of a surface server, measures the
// round trip of a ping and waits for the first surface summary.
func Run(ctx context.Context, fromEndpoint string, req Request, userAgent string) (Results, error) {
	res := Results{
		FromEndpoint: fromEndpoint,
		ToEndpoint:   req.Endpoint,
	}

	err := run(ctx, req, userAgent, &res)
	if err != nil {
		err = errors.New("smoke test failed").
			WithType(ErrTypeSmokeTest).
			WithTag("to_endpoint", req.Endpoint).
			Wrap(err)
		res.Error = err.Error()
	}
	return res, err
}

func run(ctx context.Context, req Request, userAgent string, res *Results) error {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	deadline := time.Now().Add(timeout)

	wsURL, err := streamURL(req.Endpoint)
	if err != nil {
		return err
	}

	config, err := websocket.NewConfig(wsURL, req.Endpoint)
	if err != nil {
		return errors.New("creating websocket config failed").Wrap(err)
	}
	if userAgent != "" {
		config.Header.Set("User-Agent", userAgent)
	}

	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	conn, err := config.DialContext(dialCtx)
	if err != nil {
		return errors.New("dialing stream endpoint failed").Wrap(err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return errors.New("setting connection deadline failed").Wrap(err)
	}

	start := time.Now()
	if err := send(conn, swebsocket.MsgTypePing, pingRequestID); err != nil {
		return err
	}

	var gotPong, gotStats bool
	for !gotPong || !gotStats {
		msg, err := receive(conn)
		if err != nil {
			return err
		}

		switch msg.Type {
		case swebsocket.MsgTypePong:
			if msg.RequestID != pingRequestID {
				continue
			}
			res.LatencyMilliSec = float64(time.Since(start).Microseconds()) / 1000
			gotPong = true

		case swebsocket.MsgTypeStats:
			var stats swebsocket.StatsResponse
			if err := msg.DataTo(&stats); err != nil {
				return err
			}
			res.Frame = stats.Frame
			res.RenderedTiles = stats.RenderedTiles
			gotStats = true

		case swebsocket.MsgTypeError:
			var errRes swebsocket.ErrorResponse
			if err := msg.DataTo(&errRes); err != nil {
				return err
			}
			return errors.New("server responded with an error").
				WithTag("code", errRes.Code).
				WithTag("message", errRes.Message)
		}
	}
	return nil
}

func streamURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.New("parsing endpoint failed").Wrap(err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("unsupported endpoint scheme").
			WithTag("scheme", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + streamPath
	return u.String(), nil
}

func send(conn *websocket.Conn, msgType swebsocket.MsgType, requestID uint32) error {
	msg, err := swebsocket.NewMsg(msgType, requestID, nil)
	if err != nil {
		return err
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return errors.New("encoding message failed").Wrap(err)
	}

	if err := websocket.Message.Send(conn, string(b)); err != nil {
		return errors.New("sending message failed").Wrap(err)
	}
	return nil
}

func receive(conn *websocket.Conn) (swebsocket.Msg, error) {
	var data []byte
	if err := websocket.Message.Receive(conn, &data); err != nil {
		return swebsocket.Msg{}, errors.New("receiving message failed").Wrap(err)
	}

	var msg swebsocket.Msg
	if err := json.Unmarshal(data, &msg); err != nil {
		return swebsocket.Msg{}, errors.New("decoding message failed").Wrap(err)
	}
	return msg, nil
}

func logResult(ctx context.Context, res Results) error {
	l := logs.WithTag("from_endpoint", res.FromEndpoint).
		WithTag("to_endpoint", res.ToEndpoint).
		WithTag("latency_ms", res.LatencyMilliSec).
		WithTag("frame", res.Frame).
		WithTag("rendered_tiles", res.RenderedTiles)

	if res.Error != "" {
		l.WithTag("error", res.Error).Info("smoke test failed")
		return nil
	}
	l.Info("smoke test succeeded")
	return nil
}
