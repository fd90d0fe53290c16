package frame

import (
	"context"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/surface/models"
)

// ErrTypeLoopClosed is the type of the errors returned when work is
// submitted to a closed loop.
const ErrTypeLoopClosed = "frame_loop_closed"

// Loop dispatches frames at a fixed interval. Frame handlers and the
// functions submitted with Do all run on the goroutine that started the loop,
// which makes it the only goroutine touching the state they share.
type Loop struct {
	frameDuration time.Duration

	handlerIDs   models.SequentialIDGenerator
	handlers     []frameHandler
	handlerMutex sync.Mutex

	tasks     chan task
	startOnce sync.Once
	closeOnce sync.Once
	closeChan chan struct{}
}

type frameHandler struct {
	id uint32
	h  func()
}

type task struct {
	f    func()
	done chan struct{}
}

// NewLoop creates a loop that dispatches a frame every frameDuration.
func NewLoop(frameDuration time.Duration) *Loop {
	return &Loop{
		frameDuration: frameDuration,
		tasks:         make(chan task),
		closeChan:     make(chan struct{}),
	}
}

// HandleFrame registers a handler called on every frame. Handlers are called
// in registration order.
func (l *Loop) HandleFrame(h func()) (cancel func()) {
	l.handlerMutex.Lock()
	defer l.handlerMutex.Unlock()

	id := l.handlerIDs.New()
	l.handlers = append(l.handlers, frameHandler{id: id, h: h})

	return func() {
		l.handlerMutex.Lock()
		defer l.handlerMutex.Unlock()

		for i, fh := range l.handlers {
			if fh.id == id {
				l.handlers = append(l.handlers[:i], l.handlers[i+1:]...)
				l.handlerIDs.Reuse(id)
				return
			}
		}
	}
}

// Do runs f on the loop goroutine and waits for it to return. Once accepted
// by the loop, f runs even if ctx is canceled in the meantime.
func (l *Loop) Do(ctx context.Context, f func()) error {
	t := task{
		f:    f,
		done: make(chan struct{}),
	}

	select {
	case l.tasks <- t:
	case <-l.closeChan:
		return errors.New("frame loop is closed").WithType(ErrTypeLoopClosed)
	case <-ctx.Done():
		return ctx.Err()
	}

	<-t.done
	return nil
}

// Start dispatches frames until the given context is canceled or the loop is
// closed. It blocks and only runs once.
func (l *Loop) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		defer l.Close()

		ticker := time.NewTicker(l.frameDuration)
		defer ticker.Stop()

		logs.WithTag("frame_duration", l.frameDuration).Debug("frame loop started")
		defer logs.Debug("frame loop stopped")

		for {
			select {
			case <-ctx.Done():
				return

			case <-l.closeChan:
				return

			case t := <-l.tasks:
				t.f()
				close(t.done)

			case <-ticker.C:
				l.dispatch()
			}
		}
	})
}

func (l *Loop) dispatch() {
	l.handlerMutex.Lock()
	handlers := make([]frameHandler, len(l.handlers))
	copy(handlers, l.handlers)
	l.handlerMutex.Unlock()

	for _, fh := range handlers {
		fh.h()
	}
}

// Close stops the loop. Pending Do calls return an error typed
// ErrTypeLoopClosed.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		close(l.closeChan)
	})
}
