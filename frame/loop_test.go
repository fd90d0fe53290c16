package frame

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *Loop {
	l := NewLoop(time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Start(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l
}

func TestLoopHandleFrame(t *testing.T) {
	t.Run("handlers are called on every frame", func(t *testing.T) {
		l := startLoop(t)

		var frames int64
		cancel := l.HandleFrame(func() {
			atomic.AddInt64(&frames, 1)
		})
		defer cancel()

		require.Eventually(t, func() bool {
			return atomic.LoadInt64(&frames) >= 3
		}, time.Second, time.Millisecond)
	})

	t.Run("handlers are called in registration order", func(t *testing.T) {
		l := startLoop(t)

		calls := make(chan string, 2)
		var once, twice int32

		cancelA := l.HandleFrame(func() {
			if atomic.CompareAndSwapInt32(&once, 0, 1) {
				calls <- "a"
			}
		})
		defer cancelA()

		cancelB := l.HandleFrame(func() {
			if atomic.CompareAndSwapInt32(&twice, 0, 1) {
				calls <- "b"
			}
		})
		defer cancelB()

		require.Equal(t, "a", <-calls)
		require.Equal(t, "b", <-calls)
	})

	t.Run("canceled handler is not called anymore", func(t *testing.T) {
		l := startLoop(t)

		var frames int64
		cancel := l.HandleFrame(func() {
			atomic.AddInt64(&frames, 1)
		})

		require.Eventually(t, func() bool {
			return atomic.LoadInt64(&frames) >= 1
		}, time.Second, time.Millisecond)

		cancel()
		cancel()

		// Wait for a frame that started before cancel to end.
		require.NoError(t, l.Do(context.Background(), func() {}))
		n := atomic.LoadInt64(&frames)

		time.Sleep(time.Millisecond * 10)
		require.Equal(t, n, atomic.LoadInt64(&frames))
	})

	t.Run("handler can cancel itself", func(t *testing.T) {
		l := startLoop(t)

		var frames int64
		var cancel func()
		registered := make(chan struct{})

		cancel = l.HandleFrame(func() {
			<-registered
			atomic.AddInt64(&frames, 1)
			cancel()
		})
		close(registered)

		require.Eventually(t, func() bool {
			return atomic.LoadInt64(&frames) == 1
		}, time.Second, time.Millisecond)

		time.Sleep(time.Millisecond * 10)
		require.Equal(t, int64(1), atomic.LoadInt64(&frames))
	})
}

func TestLoopDo(t *testing.T) {
	t.Run("runs on the loop goroutine", func(t *testing.T) {
		l := startLoop(t)

		var inFrame int32
		var overlapped int32

		cancel := l.HandleFrame(func() {
			atomic.StoreInt32(&inFrame, 1)
			time.Sleep(time.Microsecond * 100)
			atomic.StoreInt32(&inFrame, 0)
		})
		defer cancel()

		for i := 0; i < 20; i++ {
			err := l.Do(context.Background(), func() {
				if atomic.LoadInt32(&inFrame) == 1 {
					atomic.StoreInt32(&overlapped, 1)
				}
			})
			require.NoError(t, err)
		}

		require.Zero(t, atomic.LoadInt32(&overlapped))
	})

	t.Run("waits for the function to return", func(t *testing.T) {
		l := startLoop(t)

		var value int
		err := l.Do(context.Background(), func() {
			value = 42
		})
		require.NoError(t, err)
		require.Equal(t, 42, value)
	})

	t.Run("closed loop", func(t *testing.T) {
		l := NewLoop(time.Millisecond)
		l.Close()
		l.Close()

		err := l.Do(context.Background(), func() {})
		require.Error(t, err)
		require.True(t, errors.IsType(err, ErrTypeLoopClosed))
	})

	t.Run("loop stopped by its context", func(t *testing.T) {
		l := NewLoop(time.Millisecond)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		l.Start(ctx)

		err := l.Do(context.Background(), func() {})
		require.True(t, errors.IsType(err, ErrTypeLoopClosed))
	})

	t.Run("canceled context", func(t *testing.T) {
		l := NewLoop(time.Millisecond)
		defer l.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		defer cancel()

		err := l.Do(ctx, func() {})
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
