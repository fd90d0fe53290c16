package models

// RetryPolicy describes how failed tile and imagery requests are retried.
// Delays are expressed in frames.
type RetryPolicy struct {
	// The number of attempts after which a request is not retried anymore.
	// Zero means no retry.
	MaxAttempts int

	BaseDelayFrames int64
	MaxDelayFrames  int64
}

// DefaultRetryPolicy is the retry policy used when none is configured.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     5,
	BaseDelayFrames: 1,
	MaxDelayFrames:  64,
}

// NextFrame returns the frame from which a request that failed the given
// number of times may be issued again. It returns -1 when the request must not
// be retried.
func (p RetryPolicy) NextFrame(frame int64, attempts int) int64 {
	if attempts >= p.MaxAttempts {
		return -1
	}

	delay := max(p.BaseDelayFrames, 1)
	for i := 1; i < attempts && delay < p.MaxDelayFrames; i++ {
		delay *= 2
	}
	if p.MaxDelayFrames > 0 {
		delay = min(delay, p.MaxDelayFrames)
	}
	return frame + delay
}

// ShouldRetry reports whether a failed request scheduled for the given frame
// can be issued in the current one.
func ShouldRetry(retryFrame, frame int64) bool {
	return retryFrame >= 0 && retryFrame <= frame
}
