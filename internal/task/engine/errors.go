package engine

import (
	"errors"
	"time"
)

var (
	ErrStopped     = errors.New("engine: stopped")
	ErrStopping    = errors.New("engine: stopping")
	ErrQueueFull   = errors.New("engine: queue full")
	ErrOverlapSkip = errors.New("engine: previous run still queued or running")
)

// RetryAfterError carries an explicit delay before the next attempt.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// hintError wraps a task error with retry instructions for the worker.
type hintError struct {
	err     error
	noRetry bool
	after   time.Duration
}

// Error is the wrapped message; the hint only steers the worker.
func (e *hintError) Error() string { return e.err.Error() }

func (e *hintError) Unwrap() error { return e.err }

// NoRetry marks a failure that another attempt cannot fix, such as a
// malformed catalog document.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &hintError{err: err, noRetry: true}
}

// IsNoRetry reports whether err or anything it wraps came from NoRetry.
func IsNoRetry(err error) bool {
	var h *hintError
	for errors.As(err, &h) {
		if h.noRetry {
			return true
		}
		err = h.err
	}
	return false
}

// RetryAfter suggests a delay, capped by RetryMaxDelay and jittered by the worker.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{&hintError{err: err, after: max(after, 0)}}
}

type retryAfterError struct{ *hintError }

func (e retryAfterError) RetryAfter() time.Duration { return e.after }
