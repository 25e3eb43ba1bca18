package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"xwatch/internal/upstream"
	logx "xwatch/pkg/logx"
)

// BootstrapOptions bound the first-snapshot retry loop.
type BootstrapOptions struct {
	// Delay between attempts (default 60s).
	Delay time.Duration
	// MaxAttempts is the attempt cap; 0 means unlimited.
	MaxAttempts int
	// Timeout caps the whole loop; 0 means none.
	Timeout time.Duration
	// Adaptive doubles the delay after each failure.
	Adaptive bool
}

// ErrBootstrap wraps the last error of a bootstrap that gave up.
var ErrBootstrap = errors.New("monitor: bootstrap failed")

// Bootstrap calls fetch until it succeeds. upstream.ErrUnavailable stops the loop
// at once: a missing or suspended account will not come back by waiting.
func Bootstrap[T any](ctx context.Context, opts BootstrapOptions, log logx.Logger, fetch func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if opts.Delay <= 0 {
		opts.Delay = 60 * time.Second
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	sleeper := NewSleeper(opts.Delay)
	for attempt := 1; ; attempt++ {
		v, err := fetch(ctx)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, upstream.ErrUnavailable) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%w after %d attempts: %w", ErrBootstrap, attempt, ctx.Err())
		}
		if opts.MaxAttempts > 0 && attempt >= opts.MaxAttempts {
			return zero, fmt.Errorf("%w after %d attempts: %w", ErrBootstrap, attempt, err)
		}
		delay := opts.Delay
		if opts.Adaptive {
			delay = sleeper.Next(false)
		}
		log.Warn("bootstrap fetch failed; retrying", logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, fmt.Errorf("%w after %d attempts: %w", ErrBootstrap, attempt, ctx.Err())
		case <-t.C:
		}
	}
}
