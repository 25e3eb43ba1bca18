package monitor

import (
	"context"
	"time"
)

// Sleeper is an adaptive delay: it doubles after a failure and halves again
// once more than 20 successes in a row have been seen, never going below base.
type Sleeper struct {
	base    time.Duration
	max     time.Duration
	current time.Duration
	streak  int
}

func NewSleeper(base time.Duration) *Sleeper {
	base = max(base, time.Millisecond)
	return &Sleeper{base: base, max: 64 * base, current: base}
}

func (s *Sleeper) Current() time.Duration { return s.current }

// Next records the outcome of the last attempt and returns the delay to wait.
func (s *Sleeper) Next(ok bool) time.Duration {
	if ok {
		s.streak++
		if s.streak > 20 && s.current > s.base {
			s.current = max(s.current/2, s.base)
		}
		return s.current
	}
	s.streak = 0
	s.current = min(s.current*2, s.max)
	return s.current
}

// Sleep waits for Next(ok), or until ctx is done.
func (s *Sleeper) Sleep(ctx context.Context, ok bool) error {
	t := time.NewTimer(s.Next(ok))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
