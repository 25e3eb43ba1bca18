package scheduler

import (
	"errors"
	"time"

	"golang.org/x/time/rate"

	"xwatch/internal/task/engine"
	logx "xwatch/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a failed trigger. Queue full and stopping come in
// bursts, so each schedule warns at most once per enqueueWarnThrottle.
func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	// A slow monitor overlapping its own next tick is normal.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}
	s.enqMu.Lock()
	warn, ok := s.enqWarn[name]
	if !ok {
		warn = &rate.Sometimes{First: 1, Interval: enqueueWarnThrottle}
		s.enqWarn[name] = warn
	}
	s.enqMu.Unlock()

	warn.Do(func() {
		s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
	})
}
