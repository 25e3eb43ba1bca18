package scheduler

import (
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

// maxFirstRunDelay caps the random offset of an interval job's first run.
// Monitors registered in the same second then do not hit upstream together.
const maxFirstRunDelay = 30 * time.Second

// offsetEvery fires once at first, then every period counted from that run.
type offsetEvery struct {
	every cron.Schedule
	first time.Time
}

func (o offsetEvery) Next(t time.Time) time.Time {
	if t.Before(o.first) {
		return o.first
	}
	return o.every.Next(t)
}

// spreadInterval builds an @every schedule whose first run is now plus a
// random offset below min(every, maxFirstRunDelay).
func spreadInterval(every time.Duration, now time.Time) (cron.Schedule, time.Duration) {
	limit := min(every, maxFirstRunDelay)
	if limit <= 0 {
		return cron.Every(every), 0
	}
	off := rand.N(limit)
	return offsetEvery{every: cron.Every(every), first: now.Add(off)}, off
}
