// Package status records when each monitor and notification sink last worked,
// and reports the ones that have gone quiet.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// Key names one monitor: "{kind}-{account}".
func Key(kind, account string) string { return kind + "-" + account }

type sinkState struct {
	LastSuccess time.Time
	LastFailure time.Time
	Healthy     bool
}

// Tracker is safe for concurrent use.
type Tracker struct {
	now func() time.Time

	mu         sync.RWMutex
	monitors   map[string]time.Time
	started    map[string]time.Time
	sinks      map[string]sinkState
	lastNotify time.Time
}

type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

func New(opts ...Option) *Tracker {
	t := &Tracker{
		now:      time.Now,
		monitors: map[string]time.Time{},
		started:  map[string]time.Time{},
		sinks:    map[string]sinkState{},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// MonitorSucceeded stamps a successful tick.
func (t *Tracker) MonitorSucceeded(kind, account string) {
	now := t.now()
	t.mu.Lock()
	t.monitors[Key(kind, account)] = now
	t.mu.Unlock()
}

// MonitorStarted registers a monitor that has not ticked yet, so Check
// reports it once threshold passes without a success.
func (t *Tracker) MonitorStarted(kind, account string) {
	now := t.now()
	key := Key(kind, account)
	t.mu.Lock()
	if _, ok := t.started[key]; !ok {
		t.started[key] = now
	}
	t.mu.Unlock()
}

// MonitorLast returns the last successful tick, zero if none.
func (t *Tracker) MonitorLast(kind, account string) time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.monitors[Key(kind, account)]
}

// Forget drops a monitor that is no longer scheduled.
func (t *Tracker) Forget(kind, account string) {
	t.mu.Lock()
	delete(t.monitors, Key(kind, account))
	delete(t.started, Key(kind, account))
	t.mu.Unlock()
}

func (t *Tracker) SinkSucceeded(sink string) {
	now := t.now()
	t.mu.Lock()
	s := t.sinks[sink]
	s.LastSuccess, s.Healthy = now, true
	t.sinks[sink] = s
	t.mu.Unlock()
}

func (t *Tracker) SinkFailed(sink string) {
	now := t.now()
	t.mu.Lock()
	s := t.sinks[sink]
	s.LastFailure, s.Healthy = now, false
	t.sinks[sink] = s
	t.mu.Unlock()
}

// SinkHealth reports the last delivery result; a sink that never delivered is healthy.
func (t *Tracker) SinkHealth(sink string) (lastSuccess time.Time, healthy bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sinks[sink]
	if !ok {
		return time.Time{}, true
	}
	return s.LastSuccess, s.Healthy
}

// Notified records that a message was handed to the dispatchers.
func (t *Tracker) Notified() {
	now := t.now()
	t.mu.Lock()
	t.lastNotify = now
	t.mu.Unlock()
}

func (t *Tracker) LastNotify() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastNotify
}

// AlertKind tells monitors and sinks apart.
type AlertKind string

const (
	AlertMonitor AlertKind = "monitor"
	AlertSink    AlertKind = "sink"
)

type Alert struct {
	Kind AlertKind
	Name string
	Last time.Time
}

func (a Alert) String() string {
	last := "never"
	if !a.Last.IsZero() {
		last = a.Last.Format(time.RFC3339)
	}
	switch a.Kind {
	case AlertSink:
		return fmt.Sprintf("Notifier %s unhealthy, last success %s", a.Name, last)
	default:
		return fmt.Sprintf("Monitor %s stale, last success %s", a.Name, last)
	}
}

// Check returns monitors with no success within threshold (counting from
// MonitorStarted for those that never succeeded), and sinks that are
// marked unhealthy or whose last success is older than threshold before the
// last notification. Results are sorted by kind then name.
func (t *Tracker) Check(threshold time.Duration) []Alert {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Alert
	for name, last := range t.monitors {
		if now.Sub(last) > threshold {
			out = append(out, Alert{Kind: AlertMonitor, Name: name, Last: last})
		}
	}
	for name, since := range t.started {
		if _, ok := t.monitors[name]; !ok && now.Sub(since) > threshold {
			out = append(out, Alert{Kind: AlertMonitor, Name: name})
		}
	}
	for name, s := range t.sinks {
		behind := !t.lastNotify.IsZero() && t.lastNotify.Sub(s.LastSuccess) > threshold
		if !s.Healthy || behind {
			out = append(out, Alert{Kind: AlertSink, Name: name, Last: s.LastSuccess})
		}
	}
	slices.SortFunc(out, func(a, b Alert) int {
		if a.Kind != b.Kind {
			if a.Kind == AlertMonitor {
				return -1
			}
			return 1
		}
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// Snapshot is a point-in-time copy for summaries and the status endpoint.
type Snapshot struct {
	Monitors   map[string]time.Time `json:"monitors"`
	Sinks      map[string]SinkInfo  `json:"sinks"`
	LastNotify time.Time            `json:"last_notify"`
}

type SinkInfo struct {
	LastSuccess time.Time `json:"last_success"`
	LastFailure time.Time `json:"last_failure"`
	Healthy     bool      `json:"healthy"`
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := Snapshot{
		Monitors:   make(map[string]time.Time, len(t.monitors)),
		Sinks:      make(map[string]SinkInfo, len(t.sinks)),
		LastNotify: t.lastNotify,
	}
	for k, v := range t.monitors {
		out.Monitors[k] = v
	}
	for k, v := range t.sinks {
		out.Sinks[k] = SinkInfo(v)
	}
	return out
}
