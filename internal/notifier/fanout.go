package notifier

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"xwatch/internal/status"
	logx "xwatch/pkg/logx"
)

// Targets maps a sink name to its destinations.
type Targets map[string][]string

// Empty reports whether no destination is set.
func (t Targets) Empty() bool {
	for _, d := range t {
		if len(d) > 0 {
			return false
		}
	}
	return true
}

// Fanout routes messages to the dispatcher of each target sink.
type Fanout struct {
	log     logx.Logger
	tracker *status.Tracker

	mu          sync.RWMutex
	dispatchers map[string]*Dispatcher
}

func NewFanout(tracker *status.Tracker, log logx.Logger, ds ...*Dispatcher) *Fanout {
	if log.IsZero() {
		log = logx.Nop()
	}
	f := &Fanout{log: log, tracker: tracker, dispatchers: map[string]*Dispatcher{}}
	for _, d := range ds {
		f.dispatchers[d.Name()] = d
	}
	return f
}

// Dispatcher returns the dispatcher for sink, or nil.
func (f *Fanout) Dispatcher(sink string) *Dispatcher {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dispatchers[sink]
}

// Dispatchers returns all dispatchers sorted by name.
func (f *Fanout) Dispatchers() []*Dispatcher {
	f.mu.RLock()
	out := make([]*Dispatcher, 0, len(f.dispatchers))
	for _, d := range f.dispatchers {
		out = append(out, d)
	}
	f.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Dispatcher) int {
		switch {
		case a.Name() < b.Name():
			return -1
		case a.Name() > b.Name():
			return 1
		}
		return 0
	})
	return out
}

// Notify enqueues m once per target sink. Unknown sinks and enqueue failures are
// joined into the returned error; the other sinks still get the message.
func (f *Fanout) Notify(t Targets, m Message) error {
	var errs []error
	sent := false
	for _, sink := range sortedKeys(t) {
		dests := t[sink]
		if len(dests) == 0 {
			continue
		}
		d := f.Dispatcher(sink)
		if d == nil {
			errs = append(errs, fmt.Errorf("notifier: no %s sink configured", sink))
			continue
		}
		mm := m
		mm.Destinations = slices.Clone(dests)
		if err := d.Enqueue(mm); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sink, err))
			continue
		}
		sent = true
	}
	if sent && f.tracker != nil {
		f.tracker.Notified()
	}
	return errors.Join(errs...)
}

// Confirm asks the first destination of the first sink that can read replies.
func (f *Fanout) Confirm(ctx context.Context, t Targets, question string, timeout time.Duration) (bool, error) {
	for _, sink := range sortedKeys(t) {
		d := f.Dispatcher(sink)
		if d == nil || len(t[sink]) == 0 {
			continue
		}
		ok, err := d.Confirm(ctx, t[sink][0], question, timeout)
		if errors.Is(err, ErrNoInbound) {
			continue
		}
		return ok, err
	}
	return false, ErrNoInbound
}

func (f *Fanout) Start(ctx context.Context) {
	for _, d := range f.Dispatchers() {
		d.Start(ctx)
	}
}

// Stop drains every dispatcher concurrently.
func (f *Fanout) Stop(ctx context.Context) {
	var wg sync.WaitGroup
	for _, d := range f.Dispatchers() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Stop(ctx)
		}()
	}
	wg.Wait()
}

func sortedKeys(t Targets) []string { return slices.Sorted(maps.Keys(t)) }
