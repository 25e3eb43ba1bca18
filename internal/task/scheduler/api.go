package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"xwatch/internal/task/engine"
	logx "xwatch/pkg/logx"
)

// AddSchedule parses schedule and registers either a cron or interval task.
//
// Supported schedule formats:
//   - Cron: "*/30 * * * *", "0 0,12 * * *", "@daily", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// A trigger while the previous run is still queued or running is skipped.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	return s.AddScheduleOpt(name, schedule, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

// AddScheduleOpt is AddSchedule with task options.
func (s *Service) AddScheduleOpt(name, schedule string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", fmt.Errorf("schedule %s: %w", name, err)
	}
	switch ps.Kind {
	case SpecCron:
		return s.add(name, ps.Cron, timeout, opt, job)
	case SpecInterval:
		return s.AddIntervalOpt(name, ps.Every, timeout, opt, job)
	default:
		return "", errors.New("unsupported schedule kind")
	}
}

func (s *Service) AddInterval(name string, every, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	return s.AddIntervalOpt(name, every, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

// AddIntervalOpt registers a fixed-interval task. Its first run is spread by up
// to min(every, 30s) so monitors started together do not fire together.
func (s *Service) AddIntervalOpt(name string, every, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	if every <= 0 {
		return "", fmt.Errorf("schedule %s: interval must be > 0", name)
	}
	return s.add(name, "@every "+every.String(), timeout, opt, job)
}

func (s *Service) add(name, spec string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name required")
	}
	if job == nil {
		return "", fmt.Errorf("schedule %s: job required", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Upsert by name so repeated registration never duplicates a schedule.
	s.removeLocked(name)
	s.defs = append(s.defs, scheduleDef{
		id:      fmt.Sprintf("sch:%d", time.Now().UnixNano()),
		name:    name,
		spec:    spec,
		timeout: timeout,
		job:     job,
		opt:     opt,
		state:   &engine.RunState{},
	})
	if s.c == nil {
		// Registered on Start.
		return name, nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return name, err
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec), logx.Duration("spread", d.startupSpread))
	return name, nil
}

// Remove unschedules name. It returns true if something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Trigger enqueues one out-of-cycle run of name, honoring its overlap state.
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	var def *scheduleDef
	for i := range s.defs {
		if s.defs[i].name == name {
			d := s.defs[i]
			def = &d
			break
		}
	}
	s.mu.Unlock()
	if def == nil {
		return fmt.Errorf("schedule %s: not registered", name)
	}
	return s.enqueue(def)
}

// removeLocked removes every def matching name. Call with s.mu held.
func (s *Service) removeLocked(name string) bool {
	if name == "" {
		return false
	}
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			continue
		}
		s.defs[n] = d
		n++
	}
	removed := n < len(s.defs)
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) enqueue(d *scheduleDef) error {
	if s.engine == nil {
		return nil
	}
	err := s.engine.Enqueue(engine.Task{
		Name:    d.name,
		Timeout: d.timeout,
		Run:     d.job,
		Opt:     d.opt,
		State:   d.state,
	})
	if err != nil {
		s.reportEnqueueError(d.name, err)
	}
	return err
}

// addCronLocked registers d with the running cron. Call with s.mu held.
func (s *Service) addCronLocked(d *scheduleDef) error {
	def := *d
	job := cron.FuncJob(func() { _ = s.enqueue(&def) })

	if every, ok := strings.CutPrefix(d.spec, "@every "); ok {
		if dur, err := time.ParseDuration(strings.TrimSpace(every)); err == nil && dur > 0 {
			sched, jitter := spreadInterval(dur, time.Now().In(s.loc))
			d.startupSpread = jitter
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}
	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err == nil {
		d.entryID = eid
	}
	return err
}
