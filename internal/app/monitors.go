package app

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"xwatch/internal/config"
	"xwatch/internal/monitor"
	"xwatch/internal/task/scheduler"
	"xwatch/internal/upstream"
	logx "xwatch/pkg/logx"
)

// entry is one independently scheduled monitor.
type entry struct {
	mon      monitor.Monitor
	weight   int
	interval time.Duration
}

func (e entry) name() string { return "monitor:" + string(e.mon.Kind()) + ":" + e.mon.Account() }

type plan struct {
	entries []entry
}

// summary renders {kind: {account: seconds}}.
func (p plan) summary() string {
	doc := map[string]map[string]int64{}
	for _, e := range p.entries {
		k := string(e.mon.Kind())
		if doc[k] == nil {
			doc[k] = map[string]int64{}
		}
		doc[k][e.mon.Account()] = int64(e.interval / time.Second)
	}
	b, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return err.Error()
	}
	return string(b)
}

// buildMonitors constructs every configured monitor and assigns intervals.
//
// A monitor that cannot start (unknown account, bootstrap exhausted) is
// reported to the maintainer; the others continue. Sub-monitors of an account
// with a Profile monitor are driven by it and not scheduled on their own.
func (a *App) buildMonitors(ctx context.Context, cfg *config.Config) (plan, error) {
	bopts, err := mapBootstrap(cfg)
	if err != nil {
		return plan{}, err
	}
	tweetStale, err := config.ParseDurationOrDefault("alerting.tweet_stale_after", cfg.Alerting.TweetStaleAfter, 5*time.Minute)
	if err != nil {
		return plan{}, err
	}
	floor, err := config.ParseDurationOrDefault("scheduler.min_interval", cfg.Scheduler.MinInterval, scheduler.DefaultFloor)
	if err != nil {
		return plan{}, err
	}

	log := a.log.With(logx.String("comp", "monitor"))
	deps := monitor.Deps{
		API:       a.client,
		Tracker:   a.tracker,
		Notifier:  a.fanout,
		Store:     a.store,
		Log:       log,
		Bootstrap: bopts,
		OnChange: func(k monitor.Kind, field string) {
			a.metrics.ObserveChange(string(k), field)
		},
	}

	alloc := scheduler.NewAllocator(rateLimits(cfg), a.pool.Size(), floor)
	var p plan
	for _, ac := range cfg.Accounts {
		u, err := monitor.Bootstrap(ctx, bopts, log.With(logx.String("account", ac.Label())), func(ctx context.Context) (upstream.User, error) {
			return a.client.UserByScreenName(ctx, ac.Username)
		})
		if ctx.Err() != nil {
			return plan{}, ctx.Err()
		}
		if err != nil {
			a.refuse(ac.Label(), "account", err)
			continue
		}
		acct := accountOf(ac, u, tweetStale)
		for _, m := range a.buildAccount(ctx, ac, acct, deps) {
			alloc.Add(string(m.Kind()), ac.EffectiveWeight())
			p.entries = append(p.entries, entry{mon: m, weight: ac.EffectiveWeight()})
		}
		if ctx.Err() != nil {
			return plan{}, ctx.Err()
		}
	}
	for i := range p.entries {
		e := &p.entries[i]
		e.interval = alloc.Interval(string(e.mon.Kind()), e.weight)
	}
	return p, nil
}

// buildAccount returns the monitors of one account that need their own schedule.
func (a *App) buildAccount(ctx context.Context, ac config.AccountConfig, acct monitor.Account, deps monitor.Deps) []monitor.Monitor {
	var (
		profile *monitor.Profile
		out     []monitor.Monitor
	)
	for _, k := range enabledKinds(ac.Monitors) {
		m, err := newMonitor(ctx, k, acct, deps)
		if err != nil {
			if ctx.Err() == nil {
				a.refuse(acct.Title, string(k), err)
			}
			continue
		}
		a.register(m)
		if p, ok := m.(*monitor.Profile); ok {
			profile = p
			out = append(out, p)
			continue
		}
		if profile != nil {
			profile.AddSub(m)
			continue
		}
		out = append(out, m)
	}
	return out
}

func newMonitor(ctx context.Context, k monitor.Kind, acct monitor.Account, deps monitor.Deps) (monitor.Monitor, error) {
	switch k {
	case monitor.KindProfile:
		return asMonitor(monitor.NewProfile(ctx, acct, deps))
	case monitor.KindFollowing:
		return asMonitor(monitor.NewFollowing(ctx, acct, deps))
	case monitor.KindLike:
		return asMonitor(monitor.NewLike(ctx, acct, deps))
	case monitor.KindTweet:
		return asMonitor(monitor.NewTweet(ctx, acct, deps))
	}
	return nil, fmt.Errorf("unknown monitor kind %q", k)
}

// asMonitor keeps a failed constructor's typed nil out of the interface.
func asMonitor[M monitor.Monitor](m M, err error) (monitor.Monitor, error) {
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (a *App) refuse(account, what string, err error) {
	a.log.Warn("monitor refused", logx.String("account", account), logx.String("monitor", what), logx.Err(err))
	a.maintain(fmt.Sprintf("%s %s monitor refused: %v", account, what, err))
}

func (a *App) register(m monitor.Monitor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	byAcct := a.monitors[m.Kind()]
	if byAcct == nil {
		byAcct = map[string]monitor.Monitor{}
		a.monitors[m.Kind()] = byAcct
	}
	byAcct[m.Account()] = m
}

// statuses is {kind: {account: status}} over every monitor, sub-monitors included.
func (a *App) statuses() map[string]map[string]string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]map[string]string, len(a.monitors))
	for k, byAcct := range a.monitors {
		m := make(map[string]string, len(byAcct))
		for acct, mon := range byAcct {
			m[acct] = mon.Status()
		}
		out[string(k)] = m
	}
	return out
}
