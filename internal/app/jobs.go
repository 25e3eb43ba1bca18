package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"xwatch/internal/config"
	"xwatch/internal/credential"
	"xwatch/internal/notifier"
	rtsup "xwatch/internal/runtime/supervisor"
	"xwatch/internal/status"
	"xwatch/internal/task/engine"
	"xwatch/internal/task/scheduler"
	"xwatch/internal/upstream"
	logx "xwatch/pkg/logx"
)

const (
	jobSummary     = "status.summary"
	jobHealth      = "status.check"
	jobCredentials = "credential.check"
	jobCatalog     = "catalog.refresh"
)

const maintainerPrefix = "[Maintainer][Scheduler] "

// registerJobs upserts the cron jobs, so it also serves config reloads.
func (a *App) registerJobs(cfg *config.Config) error {
	stale, err := config.ParseDurationOrDefault("alerting.stale_after", cfg.Alerting.StaleAfter, 30*time.Minute)
	if err != nil {
		return err
	}
	probe := cfg.Upstream.ProbeScreenName
	jobs := []struct {
		name string
		spec string
		opt  scheduler.TaskOptions
		run  func(ctx context.Context) error
	}{
		{jobSummary, cfg.Alerting.Summary, scheduler.TaskOptions{}, func(context.Context) error {
			return a.sendSummary()
		}},
		{jobHealth, cfg.Alerting.Check, scheduler.TaskOptions{}, func(context.Context) error {
			a.checkHealth(stale)
			return nil
		}},
		{jobCredentials, cfg.Alerting.CredentialCheck, scheduler.TaskOptions{}, func(ctx context.Context) error {
			a.checkCredentials(ctx, probe)
			return nil
		}},
		{jobCatalog, cfg.Upstream.Refresh, scheduler.TaskOptions{RetryMax: 3, RetryBase: 5 * time.Second, RetryMaxDelay: time.Minute, RetryJitter: 0.2}, a.refreshCatalog},
	}
	for _, j := range jobs {
		if _, err := a.sched.AddScheduleOpt(j.name, j.spec, 0, j.opt, j.run); err != nil {
			return err
		}
	}
	return nil
}

// refreshCatalog leaves a malformed document to the next scheduled refresh.
func (a *App) refreshCatalog(ctx context.Context) error {
	err := a.client.RefreshCatalog(ctx)
	if errors.Is(err, upstream.ErrBadCatalog) {
		return engine.NoRetry(err)
	}
	return err
}

// maintainerTargets reads the live config so reloads take effect.
func (a *App) maintainerTargets() notifier.Targets {
	return targetsOf(a.cfgm.Get().Alerting.Maintainer)
}

// maintain sends text to the maintainer destinations, or logs it when there are none.
func (a *App) maintain(text string) {
	t := a.maintainerTargets()
	if t.Empty() {
		a.log.Info("maintainer message", logx.String("text", text))
		return
	}
	if err := a.fanout.Notify(t, notifier.Message{Text: maintainerPrefix + text}); err != nil {
		a.log.Warn("maintainer message not queued", logx.Err(err))
	}
}

// sendSummary posts {kind: {account: status}} as indented JSON.
func (a *App) sendSummary() error {
	b, err := json.MarshalIndent(a.statuses(), "", "    ")
	if err != nil {
		return err
	}
	a.maintain(string(b))
	return nil
}

func (a *App) checkHealth(threshold time.Duration) {
	alerts := a.tracker.Check(threshold)
	if len(alerts) == 0 {
		return
	}
	lines := make([]string, 0, len(alerts))
	for _, al := range alerts {
		lines = append(lines, al.String())
	}
	a.log.Warn("health check found stale components", logx.Int("alerts", len(alerts)))
	a.maintain(strings.Join(lines, "\n"))
}

// checkCredentials probes every credential and alerts on the failing ones.
func (a *App) checkCredentials(ctx context.Context, probeScreenName string) map[string]bool {
	res := a.pool.CheckHealth(ctx, a.client.Probe(probeScreenName))
	var bad []string
	for _, label := range slices.Sorted(maps.Keys(res)) {
		if !res[label] {
			bad = append(bad, label)
		}
	}
	if len(bad) > 0 && ctx.Err() == nil {
		a.maintain(fmt.Sprintf("Credentials failing health check (%d/%d):\n%s", len(bad), len(res), strings.Join(bad, "\n")))
	}
	return res
}

// CheckCredentials is the one-shot CLI mode: it loads the catalog, probes every
// credential, writes the JSON result map to out and, when notify is set, sends
// it to the maintainer before returning. Start must not have been called.
func (a *App) CheckCredentials(ctx context.Context, out io.Writer, notify bool) error {
	defer a.closeIdle()
	cfg := a.cfgm.Get()
	retry, err := config.ParseDurationOrDefault("upstream.bootstrap_retry", cfg.Upstream.BootstrapRetry, 10*time.Second)
	if err != nil {
		return err
	}
	if err := a.client.Init(ctx, retry, 3); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	res := a.pool.CheckHealth(ctx, a.client.Probe(cfg.Upstream.ProbeScreenName))
	b, err := json.MarshalIndent(res, "", "    ")
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(out, string(b)); err != nil {
		return err
	}
	if !notify {
		return nil
	}
	a.fanout.Start(ctx)
	a.maintain(string(b))
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	a.fanout.Stop(stopCtx)
	return nil
}

// Status is the /status document.
type Status struct {
	Tracker     status.Snapshot              `json:"tracker"`
	Monitors    map[string]map[string]string `json:"monitors"`
	Credentials []credential.Stats           `json:"credentials"`
	Engine      engine.Snapshot              `json:"engine"`
	Scheduler   scheduler.Snapshot           `json:"scheduler"`
	Supervisor  *rtsup.Snapshot              `json:"supervisor,omitempty"`
	Sinks       map[string]int               `json:"sink_queue_depth"`
}

func (a *App) statusDoc() any {
	st := Status{
		Tracker:     a.tracker.Snapshot(),
		Monitors:    a.statuses(),
		Credentials: a.pool.Stats(),
		Engine:      a.engine.Snapshot(),
		Scheduler:   a.sched.Snapshot(),
		Sinks:       map[string]int{},
	}
	if a.sup != nil {
		snap := a.sup.Snapshot()
		st.Supervisor = &snap
	}
	for _, d := range a.fanout.Dispatchers() {
		st.Sinks[d.Name()] = d.Depth()
	}
	return st
}

// maintainerAlerter forwards high-severity log lines to the maintainer.
type maintainerAlerter struct{ a *App }

func (m maintainerAlerter) Alert(_ context.Context, text string) error {
	t := m.a.maintainerTargets()
	if t.Empty() {
		return nil
	}
	return m.a.fanout.Notify(t, notifier.Message{Text: "[Maintainer][Log] " + text})
}
