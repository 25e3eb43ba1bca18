package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"xwatch/internal/config"
	"xwatch/internal/credential"
	"xwatch/internal/monitor"
	"xwatch/internal/notifier"
	"xwatch/internal/observability"
	rtsup "xwatch/internal/runtime/supervisor"
	"xwatch/internal/status"
	"xwatch/internal/storage"
	"xwatch/internal/task/engine"
	"xwatch/internal/task/scheduler"
	"xwatch/internal/transport"
	"xwatch/internal/transport/cqhttp"
	"xwatch/internal/transport/telegram"
	"xwatch/internal/transport/webhook"
	"xwatch/internal/upstream"
	logx "xwatch/pkg/logx"
)

// ErrNotConfirmed means the maintainer declined the startup question.
var ErrNotConfirmed = errors.New("app: start not confirmed")

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	pool    *credential.Pool
	client  *upstream.Client
	tracker *status.Tracker
	fanout  *notifier.Fanout
	tg      *telegram.Sink

	metrics *observability.Metrics
	ops     *observability.Server
	engine  *engine.Service
	sched   *scheduler.Service

	mu       sync.RWMutex
	monitors map[monitor.Kind]map[string]monitor.Monitor
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		tracker:  status.New(),
		metrics:  observability.NewMetrics(),
		monitors: map[monitor.Kind]map[string]monitor.Monitor{},
	}
	if err := a.wire(cfg, log); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// wire builds every component from cfg. Nothing is started.
func (a *App) wire(cfg *config.Config, log logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.store = store
	a.log.Info("storage ready", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	creds, err := credential.Load(credential.LoadOptions{
		BearerTokens: cfg.Credentials.BearerTokens,
		CookiesDir:   cfg.Credentials.CookiesDir,
		WebBearer:    cfg.Credentials.WebBearer,
	})
	if err != nil {
		return err
	}
	a.pool = credential.NewPool(creds,
		credential.WithLogger(log.With(logx.String("comp", "credential"))),
		credential.WithAttemptHook(a.metrics.ObserveAttempt),
	)

	upTimeout, err := config.ParseDurationOrDefault("upstream.timeout", cfg.Upstream.Timeout, 300*time.Second)
	if err != nil {
		return err
	}
	a.client = upstream.New(a.pool, catalogSource(cfg),
		upstream.WithHTTPClient(&http.Client{Timeout: upTimeout}),
		upstream.WithLogger(log.With(logx.String("comp", "upstream"))),
		upstream.WithUserAgent(cfg.Upstream.UserAgent),
		upstream.WithQueryHook(a.metrics.ObserveQuery),
	)

	if err := a.wireNotifier(cfg, log); err != nil {
		return err
	}
	if cfg.Logging.Alert.Enabled {
		a.logs.SetAlerter(maintainerAlerter{a: a})
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "taskengine")), engine.WithObserver(a.metrics.ObserveTask))
	a.metrics.RegisterQueue("taskengine", func() int { return a.engine.Snapshot().QueueLen })
	a.sched = scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, a.engine, log.With(logx.String("comp", "scheduler")))

	a.ops = observability.NewServer(mapObservability(cfg), a.metrics, a.statusDoc, log)
	a.log.Info("wired",
		logx.Int("credentials", a.pool.Size()),
		logx.Int("accounts", len(cfg.Accounts)),
		logx.Strings("sinks", a.sinkNames()))
	return nil
}

func (a *App) wireNotifier(cfg *config.Config, log logx.Logger) error {
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	hc := &http.Client{Timeout: ncfg.SendTimeout}

	sinks := []transport.Sink{webhook.New(hc), cqhttp.New(cfg.CQHTTP.Token, hc)}
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return err
		}
		tg, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return err
		}
		a.tg = tg
		sinks = append(sinks, tg)
	}

	ds := make([]*notifier.Dispatcher, 0, len(sinks))
	for _, s := range sinks {
		d := notifier.New(s, ncfg, a.tracker,
			log.With(logx.String("comp", "notifier"), logx.String("sink", s.Name())),
			notifier.WithResultHook(a.metrics.ObserveNotification))
		a.metrics.RegisterQueue("notifier."+s.Name(), d.Depth)
		ds = append(ds, d)
	}
	a.fanout = notifier.NewFanout(a.tracker, log.With(logx.String("comp", "notifier")), ds...)
	return nil
}

func (a *App) sinkNames() []string {
	var out []string
	for _, d := range a.fanout.Dispatchers() {
		out = append(out, d.Name())
	}
	return out
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
			}
		}
		for _, spec := range []string{c.Alerting.Summary, c.Alerting.Check, c.Alerting.CredentialCheck, c.Upstream.Refresh} {
			if _, err := scheduler.ParseSchedule(spec); err != nil {
				return err
			}
		}
		return nil
	})

	a.fanout.Start(run)
	a.engine.Start(run)
	a.ops.Start(run)

	retry, err := config.ParseDurationOrDefault("upstream.bootstrap_retry", cfg.Upstream.BootstrapRetry, 10*time.Second)
	if err != nil {
		return err
	}
	if err := a.client.Init(run, retry, cfg.Bootstrap.MaxAttempts); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	plan, err := a.buildMonitors(run, cfg)
	if err != nil {
		return err
	}
	a.maintain("Interval:\n" + plan.summary())

	if cfg.Alerting.ConfirmOnStart {
		timeout, err := config.ParseDurationOrDefault("alerting.confirm_timeout", cfg.Alerting.ConfirmTimeout, 5*time.Minute)
		if err != nil {
			return err
		}
		question := fmt.Sprintf("Start watching %d accounts with %d scheduled monitors? (y/n)", len(cfg.Accounts), len(plan.entries))
		ok, err := a.fanout.Confirm(run, targetsOf(cfg.Alerting.Maintainer), question, timeout)
		if err != nil {
			return fmt.Errorf("confirm: %w", err)
		}
		if !ok {
			return ErrNotConfirmed
		}
	}

	timeout := a.engine.Snapshot().DefaultTimeout
	for _, e := range plan.entries {
		if _, err := a.sched.AddIntervalOpt(e.name(), e.interval, timeout, scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning}, a.tick(e.mon)); err != nil {
			return err
		}
	}
	if err := a.registerJobs(cfg); err != nil {
		return err
	}
	a.sched.Start(run)

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub, cfg)
	})

	a.log.Info("started", logx.Int("scheduled", len(plan.entries)))
	return nil
}

// tick adapts one monitor to a scheduler job. A failed fetch is not a task
// failure; the monitor logs it and the next tick tries again.
func (a *App) tick(m monitor.Monitor) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		a.metrics.ObserveTick(string(m.Kind()), m.Watch(ctx))
		return nil
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config, applied *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.apply(ctx, applied, next)
			applied = next
		}
	}
}

// apply takes the live-reloadable parts of next. Accounts, credentials and
// sinks are fixed at start.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	a.logs.Apply(mapLogConfig(next))
	if next.Logging.Alert.Enabled {
		a.logs.SetAlerter(maintainerAlerter{a: a})
	} else {
		a.logs.SetAlerter(nil)
	}
	a.ops.Reconfigure(ctx, mapObservability(next))
	if err := a.registerJobs(next); err != nil {
		a.log.Warn("cron reload failed; keeping previous", logx.Err(err))
	}

	var restart []string
	if !reflect.DeepEqual(prev.Accounts, next.Accounts) {
		restart = append(restart, "accounts")
	}
	if !reflect.DeepEqual(prev.Credentials, next.Credentials) {
		restart = append(restart, "credentials")
	}
	if prev.RateLimits != next.RateLimits || prev.Scheduler != next.Scheduler {
		restart = append(restart, "scheduler")
	}
	if prev.Storage != next.Storage {
		restart = append(restart, "storage")
	}
	if prev.Telegram != next.Telegram || prev.CQHTTP != next.CQHTTP || prev.Notifier != next.Notifier {
		restart = append(restart, "notifier")
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect", logx.Strings("sections", restart))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeIdle()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component can't stall the rest.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("observability", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("notifier", 10*time.Second, func(c context.Context) error { a.fanout.Stop(c); return nil })
	step("telegram", 2*time.Second, func(c context.Context) error {
		if a.tg != nil {
			return a.tg.Close(c)
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}

// closeIdle releases what New opened when Start never ran.
func (a *App) closeIdle() {
	if a.tg != nil {
		_ = a.tg.Close(context.Background())
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
