package app

import (
	"strconv"
	"strings"
	"time"

	"xwatch/internal/config"
	"xwatch/internal/monitor"
	"xwatch/internal/notifier"
	"xwatch/internal/observability"
	"xwatch/internal/storage"
	"xwatch/internal/task/engine"
	"xwatch/internal/transport/cqhttp"
	"xwatch/internal/transport/telegram"
	"xwatch/internal/transport/webhook"
	"xwatch/internal/upstream"
	logx "xwatch/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := storage.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:   strings.TrimSpace(cfg.Storage.Path),
	}
	if sc.Driver == "sqlite" || sc.Driver == "sqlite3" {
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		sc.BusyTimeout = busy
	}
	return sc, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	retryDelay, err := config.ParseDurationOrDefault("notifier.retry_delay", n.RetryDelay, 5*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("notifier.send_timeout", n.SendTimeout, 60*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	drain, err := config.ParseDurationOrDefault("notifier.drain_timeout", n.DrainTimeout, 5*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		QueueSize:    n.QueueSize,
		RatePerSec:   float64(n.RatePerSec),
		RetryMax:     n.RetryMax,
		RetryDelay:   retryDelay,
		SendTimeout:  sendTimeout,
		DedupWindow:  dedup,
		DedupCacheMB: n.DedupCacheMB,
		DrainTimeout: drain,
	}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	timeout, err := config.ParseDurationOrDefault("scheduler.tick_timeout", cfg.Scheduler.TickTimeout, 5*time.Minute)
	if err != nil {
		return engine.Config{}, err
	}
	history := cfg.Scheduler.HistorySize
	if history <= 0 {
		history = 200
	}
	return engine.Config{
		Workers:        cfg.Scheduler.Workers,
		QueueSize:      cfg.Scheduler.QueueSize,
		DefaultTimeout: timeout,
		HistorySize:    history,
	}, nil
}

func mapBootstrap(cfg *config.Config) (monitor.BootstrapOptions, error) {
	delay, err := config.ParseDurationOrDefault("bootstrap.retry_delay", cfg.Bootstrap.RetryDelay, 60*time.Second)
	if err != nil {
		return monitor.BootstrapOptions{}, err
	}
	timeout, err := config.ParseDurationField("bootstrap.timeout", cfg.Bootstrap.Timeout)
	if err != nil {
		return monitor.BootstrapOptions{}, err
	}
	return monitor.BootstrapOptions{
		Delay:       delay,
		MaxAttempts: cfg.Bootstrap.MaxAttempts,
		Timeout:     timeout,
		Adaptive:    cfg.Bootstrap.Adaptive,
	}, nil
}

func mapObservability(cfg *config.Config) observability.Config {
	o := cfg.Observability
	return observability.Config{
		Enabled:      o.Enabled,
		Addr:         o.Addr,
		Token:        o.Token,
		Pprof:        o.Pprof,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func catalogSource(cfg *config.Config) upstream.CatalogSource {
	if f := strings.TrimSpace(cfg.Upstream.CatalogFile); f != "" {
		return upstream.FileSource(f)
	}
	return upstream.URLSource{URL: strings.TrimSpace(cfg.Upstream.CatalogURL)}
}

// targetsOf converts configured destinations to sink-keyed targets.
func targetsOf(d config.Destinations) notifier.Targets {
	t := notifier.Targets{}
	for _, id := range d.TelegramChatIDs {
		t[telegram.Name] = append(t[telegram.Name], strconv.FormatInt(id, 10))
	}
	if len(d.WebhookURLs) > 0 {
		t[webhook.Name] = append([]string(nil), d.WebhookURLs...)
	}
	if len(d.CQHTTPURLs) > 0 {
		t[cqhttp.Name] = append([]string(nil), d.CQHTTPURLs...)
	}
	return t
}

func accountOf(ac config.AccountConfig, u upstream.User, tweetStale time.Duration) monitor.Account {
	return monitor.Account{
		UserID:                   u.ID,
		ScreenName:               u.ScreenName,
		Title:                    ac.Label(),
		Targets:                  targetsOf(ac.Destinations),
		MonitoringFollowingCount: ac.MonitoringFollowingCount,
		MonitoringLikeCount:      ac.MonitoringLikeCount,
		MonitoringTweetCount:     ac.MonitoringTweetCount,
		KeepOnDiscard:            ac.FollowingDiscardPolicy == config.DiscardKeep,
		TweetStaleAfter:          tweetStale,
	}
}

// enabledKinds lists the kinds an account asked for, Profile first.
func enabledKinds(m config.MonitorsConfig) []monitor.Kind {
	var out []monitor.Kind
	if m.Profile {
		out = append(out, monitor.KindProfile)
	}
	if m.Following {
		out = append(out, monitor.KindFollowing)
	}
	if m.Like {
		out = append(out, monitor.KindLike)
	}
	if m.Tweet {
		out = append(out, monitor.KindTweet)
	}
	return out
}

func rateLimits(cfg *config.Config) map[string]int {
	return map[string]int{
		string(monitor.KindProfile):   cfg.RateLimits.Profile,
		string(monitor.KindFollowing): cfg.RateLimits.Following,
		string(monitor.KindLike):      cfg.RateLimits.Like,
		string(monitor.KindTweet):     cfg.RateLimits.Tweet,
	}
}
