package config

import "strings"

// Defaults for omitted fields.
const (
	DefaultCatalogRefresh  = "@daily"
	DefaultUpstreamTimeout = "300s"
	DefaultBootstrapRetry  = "10s"
	DefaultProbeScreenName = "X"

	DefaultWorkers     = 8
	DefaultQueueSize   = 256
	DefaultTickTimeout = "5m"
	DefaultMinInterval = "10s"

	DefaultProfileRate   = 10
	DefaultFollowingRate = 1
	DefaultLikeRate      = 5
	DefaultTweetRate     = 60

	DefaultNotifierQueue = 1024
	DefaultNotifierRate  = 3
	DefaultRetryMax      = 5
	DefaultRetryDelay    = "5s"
	DefaultSendTimeout   = "60s"
	DefaultDedupWindow   = "1m"
	DefaultDedupCacheMB  = 4
	DefaultDrainTimeout  = "5s"

	DefaultMonitorRetry = "60s"

	DefaultStaleAfter      = "30m"
	DefaultCheckSpec       = "*/30 * * * *"
	DefaultSummarySpec     = "0 0,12 * * *"
	DefaultCredentialSpec  = "0 6 * * *"
	DefaultConfirmTimeout  = "5m"
	DefaultTweetStaleAfter = "5m"

	DefaultObservabilityAddr = "127.0.0.1:9090"
)

func defStr(p *string, def string) {
	if strings.TrimSpace(*p) == "" {
		*p = def
	}
}

func defInt(p *int, def int) {
	if *p <= 0 {
		*p = def
	}
}

// ApplyDefaults fills omitted fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	defStr(&cfg.Logging.Level, "info")
	defStr(&cfg.Logging.Alert.MinLevel, "error")
	defInt(&cfg.Logging.Alert.RatePerSec, 1)

	defStr(&cfg.Upstream.Refresh, DefaultCatalogRefresh)
	defStr(&cfg.Upstream.Timeout, DefaultUpstreamTimeout)
	defStr(&cfg.Upstream.BootstrapRetry, DefaultBootstrapRetry)
	defStr(&cfg.Upstream.ProbeScreenName, DefaultProbeScreenName)

	defInt(&cfg.Scheduler.Workers, DefaultWorkers)
	defInt(&cfg.Scheduler.QueueSize, DefaultQueueSize)
	defStr(&cfg.Scheduler.TickTimeout, DefaultTickTimeout)
	defStr(&cfg.Scheduler.MinInterval, DefaultMinInterval)

	defInt(&cfg.RateLimits.Profile, DefaultProfileRate)
	defInt(&cfg.RateLimits.Following, DefaultFollowingRate)
	defInt(&cfg.RateLimits.Like, DefaultLikeRate)
	defInt(&cfg.RateLimits.Tweet, DefaultTweetRate)

	defInt(&cfg.Notifier.QueueSize, DefaultNotifierQueue)
	defInt(&cfg.Notifier.RatePerSec, DefaultNotifierRate)
	defInt(&cfg.Notifier.RetryMax, DefaultRetryMax)
	defStr(&cfg.Notifier.RetryDelay, DefaultRetryDelay)
	defStr(&cfg.Notifier.SendTimeout, DefaultSendTimeout)
	defStr(&cfg.Notifier.DedupWindow, DefaultDedupWindow)
	defInt(&cfg.Notifier.DedupCacheMB, DefaultDedupCacheMB)
	defStr(&cfg.Notifier.DrainTimeout, DefaultDrainTimeout)

	defStr(&cfg.Storage.Driver, "file")
	defStr(&cfg.Storage.Path, "./cache")

	defStr(&cfg.Bootstrap.RetryDelay, DefaultMonitorRetry)

	defStr(&cfg.Alerting.StaleAfter, DefaultStaleAfter)
	defStr(&cfg.Alerting.Check, DefaultCheckSpec)
	defStr(&cfg.Alerting.Summary, DefaultSummarySpec)
	defStr(&cfg.Alerting.CredentialCheck, DefaultCredentialSpec)
	defStr(&cfg.Alerting.ConfirmTimeout, DefaultConfirmTimeout)
	defStr(&cfg.Alerting.TweetStaleAfter, DefaultTweetStaleAfter)

	defStr(&cfg.Observability.Addr, DefaultObservabilityAddr)

	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		a.Username = strings.TrimPrefix(strings.TrimSpace(a.Username), "@")
		defStr(&a.FollowingDiscardPolicy, DiscardReplace)
	}
}
