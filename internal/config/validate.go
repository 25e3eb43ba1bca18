package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gookit/validate"
)

var ErrInvalid = errors.New("config: invalid")

// Validate checks a parsed config. Struct rules come from `validate` tags,
// cross-field rules are checked here.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(cfg.Credentials.BearerTokens) == 0 && strings.TrimSpace(cfg.Credentials.CookiesDir) == "" {
		fail("credentials: set bearer_tokens or cookies_dir")
	}
	if strings.TrimSpace(cfg.Upstream.CatalogURL) == "" && strings.TrimSpace(cfg.Upstream.CatalogFile) == "" {
		fail("upstream: set catalog_url or catalog_file")
	}

	durations := map[string]string{
		"upstream.timeout":           cfg.Upstream.Timeout,
		"upstream.bootstrap_retry":   cfg.Upstream.BootstrapRetry,
		"scheduler.tick_timeout":     cfg.Scheduler.TickTimeout,
		"scheduler.min_interval":     cfg.Scheduler.MinInterval,
		"notifier.retry_delay":       cfg.Notifier.RetryDelay,
		"notifier.send_timeout":      cfg.Notifier.SendTimeout,
		"notifier.dedup_window":      cfg.Notifier.DedupWindow,
		"notifier.drain_timeout":     cfg.Notifier.DrainTimeout,
		"bootstrap.retry_delay":      cfg.Bootstrap.RetryDelay,
		"bootstrap.timeout":          cfg.Bootstrap.Timeout,
		"alerting.stale_after":       cfg.Alerting.StaleAfter,
		"alerting.confirm_timeout":   cfg.Alerting.ConfirmTimeout,
		"alerting.tweet_stale_after": cfg.Alerting.TweetStaleAfter,
		"storage.busy_timeout":       cfg.Storage.BusyTimeout,
		"telegram.poll_timeout":      cfg.Telegram.PollTimeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch cfg.Storage.Driver {
	case "file", "sqlite", "none":
	default:
		fail("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}

	if v := validate.Struct(&cfg.RateLimits); !v.Validate() {
		fail("rate_limits: %s", v.Errors.One())
	}
	if v := validate.Struct(&cfg.Bootstrap); !v.Validate() {
		fail("bootstrap: %s", v.Errors.One())
	}

	if cfg.Alerting.ConfirmOnStart && len(cfg.Alerting.Maintainer.TelegramChatIDs) == 0 {
		fail("alerting.confirm_on_start requires a maintainer telegram chat")
	}
	if (len(cfg.Alerting.Maintainer.TelegramChatIDs) > 0 || anyTelegram(cfg.Accounts)) && strings.TrimSpace(cfg.Telegram.Token) == "" {
		fail("telegram.token is required when telegram destinations are configured")
	}

	seen := make(map[string]bool, len(cfg.Accounts))
	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		if v := validate.Struct(a); !v.Validate() {
			fail("accounts[%d]: %s", i, v.Errors.One())
			continue
		}
		key := strings.ToLower(a.Label())
		if seen[key] {
			fail("accounts[%d]: duplicate title %q", i, a.Label())
		}
		seen[key] = true
		if !a.Monitors.Any() {
			fail("accounts[%d] (%s): no monitors enabled", i, a.Label())
		}
		if a.Destinations.Empty() {
			fail("accounts[%d] (%s): no destinations", i, a.Label())
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func anyTelegram(accounts []AccountConfig) bool {
	for _, a := range accounts {
		if len(a.Destinations.TelegramChatIDs) > 0 {
			return true
		}
	}
	return false
}
