package config

// Config is the whole xwatch configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Telegram      TelegramConfig      `json:"telegram"`
	CQHTTP        CQHTTPConfig        `json:"cqhttp,omitempty"`
	Credentials   CredentialsConfig   `json:"credentials"`
	Upstream      UpstreamConfig      `json:"upstream"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	RateLimits    RateLimitsConfig    `json:"rate_limits"`
	Notifier      NotifierConfig      `json:"notifier"`
	Storage       StorageConfig       `json:"storage"`
	Bootstrap     BootstrapConfig     `json:"bootstrap"`
	Alerting      AlertingConfig      `json:"alerting"`
	Observability ObservabilityConfig `json:"observability,omitempty"`
	Accounts      []AccountConfig     `json:"accounts"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards log lines at or above MinLevel to the maintainer destinations.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is only used while waiting for an answer to a confirmation question.
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type CQHTTPConfig struct {
	Token string `json:"token,omitempty"` // bearer token (do not log)
}

// CredentialsConfig lists the identities the query layer rotates through.
//
// Each file in CookiesDir is a JSON object produced by the login flow:
//
//	{"auth_token": "...", "ct0": "..."}
type CredentialsConfig struct {
	BearerTokens []string `json:"bearer_tokens,omitempty"`
	CookiesDir   string   `json:"cookies_dir,omitempty"`
	// WebBearer is the public application token sent with cookie credentials.
	WebBearer string `json:"web_bearer,omitempty"`
}

type UpstreamConfig struct {
	CatalogURL  string `json:"catalog_url,omitempty"`
	CatalogFile string `json:"catalog_file,omitempty"`
	// Refresh is a cron spec for catalog refresh; default "@daily".
	Refresh        string `json:"refresh,omitempty"`
	Timeout        string `json:"timeout,omitempty"`         // default 300s
	BootstrapRetry string `json:"bootstrap_retry,omitempty"` // default 10s
	// ProbeScreenName is the account looked up when probing credential health.
	ProbeScreenName string `json:"probe_screen_name,omitempty"`
	UserAgent       string `json:"user_agent,omitempty"`
}

type SchedulerConfig struct {
	Workers     int    `json:"workers,omitempty"`      // default 8
	QueueSize   int    `json:"queue_size,omitempty"`   // default 256
	TickTimeout string `json:"tick_timeout,omitempty"` // default 5m
	MinInterval string `json:"min_interval,omitempty"` // default 10s
	HistorySize int    `json:"history_size,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

// RateLimitsConfig is the upstream call budget per minute per credential, per monitor kind.
type RateLimitsConfig struct {
	Profile   int `json:"profile,omitempty" validate:"min:0"`
	Following int `json:"following,omitempty" validate:"min:0"`
	Like      int `json:"like,omitempty" validate:"min:0"`
	Tweet     int `json:"tweet,omitempty" validate:"min:0"`
}

type NotifierConfig struct {
	QueueSize    int    `json:"queue_size,omitempty"`
	RatePerSec   int    `json:"rate_per_sec,omitempty"`
	RetryMax     int    `json:"retry_max,omitempty"`
	RetryDelay   string `json:"retry_delay,omitempty"`
	SendTimeout  string `json:"send_timeout,omitempty"`
	DedupWindow  string `json:"dedup_window,omitempty"`
	DedupCacheMB int    `json:"dedup_cache_mb,omitempty"`
	DrainTimeout string `json:"drain_timeout,omitempty"`
}

// StorageConfig controls where monitor cache files live.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./cache" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

type BootstrapConfig struct {
	RetryDelay  string `json:"retry_delay,omitempty"` // default 60s
	MaxAttempts int    `json:"max_attempts,omitempty" validate:"min:0"`
	Timeout     string `json:"timeout,omitempty"` // 0 = unbounded
	// Adaptive grows the retry delay on consecutive failures.
	Adaptive bool `json:"adaptive,omitempty"`
}

type AlertingConfig struct {
	Maintainer      Destinations `json:"maintainer"`
	StaleAfter      string       `json:"stale_after,omitempty"`      // default 30m
	Check           string       `json:"check,omitempty"`            // default "*/30 * * * *"
	Summary         string       `json:"summary,omitempty"`          // default "0 0,12 * * *"
	CredentialCheck string       `json:"credential_check,omitempty"` // default "0 6 * * *"
	ConfirmOnStart  bool         `json:"confirm_on_start,omitempty"`
	ConfirmTimeout  string       `json:"confirm_timeout,omitempty"`   // default 5m
	TweetStaleAfter string       `json:"tweet_stale_after,omitempty"` // default 5m
}

// ObservabilityConfig controls the optional ops HTTP server.
//
// Prefer binding to localhost. A non-loopback address requires a token.
type ObservabilityConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default "127.0.0.1:9090"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
	Pprof   bool   `json:"pprof,omitempty"`
}

type Destinations struct {
	TelegramChatIDs []int64  `json:"telegram_chat_ids,omitempty"`
	WebhookURLs     []string `json:"webhook_urls,omitempty"`
	CQHTTPURLs      []string `json:"cqhttp_urls,omitempty"`
}

func (d Destinations) Empty() bool {
	return len(d.TelegramChatIDs) == 0 && len(d.WebhookURLs) == 0 && len(d.CQHTTPURLs) == 0
}

type MonitorsConfig struct {
	Profile   bool `json:"profile"`
	Following bool `json:"following"`
	Like      bool `json:"like"`
	Tweet     bool `json:"tweet"`
}

func (m MonitorsConfig) Any() bool { return m.Profile || m.Following || m.Like || m.Tweet }

const (
	DiscardReplace = "replace"
	DiscardKeep    = "keep"
)

type AccountConfig struct {
	Username string `json:"username" validate:"required|min_len:1|max_len:50"`
	// Title labels messages and cache keys; defaults to Username.
	Title  string `json:"title,omitempty" validate:"max_len:64"`
	Weight int    `json:"weight,omitempty" validate:"min:0"`

	Monitors MonitorsConfig `json:"monitors"`

	MonitoringFollowingCount bool `json:"monitoring_following_count,omitempty"`
	MonitoringLikeCount      bool `json:"monitoring_like_count,omitempty"`
	MonitoringTweetCount     bool `json:"monitoring_tweet_count,omitempty"`

	// FollowingDiscardPolicy decides what happens to stored state when a
	// follow-list diff is discarded as implausible: "replace" (default) or "keep".
	FollowingDiscardPolicy string `json:"following_discard_policy,omitempty" validate:"in:replace,keep"`

	Destinations Destinations `json:"destinations"`
}

func (a AccountConfig) Label() string {
	if a.Title != "" {
		return a.Title
	}
	return a.Username
}

func (a AccountConfig) EffectiveWeight() int {
	if a.Weight <= 0 {
		return 100
	}
	return a.Weight
}
