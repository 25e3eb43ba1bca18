package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"xwatch/internal/notifier"
	"xwatch/internal/status"
	"xwatch/internal/storage"
	"xwatch/internal/upstream"
	logx "xwatch/pkg/logx"
)

type Kind string

const (
	KindProfile   Kind = "Profile"
	KindFollowing Kind = "Following"
	KindLike      Kind = "Like"
	KindTweet     Kind = "Tweet"
)

// Kinds in the order sub-monitors are visited.
var SubKinds = []Kind{KindFollowing, KindLike, KindTweet}

// Monitor is one change detector for one account.
type Monitor interface {
	Kind() Kind
	// Account is the label used in message prefixes and status keys.
	Account() string
	// Watch runs one tick and reports whether the fetch succeeded.
	Watch(ctx context.Context) bool
	Status() string
}

// API is the part of upstream.Client monitors use.
type API interface {
	UserByID(ctx context.Context, userID string) (upstream.User, error)
	FollowingPage(ctx context.Context, userID, cursor string) (upstream.UserPage, error)
	Likes(ctx context.Context, userID string) ([]upstream.Tweet, error)
	Tweets(ctx context.Context, userID string) ([]upstream.Tweet, error)
}

// Notifier accepts outgoing messages; notifier.Fanout implements it.
type Notifier interface {
	Notify(t notifier.Targets, m notifier.Message) error
}

// Deps are shared by every monitor.
type Deps struct {
	API       API
	Tracker   *status.Tracker
	Notifier  Notifier
	Store     storage.Store
	Log       logx.Logger
	Now       func() time.Time
	Bootstrap BootstrapOptions
	// OnChange observes notified changes (metrics).
	OnChange func(kind Kind, field string)
}

// Account describes the monitored account.
type Account struct {
	UserID     string
	ScreenName string
	Title      string
	Targets    notifier.Targets

	MonitoringFollowingCount bool
	MonitoringLikeCount      bool
	MonitoringTweetCount     bool
	// KeepOnDiscard keeps the old follow list when a diff is discarded as a glitch.
	KeepOnDiscard bool
	// TweetStaleAfter drops posts older than this at fetch time (default 5m).
	TweetStaleAfter time.Duration
}

// Base carries what all variants share.
type Base struct {
	kind Kind
	acct Account
	deps Deps
	log  logx.Logger

	running atomic.Bool

	describe func() string
	detail   atomic.Pointer[string]
}

// init sets the shared fields. describe renders the variant's part of Status;
// it only runs on the goroutine that owns the state.
func (b *Base) init(kind Kind, acct Account, deps Deps, describe func() string) {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Tracker == nil {
		deps.Tracker = status.New()
	}
	if deps.Store == nil {
		deps.Store = storage.NewMemory()
	}
	b.kind = kind
	b.acct = acct
	b.deps = deps
	b.describe = describe
	b.log = deps.Log.With(logx.String("monitor", string(kind)), logx.String("account", acct.Title))
}

func (b *Base) Kind() Kind      { return b.kind }
func (b *Base) Account() string { return b.acct.Title }

// guard runs fn unless another tick of the same monitor is in progress.
func (b *Base) guard(fn func() bool) bool {
	if !b.running.CompareAndSwap(false, true) {
		b.log.Debug("tick skipped; previous tick still running")
		return false
	}
	defer b.running.Store(false)
	defer b.publish()
	return fn()
}

// publish snapshots describe for Status, which may run concurrently with a tick.
func (b *Base) publish() {
	if b.describe == nil {
		return
	}
	d := b.describe()
	b.detail.Store(&d)
}

// Status is "Last: {time}, {details}".
func (b *Base) Status() string {
	d := ""
	if p := b.detail.Load(); p != nil {
		d = *p
	}
	return fmt.Sprintf("Last: %s, %s", b.lastWatch(), d)
}

// ready publishes the first status and registers the monitor with the tracker.
// Constructors call it once bootstrap has succeeded.
func (b *Base) ready() {
	b.publish()
	b.deps.Tracker.MonitorStarted(string(b.kind), b.acct.Title)
}

// succeeded stamps the status tracker.
func (b *Base) succeeded() { b.deps.Tracker.MonitorSucceeded(string(b.kind), b.acct.Title) }

func (b *Base) lastWatch() string {
	t := b.deps.Tracker.MonitorLast(string(b.kind), b.acct.Title)
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.DateTime)
}

// send prefixes text with "[title][Kind] " and hands the message to the notifier.
func (b *Base) send(field, text string, photos, videos []string, disablePreview bool) {
	if b.deps.OnChange != nil {
		b.deps.OnChange(b.kind, field)
	}
	if b.deps.Notifier == nil || b.acct.Targets.Empty() {
		b.log.Info("change detected", logx.String("text", text))
		return
	}
	m := notifier.Message{
		Text:           fmt.Sprintf("[%s][%s] %s", b.acct.Title, b.kind, text),
		Photos:         photos,
		Videos:         videos,
		DisablePreview: disablePreview,
	}
	if err := b.deps.Notifier.Notify(b.acct.Targets, m); err != nil {
		b.log.Warn("notification not queued", logx.Err(err))
	}
}

func (b *Base) stateKey() string { return b.acct.Title + "-" + string(b.kind) }

// load decodes the cached state into v; ok is false on a cold start.
func (b *Base) load(ctx context.Context, v any) (bool, error) {
	data, ok, err := b.deps.Store.Load(ctx, b.stateKey())
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		// A corrupt cache is a cold start, not a startup failure.
		b.log.Warn("ignoring unreadable state cache", logx.Err(err))
		return false, nil
	}
	return true, nil
}

func (b *Base) save(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err == nil {
		err = b.deps.Store.Save(ctx, b.stateKey(), data)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		b.log.Warn("state save failed", logx.Err(err))
	}
}

// fetchFailed logs a failed tick fetch. Exhaustion is expected and stays at debug.
func (b *Base) fetchFailed(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	b.log.Debug("fetch failed; skipping tick", logx.Err(err))
}
