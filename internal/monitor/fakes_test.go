package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"xwatch/internal/notifier"
	"xwatch/internal/status"
	"xwatch/internal/storage"
	"xwatch/internal/upstream"
)

var errFlaky = errors.New("flaky")

type fakeAPI struct {
	mu sync.Mutex

	user    upstream.User
	userErr error
	pages   map[string]upstream.UserPage
	pageErr map[string]int // cursor -> remaining failures
	likes   []upstream.Tweet
	tweets  []upstream.Tweet
	listErr error
	block   chan struct{}

	calls map[string]int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{pages: map[string]upstream.UserPage{}, pageErr: map[string]int{}, calls: map[string]int{}}
}

func (f *fakeAPI) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAPI) setUser(fn func(u *upstream.User)) {
	f.mu.Lock()
	fn(&f.user)
	f.mu.Unlock()
}

func (f *fakeAPI) UserByID(ctx context.Context, _ string) (upstream.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["user"]++
	return f.user, f.userErr
}

func (f *fakeAPI) FollowingPage(ctx context.Context, _ string, cursor string) (upstream.UserPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["following"]++
	if n := f.pageErr[cursor]; n != 0 {
		f.pageErr[cursor] = n - 1
		return upstream.UserPage{}, errFlaky
	}
	return f.pages[cursor], nil
}

func (f *fakeAPI) Likes(ctx context.Context, _ string) ([]upstream.Tweet, error) {
	f.mu.Lock()
	block := f.block
	f.calls["likes"]++
	likes, err := f.likes, f.listErr
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return likes, err
}

func (f *fakeAPI) Tweets(ctx context.Context, _ string) ([]upstream.Tweet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["tweets"]++
	return f.tweets, f.listErr
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []notifier.Message
}

func (f *fakeNotifier) Notify(_ notifier.Targets, m notifier.Message) error {
	f.mu.Lock()
	f.msgs = append(f.msgs, m)
	f.mu.Unlock()
	return nil
}

func (f *fakeNotifier) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.msgs))
	for _, m := range f.msgs {
		out = append(out, m.Text)
	}
	return out
}

func (f *fakeNotifier) messages() []notifier.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notifier.Message(nil), f.msgs...)
}

type harness struct {
	api     *fakeAPI
	notify  *fakeNotifier
	store   storage.Store
	tracker *status.Tracker
	now     time.Time
	acct    Account
}

func newHarness() *harness {
	return &harness{
		api:     newFakeAPI(),
		notify:  &fakeNotifier{},
		store:   storage.NewMemory(),
		tracker: status.New(),
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		acct: Account{
			UserID:     "42",
			ScreenName: "someone",
			Title:      "t",
			Targets:    notifier.Targets{"telegram": {"1"}},
		},
	}
}

func (h *harness) deps() Deps {
	return Deps{
		API:       h.api,
		Tracker:   h.tracker,
		Notifier:  h.notify,
		Store:     h.store,
		Now:       func() time.Time { return h.now },
		Bootstrap: BootstrapOptions{Delay: time.Millisecond, MaxAttempts: 3},
	}
}

func (h *harness) seed(t *testing.T, key, data string) {
	t.Helper()
	require.NoError(t, h.store.Save(context.Background(), key, []byte(data)))
}

// fakeSub is a sub-monitor with a scripted Watch result.
type fakeSub struct {
	kind    Kind
	results []bool
	calls   int
}

func (s *fakeSub) Kind() Kind      { return s.kind }
func (s *fakeSub) Account() string { return "t" }
func (s *fakeSub) Status() string  { return "" }

func (s *fakeSub) Watch(context.Context) bool {
	s.calls++
	if len(s.results) == 0 {
		return true
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r
}

func post(id uint64, screen, text string) upstream.Tweet {
	return upstream.Tweet{ID: id, ScreenName: screen, Text: text, AuthorID: "42"}
}
