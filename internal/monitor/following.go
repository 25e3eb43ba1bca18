package monitor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"xwatch/internal/upstream"
	logx "xwatch/pkg/logx"
)

// maxFollowingPages bounds one pagination walk.
const maxFollowingPages = 50

// ErrTooManyPages means the cursor never ran out.
var ErrTooManyPages = errors.New("monitor: following pagination did not terminate")

// Following diffs the full follow list of one account.
type Following struct {
	Base

	users map[string]upstream.UserSummary
	// pageRetry is the per-page retry delay used while bootstrapping.
	pageRetry time.Duration
}

func NewFollowing(ctx context.Context, acct Account, deps Deps) (*Following, error) {
	f := &Following{pageRetry: deps.Bootstrap.Delay}
	f.init(KindFollowing, acct, deps, f.details)
	if f.pageRetry <= 0 {
		f.pageRetry = 60 * time.Second
	}
	var cached map[string]upstream.UserSummary
	hasCache, err := f.load(ctx, &cached)
	if err != nil {
		f.log.Warn("state cache unreadable; fetching", logx.Err(err))
	}
	users, err := Bootstrap(ctx, f.deps.Bootstrap, f.log, func(ctx context.Context) (map[string]upstream.UserSummary, error) {
		return f.fetchAll(ctx, true)
	})
	if err != nil {
		return nil, fmt.Errorf("following %s: %w", acct.Title, err)
	}
	if hasCache {
		// Changes made while the process was down are reported once.
		f.users = cached
		f.detect(users)
	} else {
		f.users = users
	}
	f.save(ctx, f.users)
	f.log.Info("following monitor ready", logx.Int("following", len(f.users)))
	f.ready()
	return f, nil
}

// fetchAll walks every page. In bootstrap mode a failed page is retried with an
// adaptive delay instead of failing the whole walk.
func (f *Following) fetchAll(ctx context.Context, bootstrap bool) (map[string]upstream.UserSummary, error) {
	out := map[string]upstream.UserSummary{}
	sleeper := NewSleeper(f.pageRetry)
	cursor := ""
	seen := map[string]bool{}
	for range maxFollowingPages {
		page, err := f.deps.API.FollowingPage(ctx, f.acct.UserID, cursor)
		for err != nil {
			if !bootstrap || errors.Is(err, upstream.ErrUnavailable) || ctx.Err() != nil {
				return nil, err
			}
			f.log.Debug("following page failed; retrying", logx.Duration("delay", sleeper.Current()), logx.Err(err))
			if serr := sleeper.Sleep(ctx, false); serr != nil {
				return nil, serr
			}
			page, err = f.deps.API.FollowingPage(ctx, f.acct.UserID, cursor)
		}
		for _, u := range page.Users {
			out[u.ID] = u
		}
		if len(page.Users) == 0 || page.Next == "" || seen[page.Next] {
			return out, nil
		}
		seen[page.Next] = true
		cursor = page.Next
	}
	return nil, ErrTooManyPages
}

func (f *Following) Watch(ctx context.Context) bool {
	return f.guard(func() bool {
		users, err := f.fetchAll(ctx, false)
		if err != nil {
			f.fetchFailed(err)
			return false
		}
		if f.detect(users) {
			f.save(ctx, f.users)
		}
		f.succeeded()
		return true
	})
}

// detect diffs next against the stored list, notifies and updates state.
// It reports whether the stored list changed.
func (f *Following) detect(next map[string]upstream.UserSummary) bool {
	var added, removed []upstream.UserSummary
	for id, u := range next {
		if _, ok := f.users[id]; !ok {
			added = append(added, u)
		}
	}
	for id, u := range f.users {
		if _, ok := next[id]; !ok {
			removed = append(removed, u)
		}
	}
	if len(added) == 0 && len(removed) == 0 {
		return false
	}
	limit := max(float64(len(f.users))/2, 10)
	if float64(len(added)+len(removed)) > limit {
		f.log.Warn("following diff too large; discarded as upstream glitch",
			logx.Int("added", len(added)),
			logx.Int("removed", len(removed)),
			logx.Int("old", len(f.users)),
			logx.Bool("keep_old", f.acct.KeepOnDiscard))
		if f.acct.KeepOnDiscard {
			return false
		}
		f.users = maps.Clone(next)
		return true
	}
	slices.SortFunc(removed, byNumericID)
	slices.SortFunc(added, byNumericID)
	for _, u := range removed {
		f.send("unfollow", fmt.Sprintf("Unfollow: @%s\nName: %s", u.ScreenName, u.Name), nil, nil, true)
	}
	for _, u := range added {
		f.send("follow", fmt.Sprintf("Follow: @%s\nName: %s", u.ScreenName, u.Name), nonEmpty(u.Avatar), nil, true)
	}
	f.users = maps.Clone(next)
	return true
}

// Users returns a copy of the stored follow list.
func (f *Following) Users() map[string]upstream.UserSummary { return maps.Clone(f.users) }

func (f *Following) details() string { return fmt.Sprintf("num: %d", len(f.users)) }

// byNumericID orders decimal id strings numerically without parsing them.
func byNumericID(a, b upstream.UserSummary) int {
	if c := cmp.Compare(len(a.ID), len(b.ID)); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
