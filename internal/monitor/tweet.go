package monitor

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"xwatch/internal/upstream"
	logx "xwatch/pkg/logx"
)

const defaultTweetStaleAfter = 5 * time.Minute

// Tweet announces new posts of one account.
type Tweet struct {
	Base

	sinceID    uint64
	staleAfter time.Duration
}

type tweetState struct {
	SinceID uint64 `json:"since_id"`
}

func NewTweet(ctx context.Context, acct Account, deps Deps) (*Tweet, error) {
	t := &Tweet{staleAfter: acct.TweetStaleAfter}
	t.init(KindTweet, acct, deps, t.details)
	if t.staleAfter <= 0 {
		t.staleAfter = defaultTweetStaleAfter
	}
	var st tweetState
	ok, err := t.load(ctx, &st)
	if err != nil {
		t.log.Warn("state cache unreadable; fetching", logx.Err(err))
	}
	if ok {
		t.sinceID = st.SinceID
	} else {
		page, err := Bootstrap(ctx, t.deps.Bootstrap, t.log, func(ctx context.Context) ([]upstream.Tweet, error) {
			return t.deps.API.Tweets(ctx, acct.UserID)
		})
		if err != nil {
			return nil, fmt.Errorf("tweet %s: %w", acct.Title, err)
		}
		for _, p := range t.own(page) {
			t.sinceID = max(t.sinceID, p.ID)
		}
		t.save(ctx, tweetState{SinceID: t.sinceID})
	}
	t.log.Info("tweet monitor ready", logx.Uint64("since_id", t.sinceID))
	t.ready()
	return t, nil
}

func (t *Tweet) Watch(ctx context.Context) bool {
	return t.guard(func() bool {
		page, err := t.deps.API.Tweets(ctx, t.acct.UserID)
		if err != nil {
			t.fetchFailed(err)
			return false
		}
		if t.detect(page, t.deps.Now()) {
			t.save(ctx, tweetState{SinceID: t.sinceID})
		}
		t.succeeded()
		return true
	})
}

// own drops posts by other authors (pinned replies, conversation context).
func (t *Tweet) own(page []upstream.Tweet) []upstream.Tweet {
	if t.acct.UserID == "" {
		return page
	}
	out := page[:0:0]
	for _, p := range page {
		if p.AuthorID == "" || p.AuthorID == t.acct.UserID {
			out = append(out, p)
		}
	}
	return out
}

// detect announces posts above the watermark, oldest first, and reports
// whether the watermark moved.
func (t *Tweet) detect(page []upstream.Tweet, now time.Time) bool {
	var fresh []upstream.Tweet
	for _, p := range t.own(page) {
		if p.ID > t.sinceID {
			fresh = append(fresh, p)
		}
	}
	if len(fresh) == 0 {
		return false
	}
	slices.SortFunc(fresh, func(a, b upstream.Tweet) int { return cmp.Compare(a.ID, b.ID) })
	for _, p := range fresh {
		t.sinceID = p.ID
		if !p.CreatedAt.IsZero() && now.Sub(p.CreatedAt) > t.staleAfter {
			t.log.Info("skipping stale post", logx.Uint64("id", p.ID), logx.Time("created_at", p.CreatedAt))
			continue
		}
		text, photos, videos := renderTweet(p)
		t.send("tweet", text, photos, videos, false)
	}
	return true
}

func renderTweet(p upstream.Tweet) (text string, photos, videos []string) {
	if rt := p.Retweet; rt != nil {
		return fmt.Sprintf("Retweet @%s: %s", rt.ScreenName, rt.Text), rt.Photos, rt.Videos
	}
	text = p.Text
	if q := p.Quote; q != nil {
		text += fmt.Sprintf("\n\nQuote: @%s: %s", q.ScreenName, q.Text)
	}
	return text, p.Photos, p.Videos
}

// SinceID is the highest id already handled.
func (t *Tweet) SinceID() uint64 { return t.sinceID }

func (t *Tweet) details() string { return fmt.Sprintf("id: %d", t.sinceID) }
