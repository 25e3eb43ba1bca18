package monitor

import (
	"context"
	"fmt"
	"slices"

	"xwatch/internal/upstream"
	logx "xwatch/pkg/logx"
)

const (
	// likeMaxRetained caps the remembered id set.
	likeMaxRetained = 1000
	// likeFullPage is the page size above which the watermark may move up.
	likeFullPage = 150
)

// Like reports new likes of one account.
type Like struct {
	Base

	seen  map[uint64]struct{}
	minID uint64
}

func NewLike(ctx context.Context, acct Account, deps Deps) (*Like, error) {
	l := &Like{seen: map[uint64]struct{}{}}
	l.init(KindLike, acct, deps, l.details)
	var cached []uint64
	if _, err := l.load(ctx, &cached); err != nil {
		l.log.Warn("state cache unreadable; starting empty", logx.Err(err))
	}
	for _, id := range cached {
		l.seen[id] = struct{}{}
	}
	page, err := Bootstrap(ctx, l.deps.Bootstrap, l.log, func(ctx context.Context) ([]upstream.Tweet, error) {
		return l.deps.API.Likes(ctx, acct.UserID)
	})
	if err != nil {
		return nil, fmt.Errorf("like %s: %w", acct.Title, err)
	}
	ids := tweetIDs(page)
	if len(ids) > 0 {
		l.minID = slices.Min(ids)
	}
	l.merge(ids)
	l.save(ctx, l.snapshot())
	l.log.Info("like monitor ready", logx.Int("seen", len(l.seen)), logx.Uint64("min_id", l.minID))
	l.ready()
	return l, nil
}

func (l *Like) Watch(ctx context.Context) bool {
	return l.guard(func() bool {
		page, err := l.deps.API.Likes(ctx, l.acct.UserID)
		if err != nil {
			l.fetchFailed(err)
			return false
		}
		if l.detect(page) {
			l.save(ctx, l.snapshot())
		}
		l.succeeded()
		return true
	})
}

// detect walks page in the order given (newest first) and notifies unseen ids
// above the watermark. It reports whether state changed.
func (l *Like) detect(page []upstream.Tweet) bool {
	for _, t := range page {
		if _, ok := l.seen[t.ID]; ok || t.ID <= l.minID {
			continue
		}
		l.log.Debug("new like", logx.Uint64("id", t.ID), logx.Int("page", len(page)))
		l.send("like", fmt.Sprintf("@%s: %s", t.ScreenName, t.Text), t.Photos, t.Videos, false)
	}
	ids := tweetIDs(page)
	oldMin := l.minID
	if len(ids) > likeFullPage {
		l.minID = max(l.minID, slices.Min(ids))
	}
	return l.merge(ids) || l.minID != oldMin
}

// merge adds the ids of the current page and trims the set to
// likeMaxRetained, evicting the lowest ids that are not on the page first.
// When page ids must go too, the watermark rises past them so they are not
// reported again.
func (l *Like) merge(ids []uint64) bool {
	changed := false
	onPage := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		onPage[id] = struct{}{}
		if _, ok := l.seen[id]; !ok {
			l.seen[id] = struct{}{}
			changed = true
		}
	}
	excess := len(l.seen) - likeMaxRetained
	if excess <= 0 {
		return changed
	}
	all := l.snapshot()
	for _, id := range all {
		if excess == 0 {
			break
		}
		if _, ok := onPage[id]; !ok {
			delete(l.seen, id)
			excess--
		}
	}
	for _, id := range all {
		if excess == 0 {
			break
		}
		if _, ok := l.seen[id]; ok {
			delete(l.seen, id)
			l.minID = max(l.minID, id)
			excess--
		}
	}
	return true
}

// snapshot returns the seen ids in ascending order.
func (l *Like) snapshot() []uint64 {
	out := make([]uint64, 0, len(l.seen))
	for id := range l.seen {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// MinID is the low watermark.
func (l *Like) MinID() uint64 { return l.minID }

func (l *Like) details() string {
	return fmt.Sprintf("num: %d, min: %d", len(l.seen), l.minID)
}

func tweetIDs(ts []upstream.Tweet) []uint64 {
	out := make([]uint64, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.ID)
	}
	return out
}
