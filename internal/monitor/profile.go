package monitor

import (
	"context"
	"fmt"

	"xwatch/internal/upstream"
	logx "xwatch/pkg/logx"
)

const changeTemplate = "%s changed\nOld: %v\nNew: %v"

// profileState is the persisted form of the confirmed field values.
type profileState struct {
	Name              string `json:"name"`
	Username          string `json:"username"`
	Location          string `json:"location"`
	Bio               string `json:"bio"`
	Website           string `json:"website"`
	FollowersCount    int64  `json:"followers_count"`
	FollowingCount    int64  `json:"following_count"`
	LikeCount         int64  `json:"like_count"`
	TweetCount        int64  `json:"tweet_count"`
	ProfileImage      string `json:"profile_image"`
	ProfileBanner     string `json:"profile_banner"`
	PinnedTweet       string `json:"pinned_tweet"`
	HighlightedTweets string `json:"highlighted_tweet_count"`
}

func stateOf(u upstream.User) profileState {
	return profileState{
		Name:              u.Name,
		Username:          u.ScreenName,
		Location:          u.Location,
		Bio:               u.Bio,
		Website:           u.Website,
		FollowersCount:    u.FollowersCount,
		FollowingCount:    u.FollowingCount,
		LikeCount:         u.LikeCount,
		TweetCount:        u.TweetCount,
		ProfileImage:      u.ProfileImageURL,
		ProfileBanner:     u.ProfileBannerURL,
		PinnedTweet:       u.PinnedTweet,
		HighlightedTweets: u.HighlightedTweets,
	}
}

// Profile watches the profile fields of one account and owns its sub-monitors.
type Profile struct {
	Base

	name, username, location, bio, website *ChangeBuffer[string]
	followers, following, likes, tweets    *ChangeBuffer[int64]
	image, banner, pinned, highlighted     *ChangeBuffer[string]

	subs     map[Kind]Monitor
	upToDate map[Kind]bool
}

// NewProfile bootstraps the field buffers from the cache when present, with a
// live fetch otherwise.
func NewProfile(ctx context.Context, acct Account, deps Deps) (*Profile, error) {
	p := &Profile{subs: map[Kind]Monitor{}, upToDate: map[Kind]bool{}}
	p.init(KindProfile, acct, deps, p.details)
	var st profileState
	ok, err := p.load(ctx, &st)
	if err != nil {
		p.log.Warn("state cache unreadable; fetching", logx.Err(err))
	}
	if !ok {
		u, err := Bootstrap(ctx, p.deps.Bootstrap, p.log, func(ctx context.Context) (upstream.User, error) {
			return p.deps.API.UserByID(ctx, acct.UserID)
		})
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", acct.Title, err)
		}
		st = stateOf(u)
		p.save(ctx, st)
	}
	p.reset(st)
	p.log.Info("profile monitor ready", logx.String("username", st.Username))
	p.ready()
	return p, nil
}

func (p *Profile) reset(st profileState) {
	p.name = NewChangeBuffer(st.Name, 2)
	p.username = NewChangeBuffer(st.Username, 2)
	p.location = NewChangeBuffer(st.Location, 2)
	p.bio = NewChangeBuffer(st.Bio, 2)
	p.website = NewChangeBuffer(st.Website, 2)
	p.followers = NewChangeBuffer(st.FollowersCount, 2)
	p.following = NewChangeBuffer(st.FollowingCount, 2)
	p.likes = NewChangeBuffer(st.LikeCount, 2)
	p.tweets = NewChangeBuffer(st.TweetCount, 1)
	p.image = NewChangeBuffer(st.ProfileImage, 2)
	p.banner = NewChangeBuffer(st.ProfileBanner, 2)
	p.pinned = NewChangeBuffer(st.PinnedTweet, 2)
	p.highlighted = NewChangeBuffer(st.HighlightedTweets, 2)
}

// AddSub attaches a sub-monitor. It starts up to date.
func (p *Profile) AddSub(m Monitor) {
	p.subs[m.Kind()] = m
	p.upToDate[m.Kind()] = true
}

// UpToDate reports the stale flag of a sub-monitor kind.
func (p *Profile) UpToDate(k Kind) bool {
	ok, present := p.upToDate[k]
	return !present || ok
}

func (p *Profile) Watch(ctx context.Context) bool {
	return p.guard(func() bool {
		u, err := p.deps.API.UserByID(ctx, p.acct.UserID)
		if err != nil {
			p.fetchFailed(err)
			return false
		}
		if p.detect(u) {
			p.save(ctx, p.current())
		}
		p.watchSubs(ctx)
		p.succeeded()
		return true
	})
}

// detect pushes one observation through every buffer in notification order
// and reports whether any confirmed value changed.
func (p *Profile) detect(u upstream.User) bool {
	changed := false
	text := func(field string, b *ChangeBuffer[string], v string, photos bool) {
		c, ok := b.Push(v)
		if !ok {
			return
		}
		changed = true
		var media []string
		if photos {
			media = nonEmpty(c.Old, c.New)
		}
		p.send(field, fmt.Sprintf(changeTemplate, field, c.Old, c.New), media, nil, false)
	}
	count := func(field string, b *ChangeBuffer[int64], v int64, notify bool, stale Kind, onIncrease bool) {
		c, ok := b.Push(v)
		if !ok {
			return
		}
		changed = true
		msg := fmt.Sprintf(changeTemplate, field, c.Old, c.New)
		if notify {
			p.send(field, msg, nil, nil, false)
		} else {
			p.log.Info(msg)
		}
		if stale != "" && (!onIncrease || c.New > c.Old) {
			p.upToDate[stale] = false
		}
	}

	text("Name", p.name, u.Name, false)
	text("Username", p.username, u.ScreenName, false)
	text("Location", p.location, u.Location, false)
	text("Bio", p.bio, u.Bio, false)
	text("Website", p.website, u.Website, false)
	if _, ok := p.followers.Push(u.FollowersCount); ok {
		changed = true
	}
	count("Following count", p.following, u.FollowingCount, p.acct.MonitoringFollowingCount, KindFollowing, false)
	count("Like count", p.likes, u.LikeCount, p.acct.MonitoringLikeCount, KindLike, true)
	count("Tweet count", p.tweets, u.TweetCount, p.acct.MonitoringTweetCount, KindTweet, true)
	text("Profile image", p.image, u.ProfileImageURL, true)
	text("Profile banner", p.banner, u.ProfileBannerURL, true)
	text("Pinned tweet", p.pinned, u.PinnedTweet, false)
	text("Highlighted tweet", p.highlighted, u.HighlightedTweets, false)
	return changed
}

// watchSubs runs stale sub-monitors out of cycle. A failed run keeps the flag set.
func (p *Profile) watchSubs(ctx context.Context) {
	for _, k := range SubKinds {
		sub, ok := p.subs[k]
		if !ok {
			continue
		}
		if p.upToDate[k] {
			p.deps.Tracker.MonitorSucceeded(string(k), sub.Account())
			continue
		}
		p.upToDate[k] = sub.Watch(ctx)
	}
}

func (p *Profile) current() profileState {
	return profileState{
		Name:              p.name.Current(),
		Username:          p.username.Current(),
		Location:          p.location.Current(),
		Bio:               p.bio.Current(),
		Website:           p.website.Current(),
		FollowersCount:    p.followers.Current(),
		FollowingCount:    p.following.Current(),
		LikeCount:         p.likes.Current(),
		TweetCount:        p.tweets.Current(),
		ProfileImage:      p.image.Current(),
		ProfileBanner:     p.banner.Current(),
		PinnedTweet:       p.pinned.Current(),
		HighlightedTweets: p.highlighted.Current(),
	}
}

func (p *Profile) details() string { return "username: " + p.username.Current() }

func nonEmpty(vals ...string) []string {
	var out []string
	for _, v := range vals {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
