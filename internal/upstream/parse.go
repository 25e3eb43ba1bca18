package upstream

import (
	"errors"
	"fmt"
	"html"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
)

var (
	// ErrUnavailable means the account does not exist or is suspended.
	ErrUnavailable = errors.New("upstream: account unavailable")
	// ErrBadResponse means the reply could not be interpreted.
	ErrBadResponse = errors.New("upstream: unexpected response shape")
)

// Error codes the platform uses for missing and suspended accounts.
const (
	codeUserNotFound  = 50
	codeUserSuspended = 63
)

var textPolicy = bluemonday.StrictPolicy()

// RenderText strips markup from post text and decodes HTML entities.
func RenderText(s string) string {
	return html.UnescapeString(textPolicy.Sanitize(s))
}

// User is the subset of a profile the monitors track.
type User struct {
	ID                string
	Name              string
	ScreenName        string
	Location          string
	Bio               string
	Website           string
	FollowersCount    int64
	FollowingCount    int64
	LikeCount         int64
	TweetCount        int64
	ProfileImageURL   string
	ProfileBannerURL  string
	PinnedTweet       string
	HighlightedTweets string
}

// ParseUser reads a UserByScreenName / UserByRestId reply.
func ParseUser(doc Document) (User, error) {
	if slices.Contains(errorCodes(doc), codeUserNotFound) || slices.Contains(errorCodes(doc), codeUserSuspended) {
		return User{}, ErrUnavailable
	}
	u := obj(FindOne(doc, "user"))
	if u == nil {
		return User{}, fmt.Errorf("%w: no user", ErrBadResponse)
	}
	r := obj(u["result"])
	if r == nil {
		// {"user": {}} is how a missing account reads on some endpoints.
		return User{}, ErrUnavailable
	}
	if str(r, "__typename") == "UserUnavailable" {
		return User{}, ErrUnavailable
	}
	legacy := r["legacy"]
	out := User{
		ID:               str(r, "rest_id"),
		Name:             firstNonEmpty(str(r, "core", "name"), str(legacy, "name")),
		ScreenName:       firstNonEmpty(str(r, "core", "screen_name"), str(legacy, "screen_name")),
		Location:         firstNonEmpty(str(r, "location", "location"), str(legacy, "location")),
		Bio:              str(legacy, "description"),
		FollowersCount:   num(legacy, "followers_count"),
		FollowingCount:   num(legacy, "friends_count"),
		LikeCount:        num(legacy, "favourites_count"),
		TweetCount:       num(legacy, "statuses_count"),
		ProfileBannerURL: str(legacy, "profile_banner_url"),
	}
	if urls := list(legacy, "entities", "url", "urls"); len(urls) > 0 {
		out.Website = str(urls[0], "expanded_url")
	}
	avatar := firstNonEmpty(str(r, "avatar", "image_url"), str(legacy, "profile_image_url_https"))
	out.ProfileImageURL = strings.Replace(avatar, "_normal", "", 1)
	if pinned := list(legacy, "pinned_tweet_ids_str"); len(pinned) > 0 {
		out.PinnedTweet = str(pinned[0])
	}
	if h := FindOne(r, "highlighted_tweets"); h != nil {
		out.HighlightedTweets = str(h)
	}
	if out.ID == "" {
		return User{}, fmt.Errorf("%w: user without rest_id", ErrBadResponse)
	}
	return out, nil
}

// UserSummary is one entry of a follow list.
type UserSummary struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ScreenName string `json:"screen_name"`
	Avatar     string `json:"avatar"`
}

// UserPage is one page of a follow list.
type UserPage struct {
	Users []UserSummary
	// Next is the bottom cursor; empty when there are no more pages.
	Next string
}

// ParseUserPage reads a Following reply.
func ParseUserPage(doc Document) (UserPage, error) {
	if obj(doc["data"]) == nil {
		return UserPage{}, fmt.Errorf("%w: no data", ErrBadResponse)
	}
	var page UserPage
	for _, ur := range FindAll(doc, "user_results") {
		r := obj(path(ur, "result"))
		if r == nil || str(r, "__typename") == "UserUnavailable" {
			continue
		}
		legacy := r["legacy"]
		s := UserSummary{
			ID:         str(r, "rest_id"),
			Name:       firstNonEmpty(str(r, "core", "name"), str(legacy, "name")),
			ScreenName: firstNonEmpty(str(r, "core", "screen_name"), str(legacy, "screen_name")),
			Avatar:     strings.Replace(firstNonEmpty(str(r, "avatar", "image_url"), str(legacy, "profile_image_url_https")), "_normal", "", 1),
		}
		if s.ID != "" {
			page.Users = append(page.Users, s)
		}
	}
	page.Next = bottomCursor(doc)
	return page, nil
}

// bottomCursor finds the value of the entry whose cursorType is "Bottom".
func bottomCursor(v any) string {
	switch x := v.(type) {
	case Document:
		return bottomCursor(map[string]any(x))
	case map[string]any:
		if ct, _ := x["cursorType"].(string); ct == "Bottom" {
			return str(x, "value")
		}
		for _, e := range x {
			if c := bottomCursor(e); c != "" {
				return c
			}
		}
	case []any:
		for _, e := range x {
			if c := bottomCursor(e); c != "" {
				return c
			}
		}
	}
	return ""
}

// Tweet is a post with media resolved to direct URLs.
type Tweet struct {
	ID         uint64
	Text       string
	CreatedAt  time.Time
	AuthorID   string
	ScreenName string
	Photos     []string
	Videos     []string
	Retweet    *Tweet
	Quote      *Tweet
}

// createdAtLayout is the legacy timestamp format, e.g. "Wed Oct 10 20:19:24 +0000 2018".
const createdAtLayout = time.RubyDate

// ParseTweets reads a timeline reply (Likes, UserTweetsAndReplies) and returns
// posts in the order the upstream listed them.
func ParseTweets(doc Document) ([]Tweet, error) {
	if obj(doc["data"]) == nil {
		return nil, fmt.Errorf("%w: no data", ErrBadResponse)
	}
	var out []Tweet
	seen := map[uint64]bool{}
	for _, tr := range FindAll(doc, "tweet_results") {
		t, ok := parseTweet(path(tr, "result"))
		if !ok || seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	return out, nil
}

func parseTweet(v any) (Tweet, bool) {
	r := obj(v)
	if r == nil {
		return Tweet{}, false
	}
	if str(r, "__typename") == "TweetWithVisibilityResults" {
		r = obj(r["tweet"])
		if r == nil {
			return Tweet{}, false
		}
	}
	id, err := strconv.ParseUint(str(r, "rest_id"), 10, 64)
	if err != nil {
		return Tweet{}, false
	}
	legacy := r["legacy"]
	author := path(r, "core", "user_results", "result")
	t := Tweet{
		ID:         id,
		Text:       RenderText(firstNonEmpty(str(r, "note_tweet", "note_tweet_results", "result", "text"), str(legacy, "full_text"))),
		AuthorID:   str(author, "rest_id"),
		ScreenName: firstNonEmpty(str(author, "core", "screen_name"), str(author, "legacy", "screen_name")),
	}
	if ts, err := time.Parse(createdAtLayout, str(legacy, "created_at")); err == nil {
		t.CreatedAt = ts
	}
	t.Photos, t.Videos = parseMedia(legacy)
	if rt, ok := parseTweet(path(legacy, "retweeted_status_result", "result")); ok {
		t.Retweet = &rt
	}
	if q, ok := parseTweet(path(r, "quoted_status_result", "result")); ok {
		t.Quote = &q
	}
	return t, true
}

// parseMedia returns photo URLs and, for videos and GIFs, the highest-bitrate mp4 variant.
func parseMedia(legacy any) (photos, videos []string) {
	for _, m := range list(legacy, "extended_entities", "media") {
		switch str(m, "type") {
		case "photo":
			if u := str(m, "media_url_https"); u != "" {
				photos = append(photos, u)
			}
		case "video", "animated_gif":
			best, bestRate := "", int64(-1)
			for _, v := range list(m, "video_info", "variants") {
				if str(v, "content_type") != "video/mp4" {
					continue
				}
				if br := num(v, "bitrate"); br > bestRate {
					best, bestRate = str(v, "url"), br
				}
			}
			if best != "" {
				videos = append(videos, best)
			}
		}
	}
	return photos, videos
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
