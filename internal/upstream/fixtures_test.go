package upstream

import (
	"strings"
	"testing"

	json "github.com/goccy/go-json"
)

const userJSON = `{
  "data": {"user": {"result": {
    "__typename": "User",
    "rest_id": "42",
    "core": {"name": "Alice", "screen_name": "alice"},
    "location": {"location": "Mars"},
    "avatar": {"image_url": "https://img/alice_normal.jpg"},
    "highlighted_tweets": "3",
    "legacy": {
      "description": "hello &amp; welcome",
      "followers_count": 10, "friends_count": 20, "favourites_count": 30, "statuses_count": 40,
      "profile_banner_url": "https://img/banner",
      "pinned_tweet_ids_str": ["777"],
      "entities": {"url": {"urls": [{"expanded_url": "https://alice.example"}]}}
    }
  }}}
}`

const followingJSON = `{
  "data": {"user": {"result": {"timeline": {"timeline": {"instructions": [
    {"type": "TimelineAddEntries", "entries": [
      {"entryId": "user-1", "content": {"itemContent": {"user_results": {"result": {
        "rest_id": "1", "core": {"name": "Bob", "screen_name": "bob"}, "avatar": {"image_url": "https://img/bob_normal.png"}}}}}},
      {"entryId": "user-2", "content": {"itemContent": {"user_results": {"result": {
        "rest_id": "2", "legacy": {"name": "Carol", "screen_name": "carol", "profile_image_url_https": "https://img/carol.png"}}}}}},
      {"entryId": "user-3", "content": {"itemContent": {"user_results": {"result": {"__typename": "UserUnavailable"}}}}},
      {"entryId": "cursor-top", "content": {"cursorType": "Top", "value": "TOP"}},
      {"entryId": "cursor-bottom", "content": {"cursorType": "Bottom", "value": "NEXT"}}
    ]}
  ]}}}}}
}`

func tweetResult(id, text, screen string, extra string) string {
	if extra != "" {
		extra = "," + extra
	}
	return `{"__typename": "Tweet", "rest_id": "` + id + `",
  "core": {"user_results": {"result": {"rest_id": "u` + id + `", "core": {"screen_name": "` + screen + `"}}}},
  "legacy": {"full_text": "` + text + `", "created_at": "Wed Oct 10 20:19:24 +0000 2018"` + extra + `}}`
}

func timelineJSON(results ...string) string {
	entries := make([]string, 0, len(results))
	for _, r := range results {
		entries = append(entries, `{"content": {"itemContent": {"tweet_results": {"result": `+r+`}}}}`)
	}
	return `{"data": {"user": {"result": {"timeline": {"timeline": {"instructions": [{"entries": [` +
		strings.Join(entries, ",") + `]}]}}}}}}`
}

func mustDoc(t *testing.T, s string) Document {
	t.Helper()
	var d Document
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		t.Fatalf("fixture: %v", err)
	}
	return d
}

const catalogJSON = `{
  "graphql": {
    "UserByScreenName": {"url": "%s/graphql/abc/UserByScreenName", "method": "GET", "features": {"f1": true}},
    "UserByRestId": {"url": "%s/graphql/def/UserByRestId", "method": "get", "features": {}},
    "Likes": {"url": "%s/graphql/ghi/Likes", "method": "POST", "features": {"f2": false}}
  },
  "header": {"x-twitter-active-user": "yes"}
}`
