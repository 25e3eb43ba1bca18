package upstream

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"xwatch/internal/credential"
)

// Catalog operation names.
const (
	OpUserByScreenName     = "UserByScreenName"
	OpUserByRestID         = "UserByRestId"
	OpFollowing            = "Following"
	OpLikes                = "Likes"
	OpUserTweetsAndReplies = "UserTweetsAndReplies"
)

// Page sizes.
const (
	LikesPageSize     = 200
	FollowingPageSize = 1000
	TweetsPageSize    = 20
)

// timelineVariables are the flags the web client sends with timeline queries.
func timelineVariables(userID string, count int) map[string]any {
	return map[string]any{
		"userId":                 userID,
		"count":                  count,
		"includePromotedContent": false,
		"withVoice":              true,
		"withClientEventToken":   false,
		"withBirdwatchNotes":     false,
	}
}

func (c *Client) UserByScreenName(ctx context.Context, screenName string) (User, error) {
	doc, err := c.Query(ctx, OpUserByScreenName, map[string]any{"screen_name": screenName})
	if err != nil {
		return User{}, err
	}
	return ParseUser(doc)
}

func (c *Client) UserByID(ctx context.Context, userID string) (User, error) {
	doc, err := c.Query(ctx, OpUserByRestID, map[string]any{"userId": userID})
	if err != nil {
		return User{}, err
	}
	return ParseUser(doc)
}

// FollowingPage fetches one page of the accounts userID follows.
func (c *Client) FollowingPage(ctx context.Context, userID, cursor string) (UserPage, error) {
	vars := timelineVariables(userID, FollowingPageSize)
	if cursor != "" {
		vars["cursor"] = cursor
	}
	doc, err := c.Query(ctx, OpFollowing, vars)
	if err != nil {
		return UserPage{}, err
	}
	return ParseUserPage(doc)
}

// Likes fetches the most recent liked posts, newest first.
func (c *Client) Likes(ctx context.Context, userID string) ([]Tweet, error) {
	doc, err := c.Query(ctx, OpLikes, timelineVariables(userID, LikesPageSize))
	if err != nil {
		return nil, err
	}
	return ParseTweets(doc)
}

// Tweets fetches the most recent posts and replies, newest first.
func (c *Client) Tweets(ctx context.Context, userID string) ([]Tweet, error) {
	doc, err := c.Query(ctx, OpUserTweetsAndReplies, timelineVariables(userID, TweetsPageSize))
	if err != nil {
		return nil, err
	}
	return ParseTweets(doc)
}

// Probe returns a credential.Doer that looks up screenName with one specific
// credential, for Pool.CheckHealth.
func (c *Client) Probe(screenName string) credential.Doer {
	return func(ctx context.Context, cred credential.Credential) (*credential.Response, error) {
		cat := c.catalog.Load()
		if cat == nil {
			return nil, ErrNotReady
		}
		op, ok := cat.Operations[OpUserByScreenName]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, OpUserByScreenName)
		}
		vars, err := json.Marshal(map[string]any{"screen_name": screenName})
		if err != nil {
			return nil, err
		}
		feats, err := json.Marshal(op.Features)
		if err != nil {
			return nil, err
		}
		req, err := c.newRequest(ctx, cat, op, vars, feats)
		if err != nil {
			return nil, err
		}
		cred.Apply(req)
		return c.do(req)
	}
}
