// Package cqhttp sends messages through a OneBot (CQHTTP) endpoint such as
// http://host:5700/send_private_msg?user_id=1. Media go out as CQ codes, one post each.
package cqhttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"xwatch/internal/transport"
)

const Name = "cqhttp"

type Sink struct {
	http  *http.Client
	token string
}

func New(token string, hc *http.Client) *Sink {
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &Sink{http: hc, token: strings.TrimSpace(token)}
}

func (s *Sink) Name() string { return Name }

func imageCode(u string) string { return fmt.Sprintf("[CQ:image,file=%s]", u) }
func videoCode(u string) string { return fmt.Sprintf("[CQ:video,file=%s]", u) }

// Send posts the text, then one CQ code per media URL. An empty Text skips
// the text post. A failure after the first post is a transport.PartialError.
func (s *Sink) Send(ctx context.Context, d transport.Delivery) error {
	rest := d
	sent := false
	if d.Text != "" {
		if err := s.post(ctx, d.Destination, d.Text, false); err != nil {
			return err
		}
		rest.Text, sent = "", true
	}
	for len(rest.Photos) > 0 {
		if err := s.post(ctx, d.Destination, imageCode(rest.Photos[0]), true); err != nil {
			return partialIf(sent, err, rest)
		}
		rest.Photos, sent = rest.Photos[1:], true
	}
	for len(rest.Videos) > 0 {
		if err := s.post(ctx, d.Destination, videoCode(rest.Videos[0]), true); err != nil {
			return partialIf(sent, err, rest)
		}
		rest.Videos, sent = rest.Videos[1:], true
	}
	return nil
}

func partialIf(sent bool, err error, rest transport.Delivery) error {
	if !sent {
		return err
	}
	return transport.Partial(err, rest)
}

// reply is the OneBot response envelope.
type reply struct {
	Status  string `json:"status"`
	RetCode int    `json:"retcode"`
	Message string `json:"message"`
	Wording string `json:"wording"`
}

func (s *Sink) post(ctx context.Context, endpoint, message string, media bool) error {
	form := url.Values{"message": {message}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return transport.Transient(err, 0)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode/100 != 2 {
		return transport.StatusError(Name, resp, b, media)
	}

	// A 200 can still carry a failed action.
	var r reply
	if json.Unmarshal(b, &r) == nil && r.Status == "failed" {
		err := fmt.Errorf("%s: retcode %d: %s", Name, r.RetCode, firstNonEmpty(r.Wording, r.Message))
		if media {
			return fmt.Errorf("%w: %w", transport.ErrContentRejected, err)
		}
		return err
	}
	return nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
