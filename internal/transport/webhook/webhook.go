// Package webhook posts messages to Discord style webhooks: one JSON
// {"content": ...} post for the text, then one post per media URL.
package webhook

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"xwatch/internal/transport"
)

const Name = "webhook"

type Sink struct {
	http *http.Client
}

func New(hc *http.Client) *Sink {
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &Sink{http: hc}
}

func (s *Sink) Name() string { return Name }

// Send posts to d.Destination, which is the webhook URL. An empty Text skips
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
	media := append(append([]string(nil), d.Photos...), d.Videos...)
	for i, u := range media {
		if err := s.post(ctx, d.Destination, u, true); err != nil {
			if !sent {
				return err
			}
			rest.Photos = d.Photos[min(i, len(d.Photos)):]
			rest.Videos = d.Videos[max(0, i-len(d.Photos)):]
			return transport.Partial(err, rest)
		}
		sent = true
	}
	return nil
}

func (s *Sink) post(ctx context.Context, url, content string, media bool) error {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
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
	return nil
}
