// Package transport defines the delivery contract shared by notification sinks.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Delivery is one message addressed to one destination of a sink.
type Delivery struct {
	Destination    string
	Text           string
	Photos         []string
	Videos         []string
	DisablePreview bool
}

// HasMedia reports whether the delivery carries photos or videos.
func (d Delivery) HasMedia() bool { return len(d.Photos) > 0 || len(d.Videos) > 0 }

// TextOnly returns a copy without media.
func (d Delivery) TextOnly() Delivery {
	d.Photos, d.Videos = nil, nil
	return d
}

// Inbound is a text message received from a chat.
type Inbound struct {
	Destination string
	From        string
	Text        string
}

// Sink delivers messages to one kind of chat service.
type Sink interface {
	Name() string
	Send(ctx context.Context, d Delivery) error
}

// Receiver is implemented by sinks that can read replies.
// The returned cancel func ends the subscription and closes the channel.
type Receiver interface {
	Subscribe(ctx context.Context) (<-chan Inbound, func(), error)
}

// ErrContentRejected means the target refused the payload itself (usually a
// media URL it could not fetch). Resending the same payload will not help.
var ErrContentRejected = errors.New("transport: content rejected")

// TransientError is a failure worth retrying unchanged.
type TransientError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err, RetryAfter: retryAfter}
}

// IsTransient reports whether err, or anything it wraps, is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RetryDelay returns the wait a TransientError in err's chain asks for, or zero.
func RetryDelay(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}

// PartialError reports that a multi-post delivery failed after some posts
// went out. Rest holds what was not sent; its Text is empty once the text
// post succeeded.
type PartialError struct {
	Err  error
	Rest Delivery
}

func (e *PartialError) Error() string { return e.Err.Error() }
func (e *PartialError) Unwrap() error { return e.Err }

// Partial wraps err with the part of d still to be sent.
func Partial(err error, rest Delivery) error {
	if err == nil {
		return nil
	}
	return &PartialError{Err: err, Rest: rest}
}

// Remaining returns what is left of d after err: the PartialError's Rest when
// err carries one, else d unchanged.
func Remaining(d Delivery, err error) Delivery {
	var pe *PartialError
	if errors.As(err, &pe) {
		return pe.Rest
	}
	return d
}

// StatusError classifies a non-2xx HTTP reply from a webhook style endpoint.
// 429 and 5xx are transient; other 4xx on a media payload are ErrContentRejected.
func StatusError(sink string, resp *http.Response, body []byte, media bool) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 300 {
		msg = msg[:300] + "..."
	}
	base := fmt.Errorf("%s: http %d: %s", sink, resp.StatusCode, msg)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Transient(base, retryAfter(resp.Header.Get("Retry-After")))
	case media && resp.StatusCode >= 400:
		return fmt.Errorf("%w: %w", ErrContentRejected, base)
	default:
		return base
	}
}

func retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
		return time.Duration(f * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// redactedError hides a secret in the message while keeping the chain intact
// for errors.Is and errors.As.
type redactedError struct {
	err error
	msg string
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

// Redact replaces every occurrence of secret in err's message with "***".
// HTTP client errors embed the request URL, and some APIs carry the token there.
func Redact(err error, secret string) error {
	if err == nil || secret == "" {
		return err
	}
	msg := err.Error()
	if !strings.Contains(msg, secret) {
		return err
	}
	return &redactedError{err: err, msg: strings.ReplaceAll(msg, secret, "***")}
}
