package transport

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestStatusError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		code      int
		header    string
		media     bool
		transient bool
		rejected  bool
		after     time.Duration
	}{
		{name: "rate limited", code: 429, header: "2", transient: true, after: 2 * time.Second},
		{name: "fractional retry-after", code: 429, header: "0.5", transient: true, after: 500 * time.Millisecond},
		{name: "server error", code: 502, transient: true},
		{name: "bad media", code: 400, media: true, rejected: true},
		{name: "bad text", code: 400},
		{name: "not found media", code: 404, media: true, rejected: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := &http.Response{StatusCode: tt.code, Header: http.Header{}}
			if tt.header != "" {
				resp.Header.Set("Retry-After", tt.header)
			}
			err := StatusError("webhook", resp, []byte("nope"), tt.media)
			if err == nil {
				t.Fatalf("StatusError = nil")
			}
			if got := IsTransient(err); got != tt.transient {
				t.Fatalf("IsTransient = %v, want %v", got, tt.transient)
			}
			if got := errors.Is(err, ErrContentRejected); got != tt.rejected {
				t.Fatalf("rejected = %v, want %v", got, tt.rejected)
			}
			var te *TransientError
			if errors.As(err, &te) && te.RetryAfter != tt.after {
				t.Fatalf("RetryAfter = %v, want %v", te.RetryAfter, tt.after)
			}
		})
	}
}

func TestDeliveryTextOnly(t *testing.T) {
	t.Parallel()

	d := Delivery{Destination: "1", Text: "hi", Photos: []string{"p"}, Videos: []string{"v"}}
	if !d.HasMedia() {
		t.Fatalf("HasMedia = false, want true")
	}
	to := d.TextOnly()
	if to.HasMedia() || to.Text != "hi" || to.Destination != "1" {
		t.Fatalf("TextOnly = %+v", to)
	}
	if len(d.Photos) != 1 {
		t.Fatalf("TextOnly mutated the original")
	}
	if Transient(nil, 0) != nil {
		t.Fatalf("Transient(nil) != nil")
	}
}

func TestRedact(t *testing.T) {
	t.Parallel()

	base := Transient(errors.New(`Post "https://api.telegram.org/bot123:SECRET/sendMessage": EOF`), 0)
	err := Redact(base, "123:SECRET")
	if got := err.Error(); got != `transient: Post "https://api.telegram.org/bot***/sendMessage": EOF` {
		t.Fatalf("Error() = %q", got)
	}
	if !IsTransient(err) {
		t.Fatal("redacted error lost its TransientError")
	}
	if Redact(nil, "x") != nil {
		t.Fatal("Redact(nil) should stay nil")
	}
	plain := errors.New("no secret here")
	if Redact(plain, "123:SECRET") != plain {
		t.Fatal("error without the secret should be returned as is")
	}
}
