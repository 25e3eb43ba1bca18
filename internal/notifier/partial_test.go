package notifier

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xwatch/internal/transport"
	"xwatch/internal/transport/webhook"
)

func TestRejectedMediaAfterTextIsNotResent(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		posts []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		posts = append(posts, string(b))
		mu.Unlock()
		if strings.Contains(string(b), "bad.jpg") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	d := startDispatcher(t, webhook.New(srv.Client()), testConfig(), nil)
	require.NoError(t, d.Enqueue(Message{Destinations: []string{srv.URL}, Text: "hello", Photos: []string{"http://x/bad.jpg"}}))
	require.Eventually(t, func() bool { return len(d.History()) == 1 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`{"content":"hello"}`, `{"content":"http://x/bad.jpg"}`}, posts)
	assert.Equal(t, ResultFallback, d.History()[0].Result)
}

func TestRetryResumesAfterDeliveredParts(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{name: "webhook", fn: func(n int, d transport.Delivery) error {
		if n == 1 {
			rest := d
			rest.Text = ""
			return transport.Partial(transport.Transient(errors.New("502"), 0), rest)
		}
		return nil
	}}
	d := startDispatcher(t, sink, testConfig(), nil)

	require.NoError(t, d.Enqueue(Message{Destinations: []string{"u"}, Text: "x", Photos: []string{"https://p"}}))
	require.Eventually(t, func() bool { return len(d.History()) == 1 }, time.Second, 5*time.Millisecond)

	calls := sink.sent()
	require.Len(t, calls, 2)
	assert.Equal(t, "x", calls[0].Text)
	assert.Empty(t, calls[1].Text)
	assert.Equal(t, []string{"https://p"}, calls[1].Photos)
	assert.Equal(t, ResultSent, d.History()[0].Result)
}

func TestRetryWaitsForRetryAfter(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		times []time.Time
	)
	sink := &fakeSink{name: "telegram", fn: func(n int, _ transport.Delivery) error {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		if n == 1 {
			return transport.Transient(errors.New("retry after 1"), 150*time.Millisecond)
		}
		return nil
	}}
	d := startDispatcher(t, sink, testConfig(), nil)

	require.NoError(t, d.Enqueue(Message{Destinations: []string{"1"}, Text: "x"}))
	require.Eventually(t, func() bool { return len(d.History()) == 1 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, times, 2)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 150*time.Millisecond)
	assert.Equal(t, ResultSent, d.History()[0].Result)
}
