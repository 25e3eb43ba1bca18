package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xwatch/internal/status"
	"xwatch/internal/transport"
)

type fakeSink struct {
	name string

	mu    sync.Mutex
	calls []transport.Delivery
	fn    func(n int, d transport.Delivery) error
	block chan struct{}
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Send(ctx context.Context, d transport.Delivery) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.calls = append(s.calls, d)
	n := len(s.calls)
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		return fn(n, d)
	}
	return nil
}

func (s *fakeSink) sent() []transport.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Delivery(nil), s.calls...)
}

func testConfig() Config {
	return Config{
		QueueSize:    16,
		RatePerSec:   1000,
		RetryMax:     3,
		RetryDelay:   time.Millisecond,
		SendTimeout:  time.Second,
		DrainTimeout: time.Second,
	}
}

func startDispatcher(t *testing.T, sink transport.Sink, cfg Config, tr *status.Tracker) *Dispatcher {
	t.Helper()
	d := New(sink, cfg, tr, logxNop())
	d.Start(context.Background())
	t.Cleanup(func() { d.Stop(context.Background()) })
	return d
}

func TestContentRejectedFallsBackToTextOnce(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{name: "telegram", fn: func(_ int, d transport.Delivery) error {
		if d.HasMedia() {
			return transport.ErrContentRejected
		}
		return nil
	}}
	tr := status.New()
	var results []string
	var rmu sync.Mutex
	d := New(sink, testConfig(), tr, logxNop(), WithResultHook(func(_, r string) {
		rmu.Lock()
		results = append(results, r)
		rmu.Unlock()
	}))
	d.Start(context.Background())
	defer d.Stop(context.Background())

	require.NoError(t, d.Enqueue(Message{Destinations: []string{"1"}, Text: "hi", Photos: []string{"https://p"}}))
	require.Eventually(t, func() bool { return len(d.History()) == 1 }, time.Second, 5*time.Millisecond)

	calls := sink.sent()
	require.Len(t, calls, 2)
	assert.True(t, calls[0].HasMedia())
	assert.False(t, calls[1].HasMedia())
	assert.Equal(t, "hi", calls[1].Text)

	_, healthy := tr.SinkHealth("telegram")
	assert.True(t, healthy)
	rmu.Lock()
	assert.Equal(t, []string{ResultFallback}, results)
	rmu.Unlock()
}

func TestContentRejectedWithoutMediaIsNotResent(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{name: "webhook", fn: func(int, transport.Delivery) error { return transport.ErrContentRejected }}
	tr := status.New()
	d := startDispatcher(t, sink, testConfig(), tr)

	require.NoError(t, d.Enqueue(Message{Destinations: []string{"u"}, Text: "plain"}))
	require.Eventually(t, func() bool { return len(d.History()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, sink.sent(), 1)
	_, healthy := tr.SinkHealth("webhook")
	assert.False(t, healthy)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{name: "webhook", fn: func(n int, _ transport.Delivery) error {
		if n < 3 {
			return transport.Transient(errors.New("502"), 0)
		}
		return nil
	}}
	d := startDispatcher(t, sink, testConfig(), nil)

	require.NoError(t, d.Enqueue(Message{Destinations: []string{"u"}, Text: "x"}))
	require.Eventually(t, func() bool { return len(d.History()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, sink.sent(), 3)
	assert.Equal(t, ResultSent, d.History()[0].Result)
}

func TestRetriesAreBounded(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{name: "webhook", fn: func(int, transport.Delivery) error {
		return transport.Transient(errors.New("down"), 0)
	}}
	cfg := testConfig()
	cfg.RetryMax = 2
	tr := status.New()
	d := startDispatcher(t, sink, cfg, tr)

	require.NoError(t, d.Enqueue(Message{Destinations: []string{"u"}, Text: "x"}))
	require.Eventually(t, func() bool { return len(d.History()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, sink.sent(), 2)
	assert.Equal(t, ResultFailed, d.History()[0].Result)
	assert.Contains(t, d.History()[0].Error, "down")
}

func TestPermanentErrorNotRetried(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{name: "webhook", fn: func(int, transport.Delivery) error { return errors.New("bad chat") }}
	d := startDispatcher(t, sink, testConfig(), nil)

	require.NoError(t, d.Enqueue(Message{Destinations: []string{"u"}, Text: "x"}))
	require.Eventually(t, func() bool { return len(d.History()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, sink.sent(), 1)
}

func TestFIFOAcrossDestinations(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{name: "webhook"}
	d := startDispatcher(t, sink, testConfig(), nil)

	require.NoError(t, d.Enqueue(Message{Destinations: []string{"a", "b"}, Text: "1"}))
	require.NoError(t, d.Enqueue(Message{Destinations: []string{"a"}, Text: "2"}))
	require.Eventually(t, func() bool { return len(sink.sent()) == 3 }, time.Second, 5*time.Millisecond)

	var got []string
	for _, c := range sink.sent() {
		got = append(got, c.Destination+":"+c.Text)
	}
	assert.Equal(t, []string{"a:1", "b:1", "a:2"}, got)
}

func TestQueueFull(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{name: "webhook", block: make(chan struct{})}
	cfg := testConfig()
	cfg.QueueSize = 1
	d := New(sink, cfg, nil, logxNop())
	d.Start(context.Background())

	// First message is taken by the consumer (blocked in Send), second fills the queue.
	require.NoError(t, d.Enqueue(Message{Destinations: []string{"u"}, Text: "1"}))
	require.Eventually(t, func() bool { return d.Depth() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, d.Enqueue(Message{Destinations: []string{"u"}, Text: "2"}))
	assert.ErrorIs(t, d.Enqueue(Message{Destinations: []string{"u"}, Text: "3"}), ErrQueueFull)

	close(sink.block)
	d.Stop(context.Background())
	assert.Len(t, sink.sent(), 2)
	assert.ErrorIs(t, d.Enqueue(Message{Destinations: []string{"u"}, Text: "4"}), ErrStopped)
}

func TestDedupWindow(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{name: "webhook"}
	cfg := testConfig()
	cfg.DedupWindow = time.Minute
	d := startDispatcher(t, sink, cfg, nil)

	m := Message{Destinations: []string{"u"}, Text: "same", Photos: []string{"p"}}
	require.NoError(t, d.Enqueue(m))
	require.NoError(t, d.Enqueue(m))
	m2 := m
	m2.Destinations = []string{"v"}
	require.NoError(t, d.Enqueue(m2))

	require.Eventually(t, func() bool { return len(sink.sent()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sink.sent(), 2)
}

func TestStopDrainsQueue(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{name: "webhook"}
	d := New(sink, testConfig(), nil, logxNop())
	d.Start(context.Background())
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Enqueue(Message{ID: "m", Destinations: []string{"u"}, Text: string(rune('a' + i))}))
	}
	d.Stop(context.Background())
	assert.Len(t, sink.sent(), 5)
}

func TestStopAbandonsAfterDrainTimeout(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{name: "webhook", block: make(chan struct{})}
	cfg := testConfig()
	cfg.DrainTimeout = 20 * time.Millisecond
	d := New(sink, cfg, nil, logxNop())
	d.Start(context.Background())
	require.NoError(t, d.Enqueue(Message{Destinations: []string{"u"}, Text: "x"}))
	require.NoError(t, d.Enqueue(Message{Destinations: []string{"u"}, Text: "y"}))

	start := time.Now()
	d.Stop(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, sink.sent())
}

type replySink struct {
	fakeSink
	replies []transport.Inbound
}

func (s *replySink) Subscribe(ctx context.Context) (<-chan transport.Inbound, func(), error) {
	ch := make(chan transport.Inbound, len(s.replies))
	for _, r := range s.replies {
		ch <- r
	}
	return ch, func() {}, nil
}

func TestConfirm(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		replies []transport.Inbound
		want    bool
		wantErr error
	}{
		{name: "yes", replies: []transport.Inbound{{Destination: "1", Text: " YES "}}, want: true},
		{name: "no", replies: []transport.Inbound{{Destination: "1", Text: "n"}}, want: false},
		{name: "ignores others", replies: []transport.Inbound{
			{Destination: "2", Text: "yes"},
			{Destination: "1", Text: "maybe"},
			{Destination: "1", Text: "y"},
		}, want: true},
		{name: "timeout", replies: []transport.Inbound{{Destination: "1", Text: "hmm"}}, wantErr: ErrConfirmTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sink := &replySink{fakeSink: fakeSink{name: "telegram"}, replies: tt.replies}
			d := startDispatcher(t, sink, testConfig(), nil)

			got, err := d.Confirm(context.Background(), "1", "Start monitoring?", 50*time.Millisecond)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfirmNeedsInbound(t *testing.T) {
	t.Parallel()

	d := startDispatcher(t, &fakeSink{name: "webhook"}, testConfig(), nil)
	_, err := d.Confirm(context.Background(), "u", "?", time.Second)
	assert.ErrorIs(t, err, ErrNoInbound)
}
