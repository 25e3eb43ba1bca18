package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "xwatch/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, opts ...Option) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), opts...)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestEnqueueBeforeStart(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue = %v, want ErrStopped", err)
	}
}

func TestEnqueueValidates(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})
	if err := s.Enqueue(Task{Name: "x"}); err == nil {
		t.Fatalf("Enqueue without Run = nil, want error")
	}
	if err := s.Enqueue(Task{Name: "  ", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatalf("Enqueue without name = nil, want error")
	}
}

func TestOverlapSkipWhileQueuedOrRunning(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2})
	release := make(chan struct{})
	var runs atomic.Int32
	st := &RunState{}
	task := Task{Name: "monitor", State: st, Run: func(context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}}

	if err := s.Enqueue(task); err != nil {
		t.Fatalf("first Enqueue = %v", err)
	}
	waitFor(t, "first run", func() bool { return runs.Load() == 1 })
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Enqueue = %v, want ErrOverlapSkip", err)
	}
	if !st.Busy() {
		t.Fatalf("Busy = false while running")
	}
	close(release)
	waitFor(t, "release", func() bool { return !st.Busy() })
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("Enqueue after finish = %v", err)
	}
	waitFor(t, "second run", func() bool { return s.Snapshot().Completed == 2 })
	if got := s.Snapshot().Skipped; got != 1 {
		t.Fatalf("Skipped = %d, want 1", got)
	}
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	results := map[string]int{}
	s := startEngine(t, Config{Workers: 1, QueueSize: 1}, WithObserver(func(_, result string, _ time.Duration) {
		mu.Lock()
		results[result]++
		mu.Unlock()
	}))
	block := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	slow := func(context.Context) error {
		once.Do(func() { close(started) })
		<-block
		return nil
	}
	allow := TaskOptions{Overlap: OverlapAllow}

	if err := s.Enqueue(Task{Name: "a", Run: slow, Opt: allow}); err != nil {
		t.Fatalf("Enqueue a = %v", err)
	}
	<-started
	if err := s.Enqueue(Task{Name: "b", Run: slow, Opt: allow}); err != nil {
		t.Fatalf("Enqueue b = %v", err)
	}
	if err := s.Enqueue(Task{Name: "c", Run: slow, Opt: allow}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue c = %v, want ErrQueueFull", err)
	}
	close(block)
	waitFor(t, "drain", func() bool { return s.Snapshot().Completed == 2 })

	snap := s.Snapshot()
	if snap.DroppedQueueFull != 1 {
		t.Fatalf("DroppedQueueFull = %d, want 1", snap.DroppedQueueFull)
	}
	mu.Lock()
	defer mu.Unlock()
	if results[ResultQueueFull] != 1 || results[ResultOK] != 2 {
		t.Fatalf("observer results = %v", results)
	}
}

func TestRetriesAndNoRetry(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})
	opt := TaskOptions{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}

	var n atomic.Int32
	_ = s.Enqueue(Task{Name: "flaky", Opt: opt, Run: func(context.Context) error {
		if n.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}})
	var m atomic.Int32
	_ = s.Enqueue(Task{Name: "permanent", Opt: opt, Run: func(context.Context) error {
		m.Add(1)
		return NoRetry(errors.New("bad input"))
	}})
	waitFor(t, "both", func() bool {
		snap := s.Snapshot()
		return snap.Completed == 1 && snap.Failed == 1
	})
	if got := n.Load(); got != 3 {
		t.Fatalf("flaky attempts = %d, want 3", got)
	}
	if got := m.Load(); got != 1 {
		t.Fatalf("permanent attempts = %d, want 1", got)
	}
	var item HistoryItem
	for _, h := range s.Snapshot().History {
		if h.Name == "permanent" {
			item = h
		}
	}
	if item.Error != "bad input" {
		t.Fatalf("history error = %q, want unwrapped %q", item.Error, "bad input")
	}
}

func TestPanicAndTimeoutBecomeErrors(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, DefaultTimeout: 10 * time.Millisecond})
	_ = s.Enqueue(Task{Name: "panics", Run: func(context.Context) error { panic("boom") }})
	_ = s.Enqueue(Task{Name: "hangs", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	_ = s.Enqueue(Task{Name: "fine", Run: func(context.Context) error { return nil }})
	waitFor(t, "all three", func() bool { return len(s.Snapshot().History) == 3 })

	errs := map[string]string{}
	for _, h := range s.Snapshot().History {
		errs[h.Name] = h.Error
	}
	if !strings.Contains(errs["panics"], "panic: boom") {
		t.Fatalf("panic error = %q", errs["panics"])
	}
	if !strings.Contains(errs["hangs"], "deadline exceeded") {
		t.Fatalf("timeout error = %q", errs["hangs"])
	}
	if errs["fine"] != "" {
		t.Fatalf("fine error = %q, want empty", errs["fine"])
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: time.Second, RetryMaxDelay: 5 * time.Second, RetryJitter: 0.2}
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(opt, tt.retry, nil); got != tt.want {
			t.Fatalf("backoffDelay(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
	hinted := backoffDelayWithHint(opt, 1, RetryAfter(errors.New("429"), time.Minute), nil)
	if hinted != 5*time.Second {
		t.Fatalf("hinted delay = %v, want capped 5s", hinted)
	}
}

func TestStopDiscardsAndRefuses(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1}, logx.Nop())
	s.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if err := s.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue after Stop = %v, want ErrStopped", err)
	}
	if s.Supervisor() != nil {
		t.Fatalf("Supervisor after Stop = non-nil")
	}
}
