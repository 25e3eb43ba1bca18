package status

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTracker() (*Tracker, *fakeClock) {
	clk := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(WithClock(clk.Now)), clk
}

func TestMonitorStaleness(t *testing.T) {
	t.Parallel()

	tr, clk := newTracker()
	tr.MonitorSucceeded("Profile", "alice")
	tr.MonitorSucceeded("Tweet", "alice")
	assert.Empty(t, tr.Check(30*time.Minute))

	clk.Advance(20 * time.Minute)
	tr.MonitorSucceeded("Tweet", "alice")
	clk.Advance(15 * time.Minute)

	alerts := tr.Check(30 * time.Minute)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertMonitor, alerts[0].Kind)
	assert.Equal(t, "Profile-alice", alerts[0].Name)
	assert.Contains(t, alerts[0].String(), "Profile-alice stale")

	tr.Forget("Profile", "alice")
	assert.Empty(t, tr.Check(30*time.Minute))
}

func TestStartedMonitorWithoutSuccessGoesStale(t *testing.T) {
	t.Parallel()

	tr, clk := newTracker()
	tr.MonitorStarted("Like", "alice")
	clk.Advance(20 * time.Minute)
	assert.Empty(t, tr.Check(30*time.Minute))

	clk.Advance(15 * time.Minute)
	alerts := tr.Check(30 * time.Minute)
	require.Len(t, alerts, 1)
	assert.Equal(t, "Like-alice", alerts[0].Name)
	assert.True(t, alerts[0].Last.IsZero())
	assert.Contains(t, alerts[0].String(), "last success never")

	// A success replaces the registration; a later restart does not reset it.
	tr.MonitorSucceeded("Like", "alice")
	tr.MonitorStarted("Like", "alice")
	assert.Empty(t, tr.Check(30*time.Minute))

	tr.Forget("Like", "alice")
	clk.Advance(time.Hour)
	assert.Empty(t, tr.Check(30*time.Minute))
}

func TestSinkHealth(t *testing.T) {
	t.Parallel()

	tr, clk := newTracker()
	_, ok := tr.SinkHealth("telegram")
	assert.True(t, ok, "unknown sink is healthy")

	tr.SinkSucceeded("telegram")
	tr.SinkFailed("webhook")
	last, ok := tr.SinkHealth("telegram")
	assert.True(t, ok)
	assert.Equal(t, clk.Now(), last)

	alerts := tr.Check(30 * time.Minute)
	require.Len(t, alerts, 1)
	assert.Equal(t, Alert{Kind: AlertSink, Name: "webhook"}, alerts[0])
	assert.Contains(t, alerts[0].String(), "never")
}

func TestSinkBehindLastNotify(t *testing.T) {
	t.Parallel()

	tr, clk := newTracker()
	tr.SinkSucceeded("telegram")

	clk.Advance(time.Hour)
	assert.Empty(t, tr.Check(30*time.Minute), "no notifications means nothing to deliver")

	tr.Notified()
	alerts := tr.Check(30 * time.Minute)
	require.Len(t, alerts, 1)
	assert.Equal(t, "telegram", alerts[0].Name)

	tr.SinkSucceeded("telegram")
	assert.Empty(t, tr.Check(30*time.Minute))
}

func TestCheckOrdering(t *testing.T) {
	t.Parallel()

	tr, clk := newTracker()
	tr.SinkFailed("b-sink")
	tr.SinkFailed("a-sink")
	tr.MonitorSucceeded("Tweet", "z")
	tr.MonitorSucceeded("Like", "y")
	clk.Advance(time.Hour)

	var names []string
	for _, a := range tr.Check(time.Minute) {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{"Like-y", "Tweet-z", "a-sink", "b-sink"}, names)
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	tr, _ := newTracker()
	tr.MonitorSucceeded("Like", "alice")
	tr.SinkSucceeded("webhook")
	tr.Notified()

	snap := tr.Snapshot()
	snap.Monitors["Like-bob"] = time.Now()
	assert.Len(t, tr.Snapshot().Monitors, 1)
	assert.True(t, snap.Sinks["webhook"].Healthy)
	assert.Equal(t, tr.LastNotify(), snap.LastNotify)
}

func TestConcurrentUse(t *testing.T) {
	t.Parallel()

	tr := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.MonitorSucceeded("Like", "a")
				tr.SinkSucceeded("s")
				tr.Notified()
				_ = tr.Check(time.Minute)
				_ = tr.Snapshot()
			}
		}()
	}
	wg.Wait()
	assert.False(t, tr.MonitorLast("Like", "a").IsZero())
}
