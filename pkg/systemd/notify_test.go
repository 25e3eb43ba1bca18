package systemd

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func listen(t *testing.T) *net.UnixConn {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram not available: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", path)
	return conn
}

func read(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read notify socket: %v", err)
	}
	return string(buf[:n])
}

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	sent, err := Ready()
	if err != nil || sent {
		t.Fatalf("Ready() = %v, %v; want false, nil", sent, err)
	}
}

func TestNotifyMessages(t *testing.T) {
	conn := listen(t)
	tests := []struct {
		name string
		fn   func() (bool, error)
		want string
	}{
		{"ready", Ready, "READY=1"},
		{"status", func() (bool, error) { return Status("watching 3 accounts") }, "STATUS=watching 3 accounts"},
		{"stopping", Stopping, "STOPPING=1"},
	}
	for _, tt := range tests {
		sent, err := tt.fn()
		if err != nil || !sent {
			t.Fatalf("%s: sent = %v, err = %v", tt.name, sent, err)
		}
		if got := read(t, conn); got != tt.want {
			t.Fatalf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestWatchdogDisabledReturns(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	done := make(chan error, 1)
	go func() { done <- Watchdog(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watchdog() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watchdog did not return without WATCHDOG_USEC")
	}
}

func TestWatchdogPings(t *testing.T) {
	conn := listen(t)
	t.Setenv("WATCHDOG_USEC", "20000")
	t.Setenv("WATCHDOG_PID", "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = Watchdog(ctx) }()
	if got := read(t, conn); !strings.HasPrefix(got, "WATCHDOG=1") {
		t.Fatalf("got %q, want WATCHDOG=1", got)
	}
}
