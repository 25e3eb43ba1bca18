package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"xwatch/internal/credential"
	logx "xwatch/pkg/logx"
)

func get(t *testing.T, h http.Handler, target, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerAuth(t *testing.T) {
	t.Parallel()
	srv := NewServer(Config{Token: "s3cret"}, NewMetrics(), func() any { return map[string]int{"monitors": 2} }, logx.Nop())
	h := srv.Handler()

	cases := []struct {
		name   string
		target string
		auth   string
		want   int
	}{
		{"healthz is open", "/healthz", "", http.StatusOK},
		{"status without token", "/status", "", http.StatusUnauthorized},
		{"status wrong token", "/status", "Bearer nope", http.StatusUnauthorized},
		{"status bearer", "/status", "Bearer s3cret", http.StatusOK},
		{"status query token", "/status?token=s3cret", "", http.StatusOK},
		{"metrics bearer", "/metrics", "Bearer s3cret", http.StatusOK},
		{"pprof disabled", "/debug/pprof/", "Bearer s3cret", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := get(t, h, tc.target, tc.auth).Code; got != tc.want {
				t.Fatalf("GET %s = %d, want %d", tc.target, got, tc.want)
			}
		})
	}
}

func TestStatusJSON(t *testing.T) {
	t.Parallel()
	srv := NewServer(Config{}, nil, func() any { return map[string]int{"monitors": 2} }, logx.Nop())
	rec := get(t, srv.Handler(), "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), `"monitors": 2`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestPprofMounted(t *testing.T) {
	t.Parallel()
	srv := NewServer(Config{Pprof: true}, NewMetrics(), nil, logx.Nop())
	if got := get(t, srv.Handler(), "/debug/pprof/", "").Code; got != http.StatusOK {
		t.Fatalf("GET /debug/pprof/ = %d, want 200", got)
	}
}

func TestMetricsExposition(t *testing.T) {
	t.Parallel()
	m := NewMetrics()
	m.ObserveQuery("Likes", nil, 30*time.Millisecond)
	m.ObserveQuery("Likes", credential.ErrExhausted, time.Second)
	m.ObserveAttempt("bearer-1", credential.OutcomeAuth)
	m.ObserveTick("Like", false)
	m.ObserveNotification("telegram", "sent")
	m.ObserveChange("Profile", "Bio")
	m.RegisterQueue("telegram", func() int { return 3 })

	body := get(t, m.Handler(), "/metrics", "").Body.String()
	for _, want := range []string{
		`xwatch_upstream_queries_total{operation="Likes",result="exhausted"} 1`,
		`xwatch_credential_failures_total{credential="bearer-1"} 1`,
		`xwatch_monitor_ticks_total{kind="Like",result="failed"} 1`,
		`xwatch_notifications_total{result="sent",sink="telegram"} 1`,
		`xwatch_changes_total{field="Bio",kind="Profile"} 1`,
		`xwatch_queue_depth{queue="telegram"} 3`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.ObserveQuery("x", errors.New("boom"), time.Second)
	m.ObserveTick("Like", true)
	m.RegisterQueue("q", func() int { return 1 })
	if got := get(t, m.Handler(), "/metrics", "").Code; got != http.StatusNotFound {
		t.Fatalf("nil handler = %d, want 404", got)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:9090": true,
		"[::1]:9090":     true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"10.0.0.5:9090":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestServerStartStop(t *testing.T) {
	srv := NewServer(Config{Enabled: true, Addr: "127.0.0.1:0"}, NewMetrics(), nil, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	srv.Start(ctx)
	t.Cleanup(func() { srv.Stop(context.Background()) })

	var addr string
	for addr == "" {
		if ctx.Err() != nil {
			t.Fatal("server never bound")
		}
		time.Sleep(10 * time.Millisecond)
		addr = srv.Addr()
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(b) != "ok" {
		t.Fatalf("body = %q, want ok", b)
	}

	srv.Reconfigure(ctx, Config{Enabled: false})
	if got := srv.Addr(); got != "" {
		t.Fatalf("Addr after disable = %q, want empty", got)
	}
}

func TestServerRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	srv := NewServer(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, nil, logx.Nop())
	if err := srv.serveOnce(context.Background()); !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("serveOnce = %v, want ErrInsecureBind", err)
	}
}
