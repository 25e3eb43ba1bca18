package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xwatch/internal/credential"
)

type upstreamServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []*http.Request
	bodies   []string
	fail     map[string]int // Authorization header -> status
	reply    string
	status   int
}

func newUpstreamServer(t *testing.T) *upstreamServer {
	t.Helper()
	s := &upstreamServer{fail: map[string]int{}, reply: userJSON, status: http.StatusOK}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.requests = append(s.requests, r.Clone(context.Background()))
		s.bodies = append(s.bodies, string(body))
		code, failing := s.fail[r.Header.Get("Authorization")]
		reply, status := s.reply, s.status
		s.mu.Unlock()
		if failing {
			w.WriteHeader(code)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *upstreamServer) seen() ([]*http.Request, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*http.Request(nil), s.requests...), append([]string(nil), s.bodies...)
}

func (s *upstreamServer) catalog(t *testing.T) *Catalog {
	t.Helper()
	cat, err := ParseCatalog([]byte(fmt.Sprintf(catalogJSON, s.URL, s.URL, s.URL)))
	require.NoError(t, err)
	return cat
}

func bearers(n int) []credential.Credential {
	out := make([]credential.Credential, n)
	for i := range out {
		out[i] = credential.NewBearer(fmt.Sprintf("b%d", i), fmt.Sprintf("tok%d", i))
	}
	return out
}

func TestParseCatalog(t *testing.T) {
	t.Parallel()

	cat, err := ParseCatalog([]byte(fmt.Sprintf(catalogJSON, "https://x", "https://x", "https://x")))
	require.NoError(t, err)
	assert.Len(t, cat.Operations, 3)
	assert.Equal(t, http.MethodGet, cat.Operations[OpUserByRestID].Method)
	assert.Equal(t, http.MethodPost, cat.Operations[OpLikes].Method)
	assert.Equal(t, "yes", cat.Headers["x-twitter-active-user"])

	for name, body := range map[string]string{
		"no operations": `{"graphql": {}, "header": {"a": "b"}}`,
		"no headers":    `{"graphql": {"A": {"url": "https://x"}}}`,
		"no url":        `{"graphql": {"A": {"method": "GET"}}, "header": {"a": "b"}}`,
		"not json":      `graphql`,
	} {
		_, err := ParseCatalog([]byte(body))
		assert.Error(t, err, name)
	}
}

func TestQueryGETSendsVariablesAndHeaders(t *testing.T) {
	t.Parallel()

	srv := newUpstreamServer(t)
	pool := credential.NewPool(bearers(1))
	signer := SignerFunc(func(method, path string) (string, error) { return method + " " + path, nil })
	c := New(pool, nil, WithCatalog(srv.catalog(t)), WithSigner(signer), WithUserAgent("xwatch-test"))

	u, err := c.UserByScreenName(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "42", u.ID)

	reqs, _ := srv.seen()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/graphql/abc/UserByScreenName", req.URL.Path)
	assert.JSONEq(t, `{"screen_name": "alice"}`, req.URL.Query().Get("variables"))
	assert.JSONEq(t, `{"f1": true}`, req.URL.Query().Get("features"))
	assert.Equal(t, "Bearer tok0", req.Header.Get("Authorization"))
	assert.Equal(t, "yes", req.Header.Get("x-twitter-active-user"))
	assert.Equal(t, "xwatch-test", req.Header.Get("User-Agent"))
	assert.Equal(t, "GET /graphql/abc/UserByScreenName", req.Header.Get("x-client-transaction-id"))
}

func TestQueryPOSTSendsJSONBody(t *testing.T) {
	t.Parallel()

	srv := newUpstreamServer(t)
	srv.reply = timelineJSON(tweetResult("1", "hi", "alice", ""))
	c := New(credential.NewPool(bearers(1)), nil, WithCatalog(srv.catalog(t)))

	tweets, err := c.Likes(context.Background(), "42")
	require.NoError(t, err)
	require.Len(t, tweets, 1)

	reqs, bodies := srv.seen()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Empty(t, reqs[0].Header.Get("x-client-transaction-id"))

	var body struct {
		Variables map[string]any `json:"variables"`
		Features  map[string]any `json:"features"`
	}
	require.NoError(t, json.Unmarshal([]byte(bodies[0]), &body))
	assert.Equal(t, "42", body.Variables["userId"])
	assert.Equal(t, float64(LikesPageSize), body.Variables["count"])
	assert.Equal(t, false, body.Features["f2"])
}

func TestQueryRotatesOnServerError(t *testing.T) {
	t.Parallel()

	srv := newUpstreamServer(t)
	srv.fail["Bearer tok0"] = http.StatusInternalServerError
	pool := credential.NewPool(bearers(2), credential.WithStart(0))
	c := New(pool, nil, WithCatalog(srv.catalog(t)))

	_, err := c.UserByID(context.Background(), "42")
	require.NoError(t, err)
	reqs, _ := srv.seen()
	require.Len(t, reqs, 2)
	assert.Equal(t, "Bearer tok0", reqs[0].Header.Get("Authorization"))
	assert.Equal(t, "Bearer tok1", reqs[1].Header.Get("Authorization"))
}

func TestQueryExhausted(t *testing.T) {
	t.Parallel()

	srv := newUpstreamServer(t)
	srv.fail["Bearer tok0"] = http.StatusUnauthorized
	srv.fail["Bearer tok1"] = http.StatusBadGateway
	c := New(credential.NewPool(bearers(2)), nil, WithCatalog(srv.catalog(t)))

	_, err := c.UserByID(context.Background(), "42")
	assert.ErrorIs(t, err, credential.ErrExhausted)
}

func TestQueryTerminalStatus(t *testing.T) {
	t.Parallel()

	srv := newUpstreamServer(t)
	srv.status = http.StatusNotFound
	srv.reply = `{"errors": [{"code": 34, "message": "Sorry, that page does not exist."}]}`
	c := New(credential.NewPool(bearers(2)), nil, WithCatalog(srv.catalog(t)))

	_, err := c.UserByID(context.Background(), "42")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	reqs, _ := srv.seen()
	assert.Len(t, reqs, 1)
}

func TestQueryUnavailableCodeIsParsed(t *testing.T) {
	t.Parallel()

	srv := newUpstreamServer(t)
	srv.status = http.StatusNotFound
	srv.reply = `{"errors": [{"code": 63, "message": "User has been suspended."}]}`
	c := New(credential.NewPool(bearers(1)), nil, WithCatalog(srv.catalog(t)))

	_, err := c.UserByScreenName(context.Background(), "gone")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestQueryBeforeCatalog(t *testing.T) {
	t.Parallel()

	c := New(credential.NewPool(bearers(1)), nil)
	_, err := c.Query(context.Background(), OpLikes, nil)
	assert.ErrorIs(t, err, ErrNotReady)

	srv := newUpstreamServer(t)
	c = New(credential.NewPool(bearers(1)), nil, WithCatalog(srv.catalog(t)))
	_, err = c.Query(context.Background(), OpFollowing, nil)
	assert.ErrorIs(t, err, ErrUnknownOperation)
}

func TestQueryHook(t *testing.T) {
	t.Parallel()

	srv := newUpstreamServer(t)
	var calls atomic.Int32
	var gotOp string
	c := New(credential.NewPool(bearers(1)), nil, WithCatalog(srv.catalog(t)),
		WithQueryHook(func(op string, err error, _ time.Duration) {
			calls.Add(1)
			gotOp = op
		}))
	_, err := c.UserByScreenName(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, OpUserByScreenName, gotOp)
}

type flakySource struct {
	fails atomic.Int32
	body  []byte
}

func (s *flakySource) Fetch(context.Context) ([]byte, error) {
	if s.fails.Add(-1) >= 0 {
		return nil, errors.New("catalog host down")
	}
	return s.body, nil
}

func TestInitRetriesUntilCatalogLoads(t *testing.T) {
	t.Parallel()

	src := &flakySource{body: []byte(fmt.Sprintf(catalogJSON, "https://x", "https://x", "https://x"))}
	src.fails.Store(2)
	c := New(credential.NewPool(bearers(1)), src)

	require.NoError(t, c.Init(context.Background(), time.Millisecond, 0))
	require.NotNil(t, c.Catalog())
	assert.Len(t, c.Catalog().Operations, 3)
}

func TestInitGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	src := &flakySource{}
	src.fails.Store(100)
	c := New(credential.NewPool(bearers(1)), src)

	err := c.Init(context.Background(), time.Millisecond, 3)
	require.Error(t, err)
	assert.Nil(t, c.Catalog())
	assert.Equal(t, int32(97), src.fails.Load())
}

func TestInitStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	src := &flakySource{}
	src.fails.Store(1 << 20)
	c := New(credential.NewPool(bearers(1)), src)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Init(ctx, 5*time.Millisecond, 0)
	require.Error(t, err)
}

func TestRefreshFailureKeepsCatalog(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "catalog.json")
	require.NoError(t, os.WriteFile(file, []byte(fmt.Sprintf(catalogJSON, "https://x", "https://x", "https://x")), 0o600))

	c := New(credential.NewPool(bearers(1)), FileSource(file))
	require.NoError(t, c.RefreshCatalog(context.Background()))
	before := c.Catalog()

	require.NoError(t, os.WriteFile(file, []byte(`{"graphql": {}}`), 0o600))
	assert.ErrorIs(t, c.RefreshCatalog(context.Background()), ErrBadCatalog)
	assert.Same(t, before, c.Catalog())
}

func TestURLSource(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/catalog.json" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"ok": true}`)
	}))
	t.Cleanup(srv.Close)

	b, err := URLSource{URL: srv.URL + "/catalog.json"}.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{"ok": true}`, string(b))

	_, err = URLSource{URL: srv.URL + "/missing"}.Fetch(context.Background())
	assert.Error(t, err)
}

func TestProbeUsesGivenCredential(t *testing.T) {
	t.Parallel()

	srv := newUpstreamServer(t)
	pool := credential.NewPool(bearers(3))
	c := New(pool, nil, WithCatalog(srv.catalog(t)))

	healthy := pool.CheckHealth(context.Background(), c.Probe("alice"))
	assert.Equal(t, map[string]bool{"b0": true, "b1": true, "b2": true}, healthy)
	reqs, _ := srv.seen()
	assert.Len(t, reqs, 3)
}
