package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	json "github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"xwatch/internal/credential"
	logx "xwatch/pkg/logx"
)

var (
	ErrNotReady         = errors.New("upstream: catalog not loaded")
	ErrUnknownOperation = errors.New("upstream: unknown operation")
)

// StatusError is a terminal non-2xx reply.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: %s returned %d: %s", e.Operation, e.StatusCode, e.Body)
}

// Client executes catalog operations through a credential pool.
type Client struct {
	http   *http.Client
	pool   *credential.Pool
	source CatalogSource
	signer Signer
	log    logx.Logger

	userAgent string
	catalog   atomic.Pointer[Catalog]
	refresh   singleflight.Group

	onQuery func(op string, err error, took time.Duration)
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }
func WithSigner(s Signer) Option            { return func(c *Client) { c.signer = s } }
func WithLogger(log logx.Logger) Option     { return func(c *Client) { c.log = log } }
func WithUserAgent(ua string) Option        { return func(c *Client) { c.userAgent = ua } }

// WithQueryHook observes every Query call (metrics).
func WithQueryHook(fn func(op string, err error, took time.Duration)) Option {
	return func(c *Client) { c.onQuery = fn }
}

// WithCatalog installs a catalog up front; tests use it instead of a source.
func WithCatalog(cat *Catalog) Option {
	return func(c *Client) { c.catalog.Store(cat) }
}

func New(pool *credential.Pool, source CatalogSource, opts ...Option) *Client {
	c := &Client{
		http:   &http.Client{Timeout: 300 * time.Second},
		pool:   pool,
		source: source,
		signer: NopSigner{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Pool() *credential.Pool { return c.pool }

// Init loads the catalog, retrying with a fixed delay until it succeeds,
// maxAttempts is reached (0 = unlimited) or ctx is done.
func (c *Client) Init(ctx context.Context, delay time.Duration, maxAttempts int) error {
	b := retrypolicy.NewBuilder[any]().
		WithDelay(delay).
		AbortOnErrors(context.Canceled, context.DeadlineExceeded).
		ReturnLastFailure().
		OnRetry(func(e failsafe.ExecutionEvent[any]) {
			c.log.Warn("catalog load failed; retrying", logx.Int("attempt", e.Attempts()), logx.Duration("delay", delay), logx.Err(e.LastError()))
		})
	if maxAttempts > 0 {
		b = b.WithMaxAttempts(maxAttempts)
	} else {
		b = b.WithMaxRetries(-1)
	}
	return failsafe.With[any](b.Build()).WithContext(ctx).Run(func() error {
		return c.RefreshCatalog(ctx)
	})
}

// RefreshCatalog fetches and swaps in a new catalog. Concurrent calls share one fetch.
// On failure the previous catalog stays active.
func (c *Client) RefreshCatalog(ctx context.Context) error {
	_, err, _ := c.refresh.Do("catalog", func() (any, error) {
		if c.source == nil {
			return nil, errors.New("upstream: no catalog source")
		}
		b, err := c.source.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		cat, err := ParseCatalog(b)
		if err != nil {
			return nil, err
		}
		c.catalog.Store(cat)
		c.log.Info("catalog loaded", logx.Int("operations", len(cat.Operations)))
		return nil, nil
	})
	return err
}

// Catalog returns the active catalog or nil.
func (c *Client) Catalog() *Catalog { return c.catalog.Load() }

// Query runs a catalog operation and decodes the reply.
//
// credential.ErrExhausted is returned unchanged when no credential produced a
// terminal reply. Error replies that carry account-unavailable codes are
// returned as documents so parsers can report ErrUnavailable.
func (c *Client) Query(ctx context.Context, operation string, variables map[string]any) (doc Document, err error) {
	start := time.Now()
	defer func() {
		if c.onQuery != nil {
			c.onQuery(operation, err, time.Since(start))
		}
	}()

	cat := c.catalog.Load()
	if cat == nil {
		return nil, ErrNotReady
	}
	op, ok := cat.Operations[operation]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, operation)
	}

	vars, err := json.Marshal(variables)
	if err != nil {
		return nil, err
	}
	feats, err := json.Marshal(op.Features)
	if err != nil {
		return nil, err
	}

	resp, err := c.pool.QueryWithRotation(ctx, func(ctx context.Context, cred credential.Credential) (*credential.Response, error) {
		req, err := c.newRequest(ctx, cat, op, vars, feats)
		if err != nil {
			return nil, err
		}
		cred.Apply(req)
		return c.do(req)
	})
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(resp.Body, &doc); err != nil {
		if resp.StatusCode >= 300 {
			return nil, &StatusError{Operation: operation, StatusCode: resp.StatusCode, Body: truncate(string(resp.Body), 300)}
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrBadResponse, operation, err)
	}
	if resp.StatusCode >= 300 {
		codes := errorCodes(doc)
		if slices.Contains(codes, codeUserNotFound) || slices.Contains(codes, codeUserSuspended) {
			return doc, nil
		}
		return nil, &StatusError{Operation: operation, StatusCode: resp.StatusCode, Body: truncate(string(resp.Body), 300)}
	}
	return doc, nil
}

func (c *Client) newRequest(ctx context.Context, cat *Catalog, op Operation, vars, feats []byte) (*http.Request, error) {
	var (
		req *http.Request
		err error
	)
	if op.Method == http.MethodGet {
		u, perr := url.Parse(op.URL)
		if perr != nil {
			return nil, perr
		}
		q := u.Query()
		q.Set("variables", string(vars))
		q.Set("features", string(feats))
		u.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	} else {
		body, merr := json.Marshal(map[string]json.RawMessage{"variables": vars, "features": feats})
		if merr != nil {
			return nil, merr
		}
		req, err = http.NewRequestWithContext(ctx, op.Method, op.URL, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, err
	}

	for k, v := range cat.Headers {
		req.Header.Set(k, v)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	tid, err := c.signer.TransactionID(req.Method, req.URL.Path)
	if err != nil {
		return nil, fmt.Errorf("transaction id: %w", err)
	}
	if tid != "" {
		req.Header.Set("x-client-transaction-id", tid)
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*credential.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, err
	}
	return &credential.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}
