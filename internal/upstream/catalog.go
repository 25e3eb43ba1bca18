package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	json "github.com/goccy/go-json"
)

// Operation is one catalog entry.
type Operation struct {
	URL      string         `json:"url"`
	Method   string         `json:"method"`
	Features map[string]any `json:"features"`
}

// Catalog maps operation names to endpoints plus the headers every request carries.
type Catalog struct {
	Operations map[string]Operation
	Headers    map[string]string
}

type catalogDoc struct {
	GraphQL map[string]Operation `json:"graphql"`
	Header  map[string]string    `json:"header"`
}

// ErrBadCatalog means the catalog document itself is unusable.
var ErrBadCatalog = errors.New("upstream: bad catalog")

// ParseCatalog decodes the catalog document:
//
//	{"graphql": {"UserByRestId": {"url": ..., "method": "GET", "features": {...}}}, "header": {...}}
func ParseCatalog(b []byte) (*Catalog, error) {
	var doc catalogDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadCatalog, err)
	}
	if len(doc.GraphQL) == 0 {
		return nil, fmt.Errorf("%w: no graphql operations", ErrBadCatalog)
	}
	if len(doc.Header) == 0 {
		return nil, fmt.Errorf("%w: no headers", ErrBadCatalog)
	}
	for name, op := range doc.GraphQL {
		if op.URL == "" {
			return nil, fmt.Errorf("%w: operation %s has no url", ErrBadCatalog, name)
		}
		op.Method = strings.ToUpper(strings.TrimSpace(op.Method))
		if op.Method == "" {
			op.Method = http.MethodGet
		}
		doc.GraphQL[name] = op
	}
	return &Catalog{Operations: doc.GraphQL, Headers: doc.Header}, nil
}

// CatalogSource fetches raw catalog bytes.
type CatalogSource interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// FileSource reads a local catalog.
type FileSource string

func (f FileSource) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(string(f))
}

// URLSource downloads the catalog over HTTP.
type URLSource struct {
	URL    string
	Client *http.Client
}

func (s URLSource) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	hc := s.Client
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog fetch: %s: %s", resp.Status, truncate(string(body), 200))
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
