package credential

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	logx "xwatch/pkg/logx"
)

// ErrExhausted means every credential was tried without a terminal response.
// It is a soft failure: the caller skips this tick.
var ErrExhausted = errors.New("credential: all credentials exhausted")

// Response is a fully read upstream reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Credential is the label of the credential that produced the reply.
	Credential string
}

// Doer performs one request with the given credential.
// A non-nil error means the request never produced an HTTP status.
type Doer func(ctx context.Context, c Credential) (*Response, error)

// Outcome classifies a single attempt.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeTerminal    Outcome = "terminal"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeAuth        Outcome = "auth"
	OutcomeServer      Outcome = "server"
	OutcomeNetwork     Outcome = "network"
)

// Classify maps an attempt result to an Outcome.
func Classify(resp *Response, err error) Outcome {
	if err != nil {
		return OutcomeNetwork
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return OutcomeOK
	case resp.StatusCode == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return OutcomeAuth
	case resp.StatusCode >= 500:
		return OutcomeServer
	default:
		return OutcomeTerminal
	}
}

// rotate reports whether the next credential should be tried.
func (o Outcome) rotate() bool {
	return o != OutcomeOK && o != OutcomeTerminal
}

// hard reports whether the attempt counts against the credential's health.
func (o Outcome) hard() bool {
	return o == OutcomeAuth || o == OutcomeServer || o == OutcomeNetwork
}

// Stats is a point-in-time view of one credential.
type Stats struct {
	Label        string    `json:"label"`
	Kind         Kind      `json:"kind"`
	Attempts     uint64    `json:"attempts"`
	Successes    uint64    `json:"successes"`
	HardFailures uint64    `json:"hard_failures"`
	RateLimited  uint64    `json:"rate_limited"`
	LastError    string    `json:"last_error,omitempty"`
	LastUsed     time.Time `json:"last_used,omitempty"`
	CoolingUntil time.Time `json:"cooling_until,omitempty"`
}

type slot struct {
	cred Credential

	mu    sync.Mutex
	stats Stats
}

// Pool rotates queries across credentials with a shared cursor.
type Pool struct {
	slots  []*slot
	cursor atomic.Uint64

	log       logx.Logger
	now       func() time.Time
	onAttempt func(label string, o Outcome)
	probeMax  int
}

type Option func(*Pool)

func WithLogger(log logx.Logger) Option { return func(p *Pool) { p.log = log } }

// WithClock swaps time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(p *Pool) { p.now = now } }

// WithAttemptHook is called after every attempt (metrics).
func WithAttemptHook(fn func(label string, o Outcome)) Option {
	return func(p *Pool) { p.onAttempt = fn }
}

// WithStart pins the initial cursor position instead of a random one.
func WithStart(i int) Option {
	return func(p *Pool) { p.cursor.Store(uint64(i)) }
}

// NewPool panics on an empty credential list; Load never returns one.
func NewPool(creds []Credential, opts ...Option) *Pool {
	if len(creds) == 0 {
		panic("credential: NewPool with no credentials")
	}
	p := &Pool{now: time.Now, probeMax: 4}
	for _, c := range creds {
		p.slots = append(p.slots, &slot{cred: c, stats: Stats{Label: c.Label, Kind: c.Kind}})
	}
	p.cursor.Store(rand.Uint64N(uint64(len(creds))))
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pool) Size() int { return len(p.slots) }

// Next returns the credential under the cursor and advances it.
func (p *Pool) Next() Credential {
	i := (p.cursor.Add(1) - 1) % uint64(len(p.slots))
	return p.slots[i].cred
}

// order returns the slots for one query in rotation order, starting at the cursor.
// Credentials cooling down after a 429 go last unless all of them are.
func (p *Pool) order() []*slot {
	n := uint64(len(p.slots))
	start := p.cursor.Load()
	now := p.now()
	ready := make([]*slot, 0, n)
	var cooling []*slot
	for i := uint64(0); i < n; i++ {
		s := p.slots[(start+i)%n]
		s.mu.Lock()
		c := s.stats.CoolingUntil.After(now)
		s.mu.Unlock()
		if c {
			cooling = append(cooling, s)
		} else {
			ready = append(ready, s)
		}
	}
	if len(ready) == 0 {
		return cooling
	}
	return ready
}

// QueryWithRotation runs do with up to Size() distinct credentials.
//
// Network errors, 5xx, 401 and 403 move on and count as hard failures; 429 moves on
// and puts the credential in cooldown. Any other status is returned as is.
func (p *Pool) QueryWithRotation(ctx context.Context, do Doer) (*Response, error) {
	for _, s := range p.order() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.cursor.Add(1)

		resp, err := do(ctx, s.cred)
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o := Classify(resp, err)
		p.record(s, resp, err, o)
		if p.onAttempt != nil {
			p.onAttempt(s.cred.Label, o)
		}
		if !o.rotate() {
			resp.Credential = s.cred.Label
			return resp, nil
		}
		p.log.Debug("credential attempt failed; trying next",
			logx.String("credential", s.cred.Label),
			logx.String("outcome", string(o)),
			logx.Err(err))
	}
	p.log.Warn("all credentials unavailable", logx.Int("credentials", len(p.slots)))
	return nil, ErrExhausted
}

func (p *Pool) record(s *slot, resp *Response, err error, o Outcome) {
	now := p.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &s.stats
	st.Attempts++
	st.LastUsed = now
	switch {
	case o == OutcomeRateLimited:
		st.RateLimited++
		st.CoolingUntil = rateLimitReset(resp.Header, now)
	case o.hard():
		st.HardFailures++
		if err != nil {
			st.LastError = err.Error()
		} else {
			st.LastError = http.StatusText(resp.StatusCode)
		}
	default:
		st.Successes++
	}
}

// rateLimitReset reads x-rate-limit-reset (unix seconds). Without it the
// credential cools down for one minute.
func rateLimitReset(h http.Header, now time.Time) time.Time {
	if h != nil {
		if v, err := strconv.ParseInt(h.Get("x-rate-limit-reset"), 10, 64); err == nil && v > 0 {
			if t := time.Unix(v, 0); t.After(now) {
				return t
			}
		}
	}
	return now.Add(time.Minute)
}

// CheckHealth probes every credential once, without rotation.
// A credential is healthy iff its probe returned 2xx.
func (p *Pool) CheckHealth(ctx context.Context, probe Doer) map[string]bool {
	out := make(map[string]bool, len(p.slots))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.probeMax)
	for _, s := range p.slots {
		g.Go(func() error {
			resp, err := probe(gctx, s.cred)
			ok := err == nil && resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300
			if !ok {
				var ne net.Error
				p.log.Warn("credential probe failed",
					logx.String("credential", s.cred.Label),
					logx.Bool("timeout", errors.As(err, &ne) && ne.Timeout()),
					logx.Err(err))
			}
			mu.Lock()
			out[s.cred.Label] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (p *Pool) Stats() []Stats {
	out := make([]Stats, 0, len(p.slots))
	for _, s := range p.slots {
		s.mu.Lock()
		out = append(out, s.stats)
		s.mu.Unlock()
	}
	return out
}
