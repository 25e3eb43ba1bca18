package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coocood/freecache"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	rtsup "xwatch/internal/runtime/supervisor"
	"xwatch/internal/status"
	"xwatch/internal/transport"
	logx "xwatch/pkg/logx"
)

const historySize = 50

// Dispatcher owns the queue and the consumer for one sink.
//
// It is safe for concurrent use.
type Dispatcher struct {
	mu sync.Mutex

	log     logx.Logger
	sink    transport.Sink
	tracker *status.Tracker
	cfg     Config
	limiter *rate.Limiter
	retry   retrypolicy.RetryPolicy[any]
	dedup   *freecache.Cache

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan Message
	sup       *rtsup.Supervisor
	stopDone  chan struct{}

	onResult func(sink, result string)

	hmu     sync.Mutex
	history []HistoryItem
}

type Option func(*Dispatcher)

// WithResultHook observes every delivery outcome (metrics).
func WithResultHook(fn func(sink, result string)) Option {
	return func(d *Dispatcher) { d.onResult = fn }
}

func New(sink transport.Sink, cfg Config, tracker *status.Tracker, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if tracker == nil {
		tracker = status.New()
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		log:     log.With(logx.String("sink", sink.Name())),
		sink:    sink,
		tracker: tracker,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(1, int(cfg.RatePerSec))),
	}
	if cfg.DedupWindow > 0 {
		d.dedup = freecache.NewCache(cfg.DedupCacheMB << 20)
	}
	d.retry = retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool { return transport.IsTransient(err) }).
		WithDelayFunc(func(e failsafe.ExecutionAttempt[any]) time.Duration {
			return max(cfg.RetryDelay, transport.RetryDelay(e.LastError()))
		}).
		WithMaxAttempts(cfg.RetryMax).
		ReturnLastFailure().
		OnRetry(func(e failsafe.ExecutionEvent[any]) {
			d.log.Debug("delivery failed; retrying", logx.Int("attempt", e.Attempts()), logx.Err(e.LastError()))
		}).
		Build()
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) Name() string { return d.sink.Name() }

// Sink returns the transport this dispatcher delivers to.
func (d *Dispatcher) Sink() transport.Sink { return d.sink }

// Depth is the number of queued messages.
func (d *Dispatcher) Depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Supervisor returns the dispatcher's internal supervisor (nil if not started).
func (d *Dispatcher) Supervisor() *rtsup.Supervisor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sup
}

// Start launches the consumer. It is idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		d.mu.Lock()
	}
	if d.queue != nil {
		d.mu.Unlock()
		return
	}
	d.queue = make(chan Message, d.cfg.QueueSize)
	d.accepting = true
	// Only Stop ends the consumer, so a canceled parent still drains.
	d.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(d.log.With(logx.String("comp", "notifier"))),
		rtsup.WithCancelOnError(false),
	)
	sup, q := d.sup, d.queue
	d.mu.Unlock()

	sup.GoRestart("consumer", func(c context.Context) error {
		d.consume(c, q)
		d.mu.Lock()
		stopping := d.stopDone != nil
		d.mu.Unlock()
		if stopping {
			return context.Canceled
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("notifier consumer exited unexpectedly")
	}, rtsup.WithPublishFirstError(true))
}

// Enqueue hands m to the consumer without blocking.
func (d *Dispatcher) Enqueue(m Message) error {
	return d.enqueue(m, true)
}

func (d *Dispatcher) enqueue(m Message, dedup bool) error {
	d.mu.Lock()
	if !d.accepting || d.queue == nil {
		d.mu.Unlock()
		return ErrStopped
	}
	q := d.queue
	d.sendWG.Add(1)
	d.mu.Unlock()
	defer d.sendWG.Done()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if dedup && !d.dedupAllow(m) {
		d.log.Debug("duplicate notification suppressed", logx.String("id", m.ID))
		d.result(ResultDeduped)
		return nil
	}
	select {
	case q <- m:
		return nil
	default:
		d.log.Warn("notifier queue full; dropping message",
			logx.String("id", m.ID), logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
		d.result(ResultDropped)
		return ErrQueueFull
	}
}

// dedupAllow records m and reports whether it was not seen within the window.
func (d *Dispatcher) dedupAllow(m Message) bool {
	if d.dedup == nil {
		return true
	}
	key := dedupKey(d.sink.Name(), m)
	if _, err := d.dedup.Get(key); err == nil {
		return false
	}
	ttl := max(1, int(d.cfg.DedupWindow/time.Second))
	_ = d.dedup.Set(key, []byte{1}, ttl)
	return true
}

func dedupKey(sink string, m Message) []byte {
	parts := make([]string, 0, 5)
	for _, part := range [][]string{{sink}, m.Destinations, {m.Text}, m.Photos, m.Videos} {
		parts = append(parts, strings.Join(part, "\x00"))
	}
	return []byte(strings.Join(parts, "\xff"))
}

// Stop stops intake and drains the queue until DrainTimeout or ctx, whichever is
// first. Messages still queued after that are abandoned.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	q, sup := d.queue, d.sup
	if q == nil {
		d.mu.Unlock()
		return
	}
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	d.stopDone = done
	d.accepting = false
	d.mu.Unlock()

	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close so the consumer drains and exits.
		d.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		d.mu.Lock()
		d.queue = nil
		d.stopDone = nil
		d.sup = nil
		d.mu.Unlock()
	}()

	grace := time.NewTimer(d.cfg.DrainTimeout)
	defer grace.Stop()
	select {
	case <-done:
		return
	case <-ctx.Done():
	case <-grace.C:
	}
	if n := len(q); n > 0 {
		d.log.Warn("notifier stopped with undelivered messages", logx.Int("abandoned", n))
	}
	sup.Cancel()
	<-done
}

func (d *Dispatcher) consume(ctx context.Context, q <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-q:
			if !ok {
				return
			}
			d.deliver(ctx, m)
		}
	}
}

// deliver sends m to each destination. Failures are recorded and never returned.
func (d *Dispatcher) deliver(ctx context.Context, m Message) {
	for _, dest := range m.Destinations {
		del := transport.Delivery{
			Destination:    dest,
			Text:           m.Text,
			Photos:         m.Photos,
			Videos:         m.Videos,
			DisablePreview: m.DisablePreview,
		}
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
		result := ResultSent
		rest, err := d.send(ctx, del)
		if errors.Is(err, transport.ErrContentRejected) && rest.HasMedia() {
			result = ResultFallback
			if rest.Text == "" {
				d.log.Warn("media rejected; text already delivered", logx.String("id", m.ID), logx.String("destination", dest), logx.Err(err))
				err = nil
			} else {
				d.log.Warn("media rejected; resending text only", logx.String("id", m.ID), logx.String("destination", dest), logx.Err(err))
				_, err = d.send(ctx, rest.TextOnly())
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			result = ResultFailed
			d.tracker.SinkFailed(d.sink.Name())
			d.log.Error("notification dropped", logx.String("id", m.ID), logx.String("destination", dest), logx.Err(err))
		} else {
			d.tracker.SinkSucceeded(d.sink.Name())
		}
		d.result(result)
		d.appendHistory(HistoryItem{At: time.Now(), ID: m.ID, Dest: dest, Result: result, Error: errString(err)})
	}
}

// send runs one delivery under the transient retry policy. A retry resends
// only what the previous attempt left undelivered; rest is that remainder.
func (d *Dispatcher) send(ctx context.Context, del transport.Delivery) (rest transport.Delivery, err error) {
	rest = del
	err = failsafe.With(d.retry).WithContext(ctx).Run(func() error {
		cctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		defer cancel()
		err := d.sink.Send(cctx, rest)
		rest = transport.Remaining(rest, err)
		return err
	})
	return rest, err
}

// Confirm asks dest a yes/no question and waits for an answer from that chat.
// Replies other than y, yes, n or no are ignored.
func (d *Dispatcher) Confirm(ctx context.Context, dest, question string, timeout time.Duration) (bool, error) {
	recv, ok := d.sink.(transport.Receiver)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNoInbound, d.sink.Name())
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	in, unsubscribe, err := recv.Subscribe(ctx)
	if err != nil {
		return false, err
	}
	defer unsubscribe()

	if err := d.enqueue(Message{Destinations: []string{dest}, Text: question}, false); err != nil {
		return false, err
	}
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return false, ErrConfirmTimeout
			}
			return false, ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return false, ErrStopped
			}
			if msg.Destination != dest && msg.From != dest {
				continue
			}
			switch strings.ToLower(strings.TrimSpace(msg.Text)) {
			case "y", "yes":
				return true, nil
			case "n", "no":
				return false, nil
			}
		}
	}
}

func (d *Dispatcher) result(r string) {
	if d.onResult != nil {
		d.onResult(d.sink.Name(), r)
	}
}

func (d *Dispatcher) appendHistory(it HistoryItem) {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	d.history = append(d.history, it)
	if len(d.history) > historySize {
		d.history = d.history[len(d.history)-historySize:]
	}
}

// History returns recent delivery results, oldest first.
func (d *Dispatcher) History() []HistoryItem {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	return append([]HistoryItem(nil), d.history...)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
