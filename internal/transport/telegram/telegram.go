// Package telegram is the Bot API sink. Text goes out with Send, media as one
// album per delivery. Long polling runs only while someone is subscribed to
// inbound messages.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "xwatch/internal/runtime/supervisor"
	"xwatch/internal/transport"
	logx "xwatch/pkg/logx"
)

const Name = "telegram"

const (
	textLimit    = 4000
	captionLimit = 1024
	albumLimit   = 10
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// URL overrides the Bot API endpoint (tests, local bot servers).
	URL string
	// Offline skips the getMe call at construction.
	Offline bool
	Client  *http.Client
}

type Sink struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	runMu   sync.Mutex
	sup     *rtsup.Supervisor
	polling bool

	subMu   sync.Mutex
	subs    map[int]chan transport.Inbound
	nextSub int

	// droppedUpdates counts inbound messages a slow subscriber did not take.
	droppedUpdates atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.URL,
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Client:  cfg.Client,
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sink{cfg: cfg, log: log, bot: b, subs: map[int]chan transport.Inbound{}}
	s.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		in := transport.Inbound{Destination: strconv.FormatInt(m.Chat.ID, 10), Text: m.Text}
		if m.Sender != nil {
			in.From = strconv.FormatInt(m.Sender.ID, 10)
		}
		s.deliver(in)
		return nil
	})
	return s, nil
}

func (s *Sink) Name() string { return Name }

func (s *Sink) deliver(in transport.Inbound) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- in:
		default:
			s.droppedUpdates.Add(1)
		}
	}
}

// Subscribe starts long polling on first use and streams text messages until
// cancel is called or ctx is done.
func (s *Sink) Subscribe(ctx context.Context) (<-chan transport.Inbound, func(), error) {
	if err := s.startPolling(); err != nil {
		return nil, nil, err
	}
	ch := make(chan transport.Inbound, 16)
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel, nil
}

func (s *Sink) startPolling() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.polling {
		return nil
	}
	s.polling = true
	s.sup = rtsup.New(context.Background(),
		rtsup.WithLogger(s.log.With(logx.String("comp", "telegram.poller"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				if n := s.droppedUpdates.Swap(0); n > 0 {
					s.log.Warn("incoming messages dropped (subscriber full)", logx.Uint64("count", n))
				}
				return
			case <-ticker.C:
				if n := s.droppedUpdates.Swap(0); n > 0 {
					s.log.Warn("incoming messages dropped (subscriber full)", logx.Uint64("count", n))
				}
			}
		}
	})
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		s.bot.Stop()
	})
	// telebot's Start blocks until Stop; restart it if it returns early.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		s.log.Info("polling started")
		s.bot.Start()
		s.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

// Close stops polling if it was started. It never blocks past a short grace.
func (s *Sink) Close(ctx context.Context) error {
	s.runMu.Lock()
	sup := s.sup
	s.sup = nil
	wasPolling := s.polling
	s.polling = false
	s.runMu.Unlock()

	s.subMu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.subMu.Unlock()

	if !wasPolling || sup == nil {
		return nil
	}
	sup.Cancel()
	go s.bot.Stop()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			s.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		s.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// Send delivers to the chat id in d.Destination.
func (s *Sink) Send(ctx context.Context, d transport.Delivery) error {
	return transport.Redact(s.send(ctx, d), s.cfg.Token)
}

func (s *Sink) send(ctx context.Context, d transport.Delivery) error {
	id, err := strconv.ParseInt(strings.TrimSpace(d.Destination), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q", d.Destination)
	}
	chat := tele.ChatID(id)
	opts := &tele.SendOptions{DisableWebPagePreview: d.DisablePreview}

	if !d.HasMedia() {
		return s.sendText(ctx, chat, d.Text, opts)
	}

	caption := d.Text
	rest := d
	sent := false
	if len([]rune(caption)) > captionLimit {
		if err := s.sendText(ctx, chat, caption, opts); err != nil {
			return err
		}
		caption, rest.Text, sent = "", "", true
	}
	album := make(tele.Album, 0, len(d.Photos)+len(d.Videos))
	for _, p := range d.Photos {
		album = append(album, &tele.Photo{File: tele.FromURL(p)})
	}
	for _, v := range d.Videos {
		album = append(album, &tele.Video{File: tele.FromURL(v)})
	}
	for start := 0; start < len(album); start += albumLimit {
		if err := ctx.Err(); err != nil {
			return err
		}
		part := album[start:min(start+albumLimit, len(album))]
		if start == 0 && caption != "" {
			setCaption(part[0], caption)
		}
		if _, err := s.bot.SendAlbum(chat, part, opts); err != nil {
			if !sent {
				return classify(err, true)
			}
			return transport.Partial(classify(err, true), rest)
		}
		// Album items are photos first, then videos.
		n := start + len(part)
		rest.Text, sent = "", true
		rest.Photos = d.Photos[min(n, len(d.Photos)):]
		rest.Videos = d.Videos[max(0, n-len(d.Photos)):]
	}
	return nil
}

func (s *Sink) sendText(ctx context.Context, chat tele.ChatID, text string, opts *tele.SendOptions) error {
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.bot.Send(chat, chunk, opts); err != nil {
			return classify(err, false)
		}
	}
	return nil
}

func setCaption(item tele.Inputtable, caption string) {
	switch x := item.(type) {
	case *tele.Photo:
		x.Caption = caption
	case *tele.Video:
		x.Caption = caption
	}
}

var (
	codeSuffix  = regexp.MustCompile(`\((\d{3})\)\s*$`)
	retryAfterN = regexp.MustCompile(`retry after (\d+)`)
)

// classify maps Bot API failures onto the transport error kinds.
func classify(err error, media bool) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "retry after") || strings.Contains(msg, "too many requests") {
		var wait time.Duration
		if m := retryAfterN.FindStringSubmatch(msg); m != nil {
			n, _ := strconv.Atoi(m[1])
			wait = time.Duration(n) * time.Second
		}
		return transport.Transient(err, wait)
	}

	code := 0
	var te *tele.Error
	if errors.As(err, &te) {
		code = te.Code
	} else if m := codeSuffix.FindStringSubmatch(msg); m != nil {
		code, _ = strconv.Atoi(m[1])
	}
	switch {
	case code == http.StatusTooManyRequests || code >= 500:
		return transport.Transient(err, 0)
	case code == http.StatusBadRequest && media:
		return fmt.Errorf("%w: %w", transport.ErrContentRejected, err)
	case code != 0:
		return err
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return transport.Transient(err, 0)
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "connection") || strings.Contains(msg, "eof") {
		return transport.Transient(err, 0)
	}
	return err
}

// splitText cuts s into chunks of at most limit runes, preferring newline boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid extremely small chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
