package notifier

import (
	"errors"
	"time"
)

var (
	ErrQueueFull     = errors.New("notifier queue full")
	ErrStopped       = errors.New("notifier stopped")
	ErrNoInbound     = errors.New("notifier: sink cannot receive replies")
	ErrConfirmTimeout = errors.New("notifier: confirmation timed out")
)

// Config controls one dispatcher.
type Config struct {
	QueueSize    int
	RatePerSec   float64
	RetryMax     int
	RetryDelay   time.Duration
	SendTimeout  time.Duration
	DedupWindow  time.Duration
	DedupCacheMB int
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 1
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 60 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupCacheMB <= 0 {
		c.DedupCacheMB = 1
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	return c
}

// Message is immutable once enqueued.
type Message struct {
	ID             string
	Destinations   []string
	Text           string
	Photos         []string
	Videos         []string
	DisablePreview bool
}

// Result labels used by the delivery hook.
const (
	ResultSent     = "sent"
	ResultFallback = "text_fallback"
	ResultFailed   = "failed"
	ResultDropped  = "dropped"
	ResultDeduped  = "deduped"
)

type HistoryItem struct {
	At     time.Time `json:"at"`
	ID     string    `json:"id"`
	Dest   string    `json:"destination"`
	Result string    `json:"result"`
	Error  string    `json:"error,omitempty"`
}
