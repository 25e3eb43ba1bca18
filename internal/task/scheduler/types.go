package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"xwatch/internal/task/engine"
	logx "xwatch/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means Local
}

// Re-export execution types from engine.
type OverlapPolicy = engine.OverlapPolicy

type TaskOptions = engine.TaskOptions

type HistoryItem = engine.HistoryItem

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

// Enqueuer accepts triggered tasks; engine.Service implements it.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type scheduleDef struct {
	id            string
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           func(ctx context.Context) error
	entryID       cron.EntryID
	startupSpread time.Duration // initial random delay for @every schedules
	opt           TaskOptions
	state         *engine.RunState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	engine Enqueuer

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// Enqueue error throttling: key is schedule name.
	enqMu   sync.Mutex
	enqWarn map[string]*rate.Sometimes
}

type ScheduleInfo struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Spec          string        `json:"spec"`
	Timeout       time.Duration `json:"timeout"`
	StartupSpread time.Duration `json:"startup_spread,omitempty"`
	Busy          bool          `json:"busy"`
	Next          time.Time     `json:"next,omitempty"`
	Prev          time.Time     `json:"prev,omitempty"`
}

type Snapshot struct {
	Timezone  string         `json:"timezone"`
	Running   bool           `json:"running"`
	Schedules []ScheduleInfo `json:"schedules"`
}
