package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pewcast/internal/audience"
	"pewcast/internal/dispatch"
	"pewcast/internal/eventbus"
	"pewcast/internal/lock"
	"pewcast/internal/runtime/supervisor"
	"pewcast/internal/storage"
	logx "pewcast/pkg/logx"
)

var (
	ErrUnknownCampaign = errors.New("scheduler: unknown campaign")
	ErrUnknownCycle    = errors.New("scheduler: unknown cycle")
	ErrCampaignExists  = errors.New("scheduler: campaign already exists")

	// ErrNotEditable is returned when editing a campaign the engine owns.
	ErrNotEditable = errors.New("scheduler: campaign is not editable in its current status")
)

// Config controls the scheduler loop.
type Config struct {
	TickInterval time.Duration
	Timezone     string // IANA TZ, e.g. "Asia/Jakarta"
	// Parallelism bounds how many campaigns one tick evaluates at once.
	Parallelism int

	StoreTimeout  time.Duration
	StoreRetryMax int
	// MaxResolveAttempts is the number of ticks a failing resolution is
	// retried on before the campaign fails.
	MaxResolveAttempts int
}

func (c Config) normalized() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.StoreRetryMax < 0 {
		c.StoreRetryMax = 0
	}
	if c.MaxResolveAttempts <= 0 {
		c.MaxResolveAttempts = 3
	}
	return c
}

// Deps are the collaborators of the service.
type Deps struct {
	Store      storage.Store
	Resolver   *audience.Resolver
	Dispatcher *dispatch.Dispatcher
	Supervisor *supervisor.Supervisor
	Bus        eventbus.Bus
	// Locker guards per-campaign tick work. Nil selects an in-process lock.
	Locker lock.Locker
	// OnTick runs at the start of every tick (watchdog pings).
	OnTick func()
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	store      storage.Store
	resolver   *audience.Resolver
	dispatcher *dispatch.Dispatcher
	sup        *supervisor.Supervisor
	bus        eventbus.Bus
	locker     lock.Locker
	records    *lock.Keyed
	onTick     func()
	now        func() time.Time

	c     *cron.Cron
	entry cron.EntryID

	runsMu sync.Mutex
	runs   map[string]*dispatch.Run // by campaign id

	lastTick     time.Time
	lastTickTook time.Duration
}

// Info is a diagnostics view of the loop.
type Info struct {
	Running      bool
	Timezone     string
	TickInterval time.Duration
	NextTick     time.Time
	LastTick     time.Time
	LastTickTook time.Duration
	ActiveRuns   int
	Limits       dispatch.Limits
}
