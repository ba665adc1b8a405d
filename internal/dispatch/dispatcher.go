package dispatch

import (
	"sync/atomic"
	"time"

	"pewcast/internal/retry"
	"pewcast/internal/runtime/supervisor"
	"pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

// Config is the per-send behaviour of the dispatcher.
type Config struct {
	Retry       retry.Policy
	SendTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	return c
}

// Dispatcher runs one worker per sending cycle. All workers share a single
// Limiter, so the global send rate holds no matter how many campaigns send
// concurrently.
type Dispatcher struct {
	log       logx.Logger
	transport transport.Transport
	limiter   *Limiter
	sup       *supervisor.Supervisor
	cfg       atomic.Pointer[Config]
	now       func() time.Time
}

// New creates a dispatcher whose workers live under sup.
func New(sup *supervisor.Supervisor, tr transport.Transport, lim *Limiter, cfg Config, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		log:       log.With(logx.String("comp", "dispatch")),
		transport: tr,
		limiter:   lim,
		sup:       sup,
		now:       time.Now,
	}
	d.Apply(cfg)
	return d
}

// Apply swaps retry and timeout settings; running workers pick them up on
// their next attempt.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.normalized()
	d.cfg.Store(&cfg)
}

func (d *Dispatcher) config() Config { return *d.cfg.Load() }

func (d *Dispatcher) Limiter() *Limiter { return d.limiter }

// Start launches a worker for job. The worker stops when the cycle drains,
// when the run is canceled, or when the supervisor shuts down.
func (d *Dispatcher) Start(job Job, rec Recorder) *Run {
	r := newRun(d, job, rec)
	r.log.Info("dispatch started",
		logx.Int64("total", r.total),
		logx.Int("pending", len(r.pending)),
		logx.String("transport", d.transport.Name()),
	)
	d.sup.Go0("dispatch:"+job.CycleID, r.loop)
	return r
}
