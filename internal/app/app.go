package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pewcast/internal/audience"
	"pewcast/internal/campaign"
	"pewcast/internal/config"
	"pewcast/internal/dispatch"
	"pewcast/internal/eventbus"
	"pewcast/internal/lock"
	"pewcast/internal/runtime/supervisor"
	"pewcast/internal/scheduler"
	"pewcast/internal/storage"
	"pewcast/internal/transport"
	"pewcast/internal/transport/telegram"
	logx "pewcast/pkg/logx"
)

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

const receiptTimeout = 10 * time.Second

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service

	bus    eventbus.Bus
	store  storage.Store
	redis  *redis.Client
	locker lock.Locker

	transport transport.Transport
	tg        *telegram.Client // also the command source when commands are on

	sup        *supervisor.Supervisor
	limiter    *dispatch.Limiter
	dispatcher *dispatch.Dispatcher
	sched      *scheduler.Service
	cmds       *Commands
	sd         *sdNotifier

	updates chan transport.Update
}

// New loads the config and opens storage, locking and the transport. The
// engine itself is built by Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		updates: make(chan transport.Update, 256),
	}
	a.sd = newSDNotifier(a.log)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	sc, _ := mapStorageConfig(cfg)
	if a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage"))); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	if a.locker, err = a.openLocker(ctx, cfg); err != nil {
		return nil, err
	}

	driver, _ := transportDriver(cfg)
	if driver == "telegram" || cfg.Telegram.Commands {
		poll, _ := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if a.tg, err = telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, log); err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
	}
	switch driver {
	case "telegram":
		a.transport = a.tg
	default:
		a.transport = transport.NewLog(log, true)
	}
	a.log.Info("transport ready", logx.String("driver", a.transport.Name()), logx.Bool("commands", cfg.Telegram.Commands))

	ok = true
	return a, nil
}

func (a *App) openLocker(ctx context.Context, cfg *config.Config) (lock.Locker, error) {
	url := strings.TrimSpace(cfg.Lock.RedisURL)
	if url == "" {
		return lock.NewLocal(), nil
	}
	ttl, _ := mapLockTTL(cfg)
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := lock.Dial(dctx, url)
	if err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}
	a.redis = client
	a.log.Info("redis lease enabled", logx.Duration("ttl", ttl))
	return lock.Chain{lock.NewLocal(), lock.NewRedis(client, "", ttl)}, nil
}

// Scheduler exposes the campaign API once the app has started.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Store exposes the record store, mainly for seeding contacts and messages.
func (a *App) Store() storage.Store { return a.store }

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start builds the engine and begins scheduling.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	ecfg, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	dcfg, limits, err := mapDispatchConfig(cfg)
	if err != nil {
		return err
	}

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.limiter = dispatch.NewLimiter(limits)
	a.dispatcher = dispatch.New(a.sup, a.transport, a.limiter, dcfg, a.log)
	a.sched = scheduler.New(ecfg, scheduler.Deps{
		Store:      a.store,
		Resolver:   audience.NewResolver(a.store, a.store),
		Dispatcher: a.dispatcher,
		Supervisor: a.sup,
		Bus:        a.bus,
		Locker:     a.locker,
		OnTick:     a.sd.Tick,
	}, a.log)

	if rs, ok := a.transport.(transport.ReceiptSource); ok {
		rs.SetReceiptHandler(a.onReceipt)
	}

	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validateConfig(c) })

	if err := a.sched.Run(a.sup.Context()); err != nil {
		return err
	}

	if a.tg != nil && cfg.Telegram.Commands {
		a.cmds = NewCommands(a.log, a.sched, a.tg, cfg.Telegram.OwnerUserIDs)
		if err := a.tg.Start(a.sup.Context(), a.updates); err != nil {
			return fmt.Errorf("telegram start: %w", err)
		}
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.cmds.DispatchLoop(c, a.updates)
		})
	}

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		a.sd.WatchdogLoop(c, func() time.Duration {
			// A tick may legitimately run long; allow two intervals of slack.
			return 2*a.sched.Info().TickInterval + time.Minute
		})
	})

	a.sd.Ready()
	a.log.Info("app started", logx.String("transport", a.transport.Name()))
	return nil
}

func (a *App) onReceipt(rc transport.Receipt) {
	ctx, cancel := context.WithTimeout(a.sup.Context(), receiptTimeout)
	defer cancel()
	if err := a.sched.RecordDelivery(ctx, rc); err != nil {
		lvl := a.log.Warn
		if errors.Is(err, context.Canceled) {
			lvl = a.log.Debug
		}
		lvl("receipt not applied",
			logx.String("cycle", rc.CycleID),
			logx.String("contact", rc.ContactID),
			logx.String("result", string(rc.Result)),
			logx.Err(err),
		)
	}
}

// logEvents mirrors engine events at debug level and summarizes closed cycles.
func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch d := e.Data.(type) {
			case campaign.Cycle:
				a.log.Info("cycle closed",
					logx.String("campaign", d.CampaignID),
					logx.String("cycle", d.ID),
					logx.String("status", string(d.Status)),
					logx.Any("stats", d.Stats),
				)
			default:
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}
}

// reloadLoop applies hot-reloadable settings and warns about the rest.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			ch := config.Summarize(lastApplied, newCfg)
			lastApplied = newCfg
			if ch.Empty() {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			a.apply(newCfg)
			if len(ch.Restart) > 0 {
				a.log.Warn("config keys changed that need a restart", logx.Strings("keys", ch.Restart))
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) apply(cfg *config.Config) {
	a.logs.Apply(mapLogConfig(cfg))
	if a.cmds != nil {
		a.cmds.SetOwners(cfg.Telegram.OwnerUserIDs)
	}
	if ecfg, err := mapEngineConfig(cfg); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(ecfg)
	}
	if dcfg, limits, err := mapDispatchConfig(cfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.limiter.Apply(limits)
		a.dispatcher.Apply(dcfg)
	}
}

// Stop shuts down in dependency order. Each step is bounded so one stuck
// component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel first so dispatch workers stop claiming recipients.
	a.sup.Cancel()

	a.step(ctx, "scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "telegram", 3*time.Second, func(c context.Context) error {
		if a.tg != nil {
			return a.tg.Stop(c)
		}
		return nil
	})
	a.step(ctx, "supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "resources", 2*time.Second, func(context.Context) error { a.closeResources(); return nil })

	a.log.Info("stopped", logx.Int64("bus_dropped", int64(a.bus.Dropped())))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeResources() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("redis close failed", logx.Err(err))
		}
		a.redis = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
