package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"pewcast/internal/dispatch"
	"pewcast/internal/lock"
	"pewcast/internal/retry"
	"pewcast/internal/storage"
	logx "pewcast/pkg/logx"
)

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.normalized()
	locker := deps.Locker
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Service{
		log:        log.With(logx.String("comp", "scheduler")),
		cfg:        cfg,
		loc:        loadLocation(cfg.Timezone, log),
		store:      deps.Store,
		resolver:   deps.Resolver,
		dispatcher: deps.Dispatcher,
		sup:        deps.Supervisor,
		bus:        deps.Bus,
		locker:     locker,
		records:    lock.NewKeyed(),
		onTick:     deps.OnTick,
		now:        time.Now,
		runs:       map[string]*dispatch.Run{},
	}
}

func loadLocation(name string, log logx.Logger) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warn("invalid timezone, using local", logx.String("tz", name), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Apply hot-swaps the loop settings. A changed tick interval re-registers
// the cron entry; a changed timezone applies to the next evaluation.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.normalized()
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.cfg
	s.cfg = cfg
	if strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone) {
		s.loc = loadLocation(cfg.Timezone, s.log)
		s.log.Info("timezone changed", logx.String("tz", s.loc.String()))
	}
	if s.c != nil && old.TickInterval != cfg.TickInterval {
		s.c.Remove(s.entry)
		if err := s.addTickLocked(); err != nil {
			s.log.Error("tick re-register failed", logx.Err(err))
			return
		}
		s.log.Info("tick interval changed", logx.Duration("every", cfg.TickInterval))
	}
}

// Run begins ticking. The first tick runs immediately, which also recovers
// campaigns left in processing or sending by a previous process.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if s.store == nil || s.resolver == nil || s.dispatcher == nil || s.sup == nil {
		return errors.New("scheduler: missing dependencies")
	}
	s.c = cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{s.log}),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	if err := s.addTickLocked(); err != nil {
		s.c = nil
		return err
	}
	s.c.Start()
	s.sup.Go0("scheduler:first-tick", s.Tick)
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Duration("tick", s.cfg.TickInterval))
	return nil
}

func (s *Service) addTickLocked() error {
	id, err := s.c.AddFunc(fmt.Sprintf("@every %s", s.cfg.TickInterval), func() {
		s.Tick(s.sup.Context())
	})
	if err != nil {
		return fmt.Errorf("register tick: %w", err)
	}
	s.entry = id
	return nil
}

// Stop halts ticking and checkpoints the counters of live runs. Runs
// themselves stop with the supervisor.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	for _, r := range s.activeRuns() {
		s.checkpoint(ctx, r.CampaignID())
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Info reports loop diagnostics.
func (s *Service) Info() Info {
	s.mu.Lock()
	info := Info{
		Running:      s.c != nil,
		Timezone:     s.loc.String(),
		TickInterval: s.cfg.TickInterval,
		LastTick:     s.lastTick,
		LastTickTook: s.lastTickTook,
	}
	if s.c != nil {
		info.NextTick = s.c.Entry(s.entry).Next
	}
	s.mu.Unlock()

	info.ActiveRuns = len(s.activeRuns())
	if s.dispatcher != nil {
		info.Limits = s.dispatcher.Limiter().Limits()
	}
	return info
}

func (s *Service) run(campaignID string) *dispatch.Run {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	return s.runs[campaignID]
}

func (s *Service) setRun(r *dispatch.Run) {
	s.runsMu.Lock()
	s.runs[r.CampaignID()] = r
	s.runsMu.Unlock()
}

func (s *Service) dropRun(r *dispatch.Run) {
	s.runsMu.Lock()
	if cur, ok := s.runs[r.CampaignID()]; ok && cur == r {
		delete(s.runs, r.CampaignID())
	}
	s.runsMu.Unlock()
}

func (s *Service) activeRuns() []*dispatch.Run {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	out := make([]*dispatch.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	return out
}

// bounded runs one record-store call under the store timeout. It is used
// while holding a campaign's record lock, so it never sleeps for a retry.
func (s *Service) bounded(ctx context.Context, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, s.config().StoreTimeout)
	defer cancel()
	return fn(cctx)
}

// call runs a store call with the store timeout and the small retry budget.
// Not-found answers are final.
func (s *Service) call(ctx context.Context, fn func(ctx context.Context) error) error {
	cfg := s.config()
	p := retry.Policy{MaxRetries: cfg.StoreRetryMax, Base: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
	return retry.Do(ctx, p, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		defer cancel()
		err := fn(cctx)
		if errors.Is(err, storage.ErrNotFound) {
			return retry.NoRetry(err)
		}
		return err
	})
}

// cronLogger routes cron's own logging through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
