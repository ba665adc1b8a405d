package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"pewcast/internal/campaign"
	"pewcast/internal/dispatch"
	"pewcast/internal/eventbus"
	"pewcast/internal/lock"
	"pewcast/internal/storage"
	logx "pewcast/pkg/logx"
)

// Tick evaluates every non-terminal campaign once. Campaigns are evaluated
// in parallel up to Config.Parallelism; a campaign whose previous
// evaluation is still running is skipped.
func (s *Service) Tick(ctx context.Context) {
	if s.onTick != nil {
		s.onTick()
	}
	start := time.Now()
	cfg := s.config()

	var list []*campaign.Campaign
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		list, err = s.store.ListCampaigns(ctx, campaign.NonTerminalStatuses...)
		return err
	})
	if err != nil {
		s.log.Warn("tick skipped, campaign list failed", logx.Err(err))
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Parallelism)
	for _, c := range list {
		id := c.ID
		g.Go(func() error {
			s.evaluate(gctx, id)
			return nil
		})
	}
	_ = g.Wait()

	took := time.Since(start)
	s.mu.Lock()
	s.lastTick = start
	s.lastTickTook = took
	s.mu.Unlock()
	if took > cfg.TickInterval {
		s.log.Warn("tick slower than interval", logx.Duration("took", took), logx.Duration("every", cfg.TickInterval))
	}
}

// kick evaluates one campaign right away instead of waiting for the next tick.
func (s *Service) kick(id string) {
	if s.sup == nil {
		return
	}
	s.sup.Go0("scheduler:kick:"+id, func(ctx context.Context) { s.evaluate(ctx, id) })
}

func (s *Service) evaluate(ctx context.Context, id string) {
	lease, err := s.locker.TryLock(ctx, "campaign:"+id)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			s.log.Debug("campaign busy, skipped", logx.String("campaign", id))
		} else {
			s.log.Warn("campaign lock failed", logx.String("campaign", id), logx.Err(err))
		}
		return
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("campaign unlock failed", logx.String("campaign", id), logx.Err(err))
		}
	}()

	c, err := s.load(ctx, id)
	if err != nil {
		s.log.Warn("campaign load failed", logx.String("campaign", id), logx.Err(err))
		return
	}
	switch c.Status {
	case campaign.StatusScheduled:
		if s.evaluateScheduled(ctx, id) {
			s.resolve(ctx, id)
		}
	case campaign.StatusProcessing:
		s.resolve(ctx, id)
	case campaign.StatusSending:
		s.ensureRun(ctx, id)
	case campaign.StatusPaused:
		s.checkpoint(ctx, id)
	}
}

// evaluateScheduled fires a due campaign. It reports whether the campaign
// moved to processing.
func (s *Service) evaluateScheduled(ctx context.Context, id string) bool {
	unlock := s.records.Lock(id)
	defer unlock()

	c, err := s.load(ctx, id)
	if err != nil || c.Status != campaign.StatusScheduled {
		return false
	}
	now := s.now()
	loc := c.Location(s.location())

	switch sch := c.Schedule.(type) {
	case campaign.Immediate:
		if !c.Window.Accepts(now.In(loc)) {
			return false
		}
	case campaign.OnceAt:
		if now.Before(sch.At) {
			return false
		}
		if !c.Window.Accepts(now.In(loc)) {
			s.log.Debug("held by window", logx.String("campaign", id), logx.String("window", c.Window.String()))
			return false
		}
	case campaign.Recurring:
		if c.NextFireAt.IsZero() {
			s.planNext(ctx, c, now, loc)
			return false
		}
		if now.Before(c.NextFireAt) {
			return false
		}
		// Both the occurrence and the activation instant must fall inside
		// the window. A late tick past the window counts as a miss.
		if !c.Window.Accepts(c.NextFireAt.In(loc)) || !c.Window.Accepts(now.In(loc)) {
			s.log.Info("occurrence outside window, skipped",
				logx.String("campaign", id),
				logx.Time("occurrence", c.NextFireAt),
				logx.Time("now", now),
				logx.String("window", c.Window.String()),
			)
			after := c.NextFireAt.Add(time.Second)
			if now.After(after) {
				after = now
			}
			s.planNext(ctx, c, after, loc)
			return false
		}
	default:
		return false
	}

	if err := s.beginCycle(ctx, c, campaign.EventFire); err != nil {
		s.log.Warn("fire failed", logx.String("campaign", id), logx.Err(err))
		return false
	}
	return true
}

// planNext stores the next recurring occurrence at or after from, or expires
// the campaign when the rule has none left.
func (s *Service) planNext(ctx context.Context, c *campaign.Campaign, from time.Time, loc *time.Location) {
	rec, ok := c.Schedule.(campaign.Recurring)
	if !ok {
		return
	}
	next, ok, err := campaign.NextOccurrence(rec.Rule, from, loc)
	if err != nil {
		s.fail(ctx, c, fmt.Sprintf("recurrence rule: %v", err))
		return
	}
	if !ok {
		c.NextFireAt = time.Time{}
		if _, err := s.transition(ctx, c, campaign.EventExpire, "recurrence ended"); err != nil {
			s.log.Warn("expire failed", logx.String("campaign", c.ID), logx.Err(err))
		}
		return
	}
	c.NextFireAt = next
	if err := s.save(ctx, c); err != nil {
		s.log.Warn("next occurrence save failed", logx.String("campaign", c.ID), logx.Err(err))
		return
	}
	s.log.Debug("next occurrence planned", logx.String("campaign", c.ID), logx.Time("at", next))
}

// beginCycle opens a new dispatch cycle and moves c to processing on ev.
func (s *Service) beginCycle(ctx context.Context, c *campaign.Campaign, ev campaign.Event) error {
	if _, err := campaign.Next(c.Status, ev); err != nil {
		return err
	}
	c.CycleID = uuid.NewString()
	c.CycleSeq++
	c.Stats = campaign.Statistics{}
	c.ResolveAttempts = 0
	c.FailureReason = ""
	c.FiredAt = time.Time{}
	if c.IsRecurring() {
		c.FiredAt = c.NextFireAt
	}
	c.NextFireAt = time.Time{}

	cy := campaign.Cycle{
		ID:         c.CycleID,
		CampaignID: c.ID,
		Seq:        c.CycleSeq,
		MessageRef: c.MessageRef,
		Status:     campaign.StatusProcessing,
		StartedAt:  s.now(),
	}
	if err := s.bounded(ctx, func(ctx context.Context) error { return s.store.PutCycle(ctx, cy) }); err != nil {
		return fmt.Errorf("open cycle: %w", err)
	}
	_, err := s.transition(ctx, c, ev, "")
	return err
}

// resolve expands the recipient set of a processing campaign and hands the
// cycle to the dispatcher. Store calls happen without the record lock.
func (s *Service) resolve(ctx context.Context, id string) {
	unlock := s.records.Lock(id)
	c, err := s.load(ctx, id)
	unlock()
	if err != nil || c.Status != campaign.StatusProcessing {
		return
	}
	cycleID := c.CycleID

	var (
		msg storage.Message
		ids []string
	)
	err = s.call(ctx, func(ctx context.Context) error {
		var err error
		msg, err = s.store.GetMessage(ctx, c.MessageRef)
		return err
	})
	if err != nil {
		err = fmt.Errorf("message %s: %w", c.MessageRef, err)
	} else {
		err = s.call(ctx, func(ctx context.Context) error {
			var err error
			ids, err = s.resolver.Resolve(ctx, c.Recipients)
			return err
		})
	}

	unlock = s.records.Lock(id)
	defer unlock()
	c, lerr := s.load(ctx, id)
	if lerr != nil {
		s.log.Warn("campaign reload failed", logx.String("campaign", id), logx.Err(lerr))
		return
	}
	if c.Status != campaign.StatusProcessing || c.CycleID != cycleID {
		return
	}

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.ResolveAttempts++
		if errors.Is(err, storage.ErrNotFound) || c.ResolveAttempts >= s.config().MaxResolveAttempts {
			s.fail(ctx, c, fmt.Sprintf("recipient resolution failed after %d attempt(s): %v", c.ResolveAttempts, err))
			return
		}
		s.log.Warn("recipient resolution failed, retrying next tick",
			logx.String("campaign", id),
			logx.Int("attempt", c.ResolveAttempts),
			logx.Err(err),
		)
		if err := s.save(ctx, c); err != nil {
			s.log.Warn("campaign save failed", logx.String("campaign", id), logx.Err(err))
		}
		return
	}

	if err := s.bounded(ctx, func(ctx context.Context) error { return s.store.PutRecipients(ctx, cycleID, ids) }); err != nil {
		s.log.Warn("recipient set save failed", logx.String("campaign", id), logx.Err(err))
		return
	}
	c.Stats = campaign.Statistics{Total: int64(len(ids))}
	c.ResolveAttempts = 0
	s.log.Info("recipients resolved", logx.String("campaign", id), logx.String("cycle", cycleID), logx.Int("total", len(ids)))

	if len(ids) == 0 {
		s.completeCycle(ctx, c, "no recipients")
		return
	}
	if _, err := s.transition(ctx, c, campaign.EventResolveDone, ""); err != nil {
		s.log.Warn("resolve-done failed", logx.String("campaign", id), logx.Err(err))
		return
	}
	s.updateCycle(ctx, c, campaign.StatusSending, false)
	s.startRun(c, msg, ids, nil)
}

func (s *Service) startRun(c *campaign.Campaign, msg storage.Message, ids []string, recovered []campaign.Outcome) {
	r := s.dispatcher.Start(dispatch.Job{
		CampaignID: c.ID,
		CycleID:    c.CycleID,
		Message:    msg,
		Recipients: ids,
		Recovered:  recovered,
	}, cycleSink{s: s})
	s.setRun(r)
}

// ensureRun makes sure a sending campaign has a live dispatch worker,
// rebuilding it from the persisted recipient set and outcomes after a
// restart.
func (s *Service) ensureRun(ctx context.Context, id string) {
	if r := s.run(id); r != nil {
		select {
		case <-r.Done():
			s.dropRun(r)
		default:
			s.checkpoint(ctx, id)
			return
		}
	}

	c, err := s.load(ctx, id)
	if err != nil || c.Status != campaign.StatusSending {
		return
	}
	var (
		msg  storage.Message
		ids  []string
		outs []campaign.Outcome
	)
	err = s.call(ctx, func(ctx context.Context) error {
		var err error
		msg, err = s.store.GetMessage(ctx, c.MessageRef)
		return err
	})
	if err == nil {
		err = s.call(ctx, func(ctx context.Context) error {
			var err error
			ids, err = s.store.Recipients(ctx, c.CycleID)
			return err
		})
	}
	if err == nil {
		err = s.call(ctx, func(ctx context.Context) error {
			var err error
			outs, err = s.store.Outcomes(ctx, c.CycleID)
			return err
		})
	}

	unlock := s.records.Lock(id)
	defer unlock()
	cur, lerr := s.load(ctx, id)
	if lerr != nil || cur.Status != campaign.StatusSending || cur.CycleID != c.CycleID || s.run(id) != nil {
		return
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.fail(ctx, cur, fmt.Sprintf("cannot resume cycle: %v", err))
			return
		}
		s.log.Warn("dispatch resume failed, retrying next tick", logx.String("campaign", id), logx.Err(err))
		return
	}
	s.log.Info("dispatch resumed", logx.String("campaign", id), logx.String("cycle", cur.CycleID), logx.Int("committed", len(outs)))
	s.startRun(cur, msg, ids, outs)
}

// checkpoint copies live run counters into the campaign record.
func (s *Service) checkpoint(ctx context.Context, id string) {
	r := s.run(id)
	if r == nil {
		return
	}
	unlock := s.records.Lock(id)
	defer unlock()
	c, err := s.load(ctx, id)
	if err != nil || c.CycleID != r.CycleID() {
		return
	}
	st := r.Stats()
	if st == c.Stats {
		return
	}
	c.Stats = st
	if err := s.save(ctx, c); err != nil {
		s.log.Warn("checkpoint failed", logx.String("campaign", id), logx.Err(err))
	}
}

// drained closes a cycle whose recipients all hold a terminal outcome.
func (s *Service) drained(r *dispatch.Run) {
	ctx := context.WithoutCancel(s.sup.Context())
	id := r.CampaignID()

	unlock := s.records.Lock(id)
	defer unlock()
	r.Close()
	s.dropRun(r)

	c, err := s.load(ctx, id)
	if err != nil {
		s.log.Error("drained campaign load failed", logx.String("campaign", id), logx.Err(err))
		return
	}
	if c.CycleID != r.CycleID() || c.Status != campaign.StatusSending {
		// A paused cycle completes once resumed; the new worker drains at once.
		return
	}
	c.Stats = r.Stats()
	s.completeCycle(ctx, c, "")
}

// completeCycle moves c to completed, archives its cycle and re-arms a
// recurring campaign.
func (s *Service) completeCycle(ctx context.Context, c *campaign.Campaign, reason string) {
	if _, err := campaign.Next(c.Status, campaign.EventDrainComplete); err != nil {
		s.log.Warn("complete failed", logx.String("campaign", c.ID), logx.Err(err))
		return
	}
	// The archive goes first so a completed campaign always has a closed cycle.
	s.updateCycle(ctx, c, campaign.StatusCompleted, true)
	if _, err := s.transition(ctx, c, campaign.EventDrainComplete, reason); err != nil {
		s.log.Warn("complete failed", logx.String("campaign", c.ID), logx.Err(err))
		return
	}
	s.log.Info("cycle completed",
		logx.String("campaign", c.ID),
		logx.String("cycle", c.CycleID),
		logx.Int64("total", c.Stats.Total),
		logx.Int64("sent", c.Stats.Sent),
		logx.Int64("failed", c.Stats.Failed),
	)

	rec, ok := c.Schedule.(campaign.Recurring)
	if !ok {
		return
	}
	from := s.now()
	if !c.FiredAt.IsZero() && !from.After(c.FiredAt) {
		from = c.FiredAt.Add(time.Second)
	}
	next, ok, err := campaign.NextOccurrence(rec.Rule, from, c.Location(s.location()))
	if err != nil || !ok {
		s.log.Info("recurrence finished", logx.String("campaign", c.ID))
		return
	}
	c.NextFireAt = next
	if _, err := s.transition(ctx, c, campaign.EventRearm, ""); err != nil {
		s.log.Warn("rearm failed", logx.String("campaign", c.ID), logx.Err(err))
	}
}

// fail drives c to failed and stops its worker.
func (s *Service) fail(ctx context.Context, c *campaign.Campaign, reason string) {
	if r := s.run(c.ID); r != nil && r.CycleID() == c.CycleID {
		r.Cancel()
		c.Stats = r.Stats()
		s.dropRun(r)
	}
	if _, err := s.transition(ctx, c, campaign.EventFatalError, reason); err != nil {
		s.log.Error("fail transition failed", logx.String("campaign", c.ID), logx.Err(err))
		return
	}
	if c.CycleID != "" {
		s.updateCycle(ctx, c, campaign.StatusFailed, true)
	}
	s.log.Error("campaign failed", logx.String("campaign", c.ID), logx.String("reason", reason))
}

// updateCycle writes the campaign's current counters and status into its
// cycle record. Closing publishes the archived cycle.
func (s *Service) updateCycle(ctx context.Context, c *campaign.Campaign, status campaign.Status, closing bool) {
	var cy campaign.Cycle
	err := s.bounded(ctx, func(ctx context.Context) error {
		var err error
		cy, err = s.store.GetCycle(ctx, c.CycleID)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		cy = campaign.Cycle{ID: c.CycleID, CampaignID: c.ID, Seq: c.CycleSeq, MessageRef: c.MessageRef, StartedAt: s.now()}
	} else if err != nil {
		s.log.Warn("cycle load failed", logx.String("cycle", c.CycleID), logx.Err(err))
		return
	}
	cy.Stats = c.Stats
	cy.Status = status
	if closing {
		cy.FinishedAt = s.now()
	}
	if err := s.bounded(ctx, func(ctx context.Context) error { return s.store.PutCycle(ctx, cy) }); err != nil {
		s.log.Warn("cycle save failed", logx.String("cycle", c.CycleID), logx.Err(err))
		return
	}
	if closing {
		s.publish(eventbus.CycleClosed, cy)
	}
}

func (s *Service) load(ctx context.Context, id string) (*campaign.Campaign, error) {
	var c *campaign.Campaign
	err := s.bounded(ctx, func(ctx context.Context) error {
		var err error
		c, err = s.store.GetCampaign(ctx, id)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCampaign, id)
	}
	return c, err
}

func (s *Service) save(ctx context.Context, c *campaign.Campaign) error {
	c.UpdatedAt = s.now()
	return s.bounded(ctx, func(ctx context.Context) error { return s.store.SaveCampaign(ctx, c) })
}

// transition applies ev to c, persists the record and makes the change
// observable: history row, bus event and log line.
func (s *Service) transition(ctx context.Context, c *campaign.Campaign, ev campaign.Event, reason string) (campaign.Transition, error) {
	tr, err := c.Apply(ev, s.now(), reason)
	if err != nil {
		return tr, err
	}
	if err := s.bounded(ctx, func(ctx context.Context) error { return s.store.SaveCampaign(ctx, c) }); err != nil {
		return tr, fmt.Errorf("save campaign %s: %w", c.ID, err)
	}
	if err := s.bounded(ctx, func(ctx context.Context) error { return s.store.AppendTransition(ctx, tr) }); err != nil {
		s.log.Warn("transition history write failed", logx.String("campaign", c.ID), logx.Err(err))
	}
	s.publish(eventbus.CampaignStatus, tr)

	fields := []logx.Field{
		logx.String("campaign", c.ID),
		logx.String("from", string(tr.From)),
		logx.String("to", string(tr.To)),
		logx.String("event", string(ev)),
	}
	if tr.CycleID != "" {
		fields = append(fields, logx.String("cycle", tr.CycleID))
	}
	if reason != "" {
		fields = append(fields, logx.String("reason", reason))
	}
	s.log.Info("campaign transition", fields...)
	return tr, nil
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}

// cycleSink persists what a dispatch run commits.
type cycleSink struct{ s *Service }

func (k cycleSink) RecordOutcome(ctx context.Context, o campaign.Outcome) error {
	err := k.s.call(ctx, func(ctx context.Context) error { return k.s.store.PutOutcome(ctx, o) })
	if err != nil {
		return err
	}
	k.s.publish(eventbus.RecipientOutcome, o)
	return nil
}

func (k cycleSink) CycleDrained(r *dispatch.Run) { k.s.drained(r) }
